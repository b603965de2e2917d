package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tailsync/tailsync/internal/config"
	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/lockfile"
	"github.com/tailsync/tailsync/internal/logger"
	"github.com/tailsync/tailsync/internal/metrics"
	"github.com/tailsync/tailsync/internal/replicate"
	"github.com/tailsync/tailsync/internal/secrets"
	"github.com/tailsync/tailsync/internal/server"
)

var (
	pollIntervalOverride time.Duration
	chunkRowsOverride    int
	tablesOverride       string
	prodProfileOverride  bool
)

func main() {
	flag.DurationVar(&pollIntervalOverride, "poll-interval", 0, "Override POLL_INTERVAL (e.g. 30s)")
	flag.IntVar(&chunkRowsOverride, "chunk-rows", 0, "Override FETCH_CHUNK_ROWS (must be > 0)")
	flag.StringVar(&tablesOverride, "tables", "", "Override TABLES (comma-separated list)")
	flag.BoolVar(&prodProfileOverride, "prod", false, "Force PROFILE=prod")
	flag.Parse()

	// 1. Load environment variables (.env overrides)
	if err := godotenv.Overload(".env"); err != nil {
		stdlog.Printf("Warning: Could not load .env file: %v. Relying on environment variables.\n", err)
	}

	// 2. Initial config loading to get logger settings
	preCfg := &struct {
		EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
		DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	}{}
	if err := env.Parse(preCfg); err != nil {
		stdlog.Fatalf("Failed to parse pre-configuration for logger: %v", err)
	}

	// 3. Initialize Zap logger
	if err := logger.Init(preCfg.DebugMode, preCfg.EnableJsonLogging); err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Log.Sync() }()

	// 4. Load and validate full configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("Configuration loading error from environment", zap.Error(err))
	}
	applyCliOverrides(cfg)
	logLoadedConfig(cfg)

	// 5. Single-instance guard, taken before anything touches the databases.
	// A second copy replicating the same source would double-write the sink.
	guard, err := lockfile.Acquire(cfg.LockDir, cfg.SrcDB.DBName, logger.Log)
	if err != nil {
		var locked *lockfile.ErrAlreadyLocked
		if errors.As(err, &locked) {
			logger.Log.Error("Another instance is already replicating this source; exiting",
				zap.String("lock_file", locked.Path))
			os.Exit(1)
		}
		logger.Log.Fatal("Failed to acquire instance lock", zap.Error(err))
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Log.Warn("Failed to release instance lock", zap.Error(err))
		}
	}()

	// 6. Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 7. Initialize Metrics Store
	metricsStore := metrics.NewStore()

	// 8. Initialize Secret Managers
	vaultMgr, vaultErr := secrets.NewVaultManager(cfg, logger.Log)
	if vaultErr != nil {
		if cfg.VaultEnabled {
			logger.Log.Fatal("Failed to initialize Vault secret manager", zap.Error(vaultErr))
		}
		logger.Log.Warn("Could not initialize Vault secret manager (Vault not enabled or config error)", zap.Error(vaultErr))
	}
	availableSecretManagers := make([]secrets.SecretManager, 0, 1)
	if vaultMgr != nil && vaultMgr.IsEnabled() {
		availableSecretManagers = append(availableSecretManagers, vaultMgr)
	}

	// 9. Load Credentials
	logger.Log.Info("Loading database credentials...")
	srcCreds, err := loadCredentials(ctx, &cfg.SrcDB, "source", cfg.SrcSecretPath, cfg.SrcUsernameKey, cfg.SrcPasswordKey, availableSecretManagers)
	if err != nil {
		logger.Log.Fatal("Failed to load source DB credentials", zap.Error(err))
	}
	dstCreds, err := loadCredentials(ctx, &cfg.DstDB, "sink", cfg.DstSecretPath, cfg.DstUsernameKey, cfg.DstPasswordKey, availableSecretManagers)
	if err != nil {
		logger.Log.Fatal("Failed to load sink DB credentials", zap.Error(err))
	}

	// 10. Connect to both databases with retry, in parallel
	logger.Log.Info("Connecting to databases...")
	var (
		srcConn, dstConn *db.Connector
		srcErr, dstErr   error
		dbWg             sync.WaitGroup
	)
	dbWg.Add(2)
	go func() {
		defer dbWg.Done()
		srcConn, srcErr = connectDBWithRetry(ctx, cfg.SrcDB, srcCreds, cfg.MaxRetries, cfg.RetryInterval, "source", metricsStore)
	}()
	go func() {
		defer dbWg.Done()
		dstConn, dstErr = connectDBWithRetry(ctx, cfg.DstDB, dstCreds, cfg.MaxRetries, cfg.RetryInterval, "sink", metricsStore)
	}()
	dbWg.Wait()
	if srcErr != nil {
		logger.Log.Fatal("Failed to establish source DB connection", zap.Error(srcErr))
	}
	if dstErr != nil {
		logger.Log.Fatal("Failed to establish sink DB connection", zap.Error(dstErr))
	}
	defer func() {
		logger.Log.Info("Closing database connections...")
		if err := srcConn.Close(); err != nil {
			logger.Log.Error("Error closing source DB", zap.Error(err))
		}
		if err := dstConn.Close(); err != nil {
			logger.Log.Error("Error closing sink DB", zap.Error(err))
		}
	}()

	// 11. Optimize connection pools
	if err := srcConn.Optimize(cfg.ConnPoolSize, cfg.ConnMaxLifetime); err != nil {
		logger.Log.Warn("Failed to optimize source DB pool", zap.Error(err))
	}
	if err := dstConn.Optimize(cfg.ConnPoolSize, cfg.ConnMaxLifetime); err != nil {
		logger.Log.Warn("Failed to optimize sink DB pool", zap.Error(err))
	}

	// 12. Start HTTP server for metrics, health and readiness
	go server.RunHTTPServer(ctx, cfg, metricsStore, srcConn, dstConn, logger.Log)

	// 13. Plan and run the replication poll loop
	svc, err := replicate.NewService(ctx, cfg, srcConn, dstConn, metricsStore, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to plan replication", zap.Error(err))
	}
	logger.Log.Info("Replication planned", zap.Int("tables", svc.Tables()))

	runErr := svc.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Log.Error("Replication loop exited with error", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Log.Info("Shutdown complete. Exiting.")
}

// applyCliOverrides folds CLI flag values over the env-derived config.
func applyCliOverrides(cfg *config.Config) {
	if pollIntervalOverride > 0 {
		logger.Log.Info("Overriding POLL_INTERVAL with CLI flag",
			zap.Duration("env_value", cfg.PollInterval), zap.Duration("cli_value", pollIntervalOverride))
		cfg.PollInterval = pollIntervalOverride
	}
	if chunkRowsOverride > 0 {
		logger.Log.Info("Overriding FETCH_CHUNK_ROWS with CLI flag",
			zap.Int("env_value", cfg.FetchChunkRows), zap.Int("cli_value", chunkRowsOverride))
		cfg.FetchChunkRows = chunkRowsOverride
	}
	if tablesOverride != "" {
		logger.Log.Info("Overriding TABLES with CLI flag",
			zap.Strings("env_value", cfg.Tables), zap.String("cli_value", tablesOverride))
		cfg.Tables = strings.Split(tablesOverride, ",")
	}
	if prodProfileOverride && cfg.Profile != config.ProfileProd {
		logger.Log.Info("Forcing prod profile with CLI flag")
		cfg.Profile = config.ProfileProd
		cfg.ApplyProfile()
	}
}

// logLoadedConfig records the final configuration in use, never passwords.
func logLoadedConfig(cfg *config.Config) {
	srcPassSource := "not set"
	if cfg.SrcDB.Password != "" {
		srcPassSource = "env var"
	} else if cfg.VaultEnabled && cfg.SrcSecretPath != "" {
		srcPassSource = "vault"
	}
	dstPassSource := "not set"
	if cfg.DstDB.Password != "" {
		dstPassSource = "env var"
	} else if cfg.VaultEnabled && cfg.DstSecretPath != "" {
		dstPassSource = "vault"
	}

	logger.Log.Info("Final configuration in use",
		zap.String("profile", string(cfg.Profile)),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("fetch_chunk_rows", cfg.FetchChunkRows),
		zap.Int("insert_batch_rows", cfg.InsertBatchRows),
		zap.Duration("full_scan_interval", cfg.FullScanInterval),
		zap.Strings("tables", cfg.Tables),
		zap.String("src_dialect", cfg.SrcDB.Dialect), zap.String("src_host", cfg.SrcDB.Host), zap.Int("src_port", cfg.SrcDB.Port), zap.String("src_user", cfg.SrcDB.User), zap.String("src_password_source", srcPassSource), zap.String("src_dbname", cfg.SrcDB.DBName), zap.String("src_sslmode", cfg.SrcDB.SSLMode),
		zap.String("dst_dialect", cfg.DstDB.Dialect), zap.String("dst_host", cfg.DstDB.Host), zap.Int("dst_port", cfg.DstDB.Port), zap.String("dst_user", cfg.DstDB.User), zap.String("dst_password_source", dstPassSource), zap.String("dst_dbname", cfg.DstDB.DBName), zap.String("dst_sslmode", cfg.DstDB.SSLMode),
		zap.Int("max_retries", cfg.MaxRetries), zap.Duration("retry_interval", cfg.RetryInterval),
		zap.Int("conn_pool_size", cfg.ConnPoolSize), zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.String("lock_dir", cfg.LockDir),
		zap.Bool("json_logging", cfg.EnableJsonLogging), zap.Bool("enable_pprof", cfg.EnablePprof), zap.Int("metrics_port", cfg.MetricsPort), zap.Bool("debug_mode", cfg.DebugMode),
		zap.Bool("vault_enabled", cfg.VaultEnabled), zap.String("vault_addr", cfg.VaultAddr), zap.Bool("vault_token_present", cfg.VaultToken != ""),
	)
}

// loadCredentials resolves credentials from env vars first, then from any
// enabled secret manager.
func loadCredentials(
	ctx context.Context,
	dbCfg *config.DatabaseConfig,
	dbLabel string,
	secretPath string,
	usernameKey string,
	passwordKey string,
	secretManagers []secrets.SecretManager,
) (*secrets.Credentials, error) {
	log := logger.Log.With(zap.String("db", dbLabel))

	if dbCfg.Dialect == "sqlite" {
		return &secrets.Credentials{}, nil
	}

	if dbCfg.Password != "" {
		log.Info("Using password directly from environment variable for DB.")
		if dbCfg.User == "" {
			return nil, errors.New("password provided for " + dbLabel + " DB via env var, but username is missing")
		}
		return &secrets.Credentials{Username: dbCfg.User, Password: dbCfg.Password}, nil
	}
	log.Info("Password not found in environment for this DB. Checking secret managers...")

	if secretPath != "" {
		for _, sm := range secretManagers {
			getCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			creds, err := sm.GetCredentials(getCtx, secretPath, usernameKey, passwordKey)
			cancel()
			if err == nil && creds != nil {
				if creds.Password == "" {
					return nil, errors.New("retrieved credentials for " + dbLabel + " DB, but password field is empty")
				}
				if creds.Username == "" {
					creds.Username = dbCfg.User
					if creds.Username == "" {
						return nil, errors.New("password retrieved for " + dbLabel + " DB, but username is missing in both secret and DB config")
					}
				}
				log.Info("Retrieved credentials from secret manager.")
				return creds, nil
			}
			log.Warn("Failed to retrieve credentials from secret manager. Trying next if available.", zap.Error(err))
		}
		log.Error("No enabled secret manager returned credentials for the configured path.", zap.String("path", secretPath))
	}

	return nil, errors.New("could not load credentials for " + dbLabel +
		" DB: set the password env var or enable Vault with a secret path")
}

// connectDBWithRetry dials a database with retry, pinging before accepting
// the connection.
func connectDBWithRetry(
	ctx context.Context,
	dbCfg config.DatabaseConfig,
	creds *secrets.Credentials,
	maxRetries int,
	retryInterval time.Duration,
	dbLabel string,
	metricsStore *metrics.Store,
) (*db.Connector, error) {
	gl := logger.GetGormLogger()
	var lastErr error

	dbCfg.User = creds.Username
	dbCfg.Password = creds.Password
	dsn := dbCfg.DSN()
	if dsn == "" {
		metricsStore.ReplicationErrors.WithLabelValues("connection", dbLabel).Inc()
		return nil, errors.New("could not build DSN for " + dbLabel + " DB (unsupported dialect: " + dbCfg.Dialect + ")")
	}

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			logger.Log.Warn("Retrying database connection",
				zap.String("db", dbLabel),
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", maxRetries+1),
				zap.Duration("wait_interval", retryInterval),
				zap.NamedError("previous_error", lastErr),
			)
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				metricsStore.ReplicationErrors.WithLabelValues("connection", dbLabel).Inc()
				return nil, ctx.Err()
			}
		}

		logger.Log.Info("Attempting to connect",
			zap.String("db", dbLabel),
			zap.String("dialect", dbCfg.Dialect),
			zap.String("host", dbCfg.Host),
			zap.Int("port", dbCfg.Port),
			zap.String("dbname", dbCfg.DBName),
			zap.Int("attempt", i+1))

		start := time.Now()
		conn, err := db.New(dbCfg.Dialect, dsn, gl)
		if err != nil {
			lastErr = err
			continue
		}
		if err := conn.Ping(ctx); err != nil {
			lastErr = err
			_ = conn.Close()
			continue
		}

		logger.Log.Info("Database connection successful",
			zap.String("db", dbLabel),
			zap.Duration("connect_duration", time.Since(start)))
		return conn, nil
	}

	metricsStore.ReplicationErrors.WithLabelValues("connection", dbLabel).Inc()
	return nil, lastErr
}
