package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
)

// Profile selects which set of source credentials is used.
type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileProd Profile = "prod"
)

type Config struct {
	// Replication settings
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	FetchChunkRows   int           `env:"FETCH_CHUNK_ROWS" envDefault:"5000"`
	InsertBatchRows  int           `env:"INSERT_BATCH_ROWS" envDefault:"2000"`
	FullScanInterval time.Duration `env:"FULL_SCAN_INTERVAL" envDefault:"30m"` // cadence for fallback count comparison
	Tables           []string      `env:"TABLES" envSeparator:","`             // empty = all base tables
	Profile          Profile       `env:"PROFILE" envDefault:"dev"`

	// Retry logic (recoverable errors like a failed batch append)
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`

	// Connection pool
	ConnPoolSize    int           `env:"CONN_POOL_SIZE" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`

	// Single-instance guard
	LockDir string `env:"LOCK_DIR" envDefault:"/tmp"`

	// Observability & debugging
	EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	EnablePprof       bool `env:"ENABLE_PPROF" envDefault:"false"`
	MetricsPort       int  `env:"METRICS_PORT" envDefault:"9091"`
	DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`

	// Database configurations
	SrcDB     DatabaseConfig          `envPrefix:"SRC_"`
	SrcProdDB ProdCredentialsOverride `envPrefix:"SRC_PROD_"`
	DstDB     DatabaseConfig          `envPrefix:"DST_"`

	// Vault secret manager
	VaultEnabled    bool   `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr       string `env:"VAULT_ADDR" envDefault:"http://127.0.0.1:8200"`
	VaultToken      string `env:"VAULT_TOKEN"`
	VaultCACert     string `env:"VAULT_CACERT"`
	VaultSkipVerify bool   `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	SrcSecretPath   string `env:"SRC_SECRET_PATH"`
	SrcUsernameKey  string `env:"SRC_USERNAME_KEY" envDefault:"username"`
	SrcPasswordKey  string `env:"SRC_PASSWORD_KEY" envDefault:"password"`
	DstSecretPath   string `env:"DST_SECRET_PATH"`
	DstUsernameKey  string `env:"DST_USERNAME_KEY" envDefault:"username"`
	DstPasswordKey  string `env:"DST_PASSWORD_KEY" envDefault:"password"`
}

type DatabaseConfig struct {
	Dialect  string `env:"DIALECT,required"`
	Host     string `env:"HOST"`
	Port     int    `env:"PORT"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	DBName   string `env:"DBNAME,required"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// ProdCredentialsOverride replaces host/port/user/password of the source when
// PROFILE=prod. All fields are optional; empty fields keep the SRC_ value.
type ProdCredentialsOverride struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
}

var sourceDialects = map[string]bool{
	"mysql":    true,
	"postgres": true,
	"sqlite":   true,
}

var sinkDialects = map[string]bool{
	"mysql":      true,
	"postgres":   true,
	"sqlite":     true,
	"clickhouse": true,
}

func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{RequiredIfNoDef: false}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}

	cfg.ApplyProfile()

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyProfile folds the prod credential overrides into the source config
// when the prod profile is active. Idempotent.
func (c *Config) ApplyProfile() {
	if c.Profile != ProfileProd {
		return
	}
	if c.SrcProdDB.Host != "" {
		c.SrcDB.Host = c.SrcProdDB.Host
	}
	if c.SrcProdDB.Port != 0 {
		c.SrcDB.Port = c.SrcProdDB.Port
	}
	if c.SrcProdDB.User != "" {
		c.SrcDB.User = c.SrcProdDB.User
	}
	if c.SrcProdDB.Password != "" {
		c.SrcDB.Password = c.SrcProdDB.Password
	}
}

// TableFilter returns the normalized explicit table list, or nil when all
// tables should be replicated. Entries may be "table" or "schema.table".
func (c *Config) TableFilter() []string {
	if len(c.Tables) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Profile != ProfileDev && cfg.Profile != ProfileProd {
		return fmt.Errorf("invalid profile: %q. Valid options: %s, %s", cfg.Profile, ProfileDev, ProfileProd)
	}

	srcDialect := strings.ToLower(cfg.SrcDB.Dialect)
	if !sourceDialects[srcDialect] {
		return fmt.Errorf("invalid source dialect: %s. Valid options: %v", cfg.SrcDB.Dialect, mapKeys(sourceDialects))
	}
	dstDialect := strings.ToLower(cfg.DstDB.Dialect)
	if !sinkDialects[dstDialect] {
		return fmt.Errorf("invalid sink dialect: %s. Valid options: %v", cfg.DstDB.Dialect, mapKeys(sinkDialects))
	}

	validatePort := func(port int, name string) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
		return nil
	}
	if srcDialect != "sqlite" {
		if err := validatePort(cfg.SrcDB.Port, "source"); err != nil {
			return err
		}
	}
	if dstDialect != "sqlite" {
		if err := validatePort(cfg.DstDB.Port, "sink"); err != nil {
			return err
		}
	}
	if err := validatePort(cfg.MetricsPort, "metrics"); err != nil {
		return err
	}

	if cfg.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1s, got %s", cfg.PollInterval)
	}
	if cfg.FullScanInterval < cfg.PollInterval {
		return fmt.Errorf("full scan interval (%s) must not be shorter than the poll interval (%s)", cfg.FullScanInterval, cfg.PollInterval)
	}
	if cfg.FetchChunkRows <= 0 {
		return fmt.Errorf("fetch chunk rows must be positive")
	}
	if cfg.InsertBatchRows <= 0 {
		return fmt.Errorf("insert batch rows must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if cfg.ConnPoolSize <= 0 {
		return fmt.Errorf("connection pool size must be positive")
	}
	if cfg.LockDir == "" {
		return fmt.Errorf("lock directory cannot be empty")
	}

	validSSL := map[string]bool{
		"disable":     true,
		"allow":       true,
		"prefer":      true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if isSSLModeRelevant(cfg.SrcDB.Dialect) && !validSSL[strings.ToLower(cfg.SrcDB.SSLMode)] {
		return fmt.Errorf("invalid SSL mode for source DB: %s", cfg.SrcDB.SSLMode)
	}
	if isSSLModeRelevant(cfg.DstDB.Dialect) && !validSSL[strings.ToLower(cfg.DstDB.SSLMode)] {
		return fmt.Errorf("invalid SSL mode for sink DB: %s", cfg.DstDB.SSLMode)
	}

	return nil
}

func mapKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Sort for consistent error messages
	return keys
}

func isSSLModeRelevant(dialect string) bool {
	switch strings.ToLower(dialect) {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
