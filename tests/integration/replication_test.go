//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailsync/tailsync/internal/config"
	"github.com/tailsync/tailsync/internal/db"
	"github.com/tailsync/tailsync/internal/logger"
	"github.com/tailsync/tailsync/internal/metrics"
	"github.com/tailsync/tailsync/internal/replicate"
)

var loggerOnce sync.Once

func initLogger(t *testing.T) {
	t.Helper()
	loggerOnce.Do(func() {
		if err := logger.Init(true, false); err != nil {
			t.Fatalf("Failed to initialize logger: %v", err)
		}
	})
}

// TestIncrementalReplicationMySQLToPostgres drives the whole engine end to
// end: seed a MySQL source, run the poll loop against a Postgres sink, and
// check that new source rows keep arriving while the loop runs.
func TestIncrementalReplicationMySQLToPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-based test in short mode")
	}
	initLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	source := startMySQLContainer(ctx, t)
	defer stopContainer(context.Background(), t, source)
	sink := startPostgresContainer(ctx, t)
	defer stopContainer(context.Background(), t, sink)

	mustExec(t, source.DB,
		`CREATE TABLE items (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(64) NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
		`INSERT INTO items (name, updated_at) VALUES
			('alpha', '2024-01-01 10:00:00'),
			('beta',  '2024-01-01 10:00:01'),
			('gamma', '2024-01-01 10:00:02')`,
	)
	mustExec(t, sink.DB,
		`CREATE TABLE items (
			id BIGINT NOT NULL,
			name TEXT,
			updated_at TIMESTAMP
		)`,
	)

	cfg := &config.Config{
		PollInterval:     time.Second,
		FetchChunkRows:   100,
		InsertBatchRows:  50,
		FullScanInterval: time.Hour,
		MaxRetries:       2,
		RetryInterval:    time.Second,
		ConnPoolSize:     5,
		ConnMaxLifetime:  time.Hour,
		SrcDB: config.DatabaseConfig{
			Dialect: "mysql", Host: source.Host, Port: mustPortInt(t, source.Port),
			User: source.Username, Password: source.Password, DBName: source.DBName,
		},
		DstDB: config.DatabaseConfig{
			Dialect: "postgres", Host: sink.Host, Port: mustPortInt(t, sink.Port),
			User: sink.Username, Password: sink.Password, DBName: sink.DBName, SSLMode: "disable",
		},
	}

	srcConn, err := db.New("mysql", source.DSN, logger.GetGormLogger())
	require.NoError(t, err)
	defer srcConn.Close()
	dstConn, err := db.New("postgres", sink.DSN, logger.GetGormLogger())
	require.NoError(t, err)
	defer dstConn.Close()

	store := metrics.NewStore()
	svc, err := replicate.NewService(ctx, cfg, srcConn, dstConn, store, logger.Log)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Tables())

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(runCtx)
	}()

	// Initial backlog lands on the first tick.
	count := waitForCount(t, sink.DB, "items", 3, 30*time.Second)
	require.Equal(t, int64(3), count, "initial backlog should replicate")

	// Rows inserted while the loop runs are picked up on later ticks.
	mustExec(t, source.DB,
		`INSERT INTO items (name, updated_at) VALUES
			('delta',   '2024-01-01 10:00:03'),
			('epsilon', '2024-01-01 10:00:04')`,
	)
	count = waitForCount(t, sink.DB, "items", 5, 30*time.Second)
	require.Equal(t, int64(5), count, "new rows should replicate incrementally")

	// A re-run of an already-synced position stays idempotent: no dupes.
	time.Sleep(3 * time.Second)
	var finalCount int64
	require.NoError(t, sink.DB.Raw("SELECT COUNT(*) FROM items").Scan(&finalCount).Error)
	assert.Equal(t, int64(5), finalCount, "extra ticks must not duplicate rows")

	var names []string
	require.NoError(t, sink.DB.Raw("SELECT name FROM items ORDER BY id").Scan(&names).Error)
	assert.Equal(t, []string{"alpha", "beta", "gamma", "delta", "epsilon"}, names)

	stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("poll loop did not stop after cancellation")
	}
}

// TestFullScanFallbackReconciliation checks the count-comparison path for a
// table with no usable cursor column.
func TestFullScanFallbackReconciliation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-based test in short mode")
	}
	initLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	source := startMySQLContainer(ctx, t)
	defer stopContainer(context.Background(), t, source)
	sink := startPostgresContainer(ctx, t)
	defer stopContainer(context.Background(), t, sink)

	mustExec(t, source.DB,
		`CREATE TABLE lookup (
			code VARCHAR(16) PRIMARY KEY,
			label VARCHAR(64)
		)`,
		`INSERT INTO lookup (code, label) VALUES ('A', 'Apple'), ('B', 'Banana')`,
	)
	mustExec(t, sink.DB,
		`CREATE TABLE lookup (
			code TEXT NOT NULL,
			label TEXT,
			CONSTRAINT lookup_pkey PRIMARY KEY (code)
		)`,
	)

	cfg := &config.Config{
		PollInterval:     time.Second,
		FetchChunkRows:   100,
		InsertBatchRows:  50,
		FullScanInterval: time.Second,
		MaxRetries:       2,
		RetryInterval:    time.Second,
		SrcDB: config.DatabaseConfig{
			Dialect: "mysql", Host: source.Host, Port: mustPortInt(t, source.Port),
			User: source.Username, Password: source.Password, DBName: source.DBName,
		},
		DstDB: config.DatabaseConfig{
			Dialect: "postgres", Host: sink.Host, Port: mustPortInt(t, sink.Port),
			User: sink.Username, Password: sink.Password, DBName: sink.DBName, SSLMode: "disable",
		},
	}

	srcConn, err := db.New("mysql", source.DSN, logger.GetGormLogger())
	require.NoError(t, err)
	defer srcConn.Close()
	dstConn, err := db.New("postgres", sink.DSN, logger.GetGormLogger())
	require.NoError(t, err)
	defer dstConn.Close()

	store := metrics.NewStore()
	svc, err := replicate.NewService(ctx, cfg, srcConn, dstConn, store, logger.Log)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(runCtx)
	}()

	count := waitForCount(t, sink.DB, "lookup", 2, 30*time.Second)
	require.Equal(t, int64(2), count, "fallback resync should copy the table")

	// New rows only arrive on the next reconciliation; the conflict clause
	// keeps existing rows from duplicating.
	mustExec(t, source.DB, `INSERT INTO lookup (code, label) VALUES ('C', 'Cherry')`)
	count = waitForCount(t, sink.DB, "lookup", 3, 30*time.Second)
	require.Equal(t, int64(3), count)

	stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("poll loop did not stop after cancellation")
	}
}
