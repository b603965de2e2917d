package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		PollInterval:     10 * time.Second,
		FetchChunkRows:   5000,
		InsertBatchRows:  2000,
		FullScanInterval: 30 * time.Minute,
		Profile:          ProfileDev,
		MaxRetries:       3,
		RetryInterval:    5 * time.Second,
		ConnPoolSize:     10,
		ConnMaxLifetime:  time.Hour,
		LockDir:          "/tmp",
		MetricsPort:      9091,
		SrcDB: DatabaseConfig{
			Dialect: "mysql", Host: "localhost", Port: 3306,
			User: "repl", Password: "secret", DBName: "appdb", SSLMode: "disable",
		},
		DstDB: DatabaseConfig{
			Dialect: "clickhouse", Host: "localhost", Port: 9000,
			User: "default", DBName: "appdb", SSLMode: "disable",
		},
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, validateConfig(cfg))
}

func TestValidateConfigRejections(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{"Unknown source dialect", func(c *Config) { c.SrcDB.Dialect = "mssql" }, "invalid source dialect"},
		{"Unknown sink dialect", func(c *Config) { c.DstDB.Dialect = "snowflake" }, "invalid sink dialect"},
		{"Bad source port", func(c *Config) { c.SrcDB.Port = 0 }, "invalid source port"},
		{"Bad metrics port", func(c *Config) { c.MetricsPort = 70000 }, "invalid metrics port"},
		{"Sub-second poll interval", func(c *Config) { c.PollInterval = 200 * time.Millisecond }, "poll interval"},
		{"Full scan shorter than poll", func(c *Config) { c.FullScanInterval = time.Second }, "full scan interval"},
		{"Zero fetch chunk", func(c *Config) { c.FetchChunkRows = 0 }, "fetch chunk rows"},
		{"Zero insert batch", func(c *Config) { c.InsertBatchRows = 0 }, "insert batch rows"},
		{"Negative retries", func(c *Config) { c.MaxRetries = -1 }, "max retries"},
		{"Empty lock dir", func(c *Config) { c.LockDir = "" }, "lock directory"},
		{"Bad profile", func(c *Config) { c.Profile = "staging" }, "invalid profile"},
		{"Bad SSL mode", func(c *Config) { c.SrcDB.SSLMode = "maybe" }, "invalid SSL mode"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)
		})
	}
}

func TestValidateConfigSQLitePortNotRequired(t *testing.T) {
	cfg := baseConfig()
	cfg.SrcDB.Dialect = "sqlite"
	cfg.SrcDB.Port = 0
	cfg.SrcDB.DBName = "/var/lib/app/source.db"
	assert.NoError(t, validateConfig(cfg))
}

func TestApplyProfile(t *testing.T) {
	cfg := baseConfig()
	cfg.SrcProdDB = ProdCredentialsOverride{Host: "db-prod.internal", User: "repl_ro", Password: "prodsecret"}

	cfg.ApplyProfile() // dev profile: no-op
	assert.Equal(t, "localhost", cfg.SrcDB.Host)

	cfg.Profile = ProfileProd
	cfg.ApplyProfile()
	assert.Equal(t, "db-prod.internal", cfg.SrcDB.Host)
	assert.Equal(t, "repl_ro", cfg.SrcDB.User)
	assert.Equal(t, "prodsecret", cfg.SrcDB.Password)
	assert.Equal(t, 3306, cfg.SrcDB.Port, "unset override fields keep the base value")
}

func TestTableFilter(t *testing.T) {
	cfg := baseConfig()
	assert.Nil(t, cfg.TableFilter())

	cfg.Tables = []string{" orders ", "", "dbo.customers"}
	assert.Equal(t, []string{"orders", "dbo.customers"}, cfg.TableFilter())

	cfg.Tables = []string{"  ", ""}
	assert.Nil(t, cfg.TableFilter())
}
