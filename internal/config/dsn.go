package config

import (
	"fmt"
	"net/url"
	"strings"
)

// DSN renders the GORM connection string for the configured dialect. For
// sqlite, DBName is the database file path.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Dialect) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBName)
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			d.Host, d.User, d.Password, d.DBName, d.Port, d.SSLMode)
	case "sqlite":
		return d.DBName
	case "clickhouse":
		u := url.URL{
			Scheme: "clickhouse",
			User:   url.UserPassword(d.User, d.Password),
			Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
			Path:   "/" + d.DBName,
		}
		q := url.Values{}
		q.Set("dial_timeout", "10s")
		q.Set("read_timeout", "30s")
		u.RawQuery = q.Encode()
		return u.String()
	default:
		return ""
	}
}
