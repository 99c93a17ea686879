package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds database connection settings.
type Config struct {
	Driver   string // postgres | sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// SQLitePath is used when Driver is sqlite3; ":memory:" is accepted.
	SQLitePath string
}

// NewConfigFromEnv reads DB_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return Config{
		Driver:     getEnv("DB_DRIVER", "postgres"),
		Host:       getEnv("DB_HOST", "localhost"),
		Port:       port,
		User:       getEnv("DB_USER", "postgres"),
		Password:   getEnv("DB_PASSWORD", "postgres"),
		Database:   getEnv("DB_NAME", "clowbot"),
		SSLMode:    getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("DB_SQLITE_PATH", "clowbot.db"),
	}
}

// DSN returns the driver specific connection string.
func (c Config) DSN() string {
	if c.Driver == "sqlite3" {
		if c.SQLitePath == ":memory:" {
			return c.SQLitePath
		}
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", c.SQLitePath)
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
