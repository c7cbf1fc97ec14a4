package sqldb

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	defaultHealthCheckTimeout = 5 * time.Second
	defaultBusyTimeout        = 5 * time.Second
	defaultSQLiteMaxOpen      = 8
)

// Config captures database/sql pool settings. Driver and DSN are required;
// zero values elsewhere fall back to defaults.
type Config struct {
	Driver             string
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	HealthCheckTimeout time.Duration
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout    time.Duration
	MetricsEnabled *bool
}

// Sanitize validates mandatory fields and applies default values.
func (c Config) Sanitize() (Config, error) {
	s := c
	s.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	s.DSN = strings.TrimSpace(c.DSN)

	switch s.Driver {
	case DriverSQLite, "sqlite3":
		s.Driver = DriverSQLite
	case DriverMySQL, "mariadb":
		s.Driver = DriverMySQL
	case "":
		return Config{}, errors.New("sqldb: driver is required")
	default:
		return Config{}, fmt.Errorf("sqldb: unsupported driver %q", c.Driver)
	}
	if s.DSN == "" {
		return Config{}, errors.New("sqldb: dsn is required")
	}

	if s.HealthCheckTimeout <= 0 {
		s.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if s.Driver == DriverSQLite {
		if s.BusyTimeout <= 0 {
			s.BusyTimeout = defaultBusyTimeout
		}
		if s.MaxOpenConns <= 0 {
			s.MaxOpenConns = defaultSQLiteMaxOpen
		}
		// an in-memory database is private to the connection that opened it
		if isMemorySQLite(s.DSN) {
			s.MaxOpenConns = 1
		}
	}
	if s.MaxIdleConns < 0 {
		s.MaxIdleConns = 0
	}
	if s.MetricsEnabled == nil {
		disabled := false
		s.MetricsEnabled = &disabled
	}
	return s, nil
}

func (c Config) MetricsEnabledValue() bool {
	return c.MetricsEnabled != nil && *c.MetricsEnabled
}
