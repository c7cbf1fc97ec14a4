// Package sqldb adapts database/sql pools to dbconn.Pool for SQLite
// (modernc.org/sqlite, pure Go) and MySQL (go-sql-driver/mysql).
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Component aggregates the opened *sql.DB and its dbconn adapter.
type Component struct {
	SQL     *sql.DB
	DB      *DB
	Version string
	helper  *log.Helper
}

var mysqlLoggerOnce sync.Once

// NewComponent opens and pings a database/sql pool according to cfg.
func NewComponent(ctx context.Context, cfg Config, deps Dependencies) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sanitized, err := cfg.Sanitize()
	if err != nil {
		return nil, nil, err
	}
	dep := sanitizeDependencies(deps)
	helper := log.NewHelper(dep.logger)

	db, err := open(sanitized, helper)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(sanitized.MaxOpenConns)
	db.SetMaxIdleConns(sanitized.MaxIdleConns)
	if sanitized.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(sanitized.ConnMaxLifetime)
	}

	telemetry := &poolTelemetry{}
	if sanitized.MetricsEnabledValue() {
		telemetry = newPoolTelemetry(dep.meter, helper, db, sanitized.Driver)
	}

	start := dep.clock()
	version, err := pingDatabase(ctx, db, sanitized.Driver, sanitized.HealthCheckTimeout)
	telemetry.recordHealthCheck(ctx, dep.clock().Sub(start), err)
	if err != nil {
		telemetry.shutdown()
		_ = db.Close()
		return nil, nil, err
	}

	helper.Infof("sqldb: pool created driver=%s dsn=%s max_open=%d version=%s",
		sanitized.Driver, sanitizeDSN(sanitized.Driver, sanitized.DSN), sanitized.MaxOpenConns, version)

	component := &Component{
		SQL:     db,
		DB:      Wrap(db, sanitized.Driver),
		Version: version,
		helper:  helper,
	}
	cleanup := func() {
		helper.Info("sqldb: closing pool")
		telemetry.shutdown()
		if err := db.Close(); err != nil {
			helper.Warnf("sqldb: close pool: %v", err)
		}
	}
	return component, cleanup, nil
}

func open(cfg Config, helper *log.Helper) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN, cfg.BusyTimeout))
		if err != nil {
			return nil, fmt.Errorf("sqldb: open sqlite: %w", err)
		}
		return db, nil
	case DriverMySQL:
		mcfg, err := mysqlConfig(cfg.DSN)
		if err != nil {
			return nil, err
		}
		mysqlLoggerOnce.Do(func() {
			_ = mysql.SetLogger(mysqlLogger{helper: helper})
		})
		connector, err := mysql.NewConnector(mcfg)
		if err != nil {
			return nil, fmt.Errorf("sqldb: mysql connector: %w", err)
		}
		return sql.OpenDB(connector), nil
	}
	return nil, fmt.Errorf("sqldb: unsupported driver %q", cfg.Driver)
}

func pingDatabase(ctx context.Context, db *sql.DB, driver string, timeout time.Duration) (string, error) {
	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(healthCtx); err != nil {
		return "", fmt.Errorf("sqldb: ping: %w", err)
	}
	query := "select version()"
	if driver == DriverSQLite {
		query = "select sqlite_version()"
	}
	var version string
	if err := db.QueryRowContext(healthCtx, query).Scan(&version); err != nil {
		return "", fmt.Errorf("sqldb: version query: %w", err)
	}
	return version, nil
}

// mysqlLogger routes driver diagnostics into the kratos logger.
type mysqlLogger struct {
	helper *log.Helper
}

func (l mysqlLogger) Print(v ...any) {
	l.helper.Warn(append([]any{"mysql: "}, v...)...)
}
