package pgxpoolx

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Component aggregates the constructed pgx connection pool, its dbconn
// adapter used by the transaction manager, and helpers used during cleanup.
type Component struct {
	Pool    *pgxpool.Pool
	DB      *Pool
	helper  *log.Helper
	metrics *poolTelemetry
}

// NewComponent opens the pool, pings it and wraps it as a dbconn.Pool. The
// returned cleanup closes the pool; it must run after every transaction
// using DB has finished.
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

	poolConfig, err := sanitized.poolConfig(dep.tracer)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpoolx: create pool: %w", err)
	}

	telemetry := &poolTelemetry{}
	if sanitized.MetricsEnabledValue() {
		telemetry = newPoolTelemetry(dep.meter, helper, pool)
	}

	start := dep.clock()
	version, err := pingDatabase(ctx, pool, sanitized.HealthCheckTimeout)
	telemetry.recordHealthCheck(ctx, dep.clock().Sub(start), err)
	if err != nil {
		telemetry.shutdown()
		pool.Close()
		return nil, nil, err
	}

	helper.Infof("pgxpoolx: pool created dsn=%s max_conns=%d min_conns=%d prepared_statements=%t search_path=%s version=%s",
		sanitizeDSN(sanitized.DSN),
		poolConfig.MaxConns,
		poolConfig.MinConns,
		sanitized.PreparedStatementsEnabled(),
		strings.Join(sanitized.SearchPath, ","),
		version,
	)

	component := &Component{
		Pool: pool,
		DB: &Pool{
			pool:           pool,
			metrics:        telemetry,
			clock:          dep.clock,
			acquireTimeout: sanitized.AcquireTimeout,
		},
		helper:  helper,
		metrics: telemetry,
	}

	cleanup := func() {
		helper.Info("pgxpoolx: closing pool")
		telemetry.shutdown()
		pool.Close()
	}

	return component, cleanup, nil
}

func pingDatabase(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) (string, error) {
	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(healthCtx); err != nil {
		return "", fmt.Errorf("pgxpoolx: ping: %w", err)
	}

	var version string
	if err := pool.QueryRow(healthCtx, "select version()").Scan(&version); err != nil {
		return "", fmt.Errorf("pgxpoolx: version query: %w", err)
	}

	return truncateVersion(version), nil
}

func sanitizeDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, "***")
		}
	}

	return parsed.String()
}

func truncateVersion(version string) string {
	if idx := strings.Index(version, "("); idx >= 0 {
		return strings.TrimSpace(version[:idx])
	}
	if len(version) > 100 {
		return version[:100] + "..."
	}
	return version
}
