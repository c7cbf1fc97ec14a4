package pgxpoolx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	defaultSchema             = "public"
)

// Config describes the Postgres pool that backs dbconn.Pool. DSN is
// required; zero values fall back to pgx defaults.
type Config struct {
	DSN                string        `json:"dsn" yaml:"dsn"`
	MaxConns           int32         `json:"maxConns" yaml:"maxConns"`
	MinConns           int32         `json:"minConns" yaml:"minConns"`
	MaxConnLifetime    time.Duration `json:"maxConnLifetime" yaml:"maxConnLifetime"`
	MaxConnIdleTime    time.Duration `json:"maxConnIdleTime" yaml:"maxConnIdleTime"`
	HealthCheckPeriod  time.Duration `json:"healthCheckPeriod" yaml:"healthCheckPeriod"`
	HealthCheckTimeout time.Duration `json:"healthCheckTimeout" yaml:"healthCheckTimeout"`
	// AcquireTimeout bounds how long a transaction waits for a connection.
	// Zero waits as long as the caller's context allows.
	AcquireTimeout time.Duration `json:"acquireTimeout" yaml:"acquireTimeout"`
	// Schema is put first on the search path when SearchPath is empty.
	Schema             string   `json:"schema" yaml:"schema"`
	SearchPath         []string `json:"searchPath" yaml:"searchPath"`
	EnablePreparedStmt *bool    `json:"enablePreparedStmt" yaml:"enablePreparedStmt"`
	MetricsEnabled     *bool    `json:"metricsEnabled" yaml:"metricsEnabled"`
}

// Sanitize validates the DSN and fills defaults into a copy.
func (c Config) Sanitize() (Config, error) {
	s := c
	s.DSN = strings.TrimSpace(c.DSN)
	if s.DSN == "" {
		return Config{}, errors.New("pgxpoolx: dsn is required")
	}
	if s.MinConns < 0 || s.MaxConns < 0 {
		return Config{}, fmt.Errorf("pgxpoolx: negative pool size min=%d max=%d", s.MinConns, s.MaxConns)
	}
	if s.MaxConns > 0 && s.MinConns > s.MaxConns {
		return Config{}, fmt.Errorf("pgxpoolx: min_conns %d exceeds max_conns %d", s.MinConns, s.MaxConns)
	}
	if s.HealthCheckTimeout <= 0 {
		s.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if s.AcquireTimeout < 0 {
		s.AcquireTimeout = 0
	}

	var path []string
	for _, name := range s.SearchPath {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			path = append(path, trimmed)
		}
	}
	if len(path) == 0 {
		if schema := strings.TrimSpace(s.Schema); schema != "" && schema != defaultSchema {
			path = []string{schema, defaultSchema}
		} else {
			path = []string{defaultSchema}
		}
	}
	s.SearchPath = path

	if s.EnablePreparedStmt == nil {
		disabled := false
		s.EnablePreparedStmt = &disabled
	}
	if s.MetricsEnabled == nil {
		disabled := false
		s.MetricsEnabled = &disabled
	}
	return s, nil
}

// PreparedStatementsEnabled reports whether pgx may cache prepared
// statements. Off by default so the pool works behind PgBouncer in
// transaction mode.
func (c Config) PreparedStatementsEnabled() bool {
	return c.EnablePreparedStmt != nil && *c.EnablePreparedStmt
}

func (c Config) MetricsEnabledValue() bool {
	return c.MetricsEnabled != nil && *c.MetricsEnabled
}

// poolConfig translates a sanitized Config into the pgxpool settings the
// component opens. tracer may be nil.
func (c Config) poolConfig(tracer pgx.QueryTracer) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpoolx: parse dsn: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		pc.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = c.HealthCheckPeriod
	}

	pc.ConnConfig.Tracer = tracer
	if !c.PreparedStatementsEnabled() {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	stmt := buildSearchPathStatement(c.SearchPath)
	if stmt == "" {
		return pc, nil
	}
	existing := pc.AfterConnect
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if existing != nil {
			if err := existing(ctx, conn); err != nil {
				return err
			}
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgxpoolx: set search_path: %w", err)
		}
		return nil
	}
	return pc, nil
}

func buildSearchPathStatement(searchPath []string) string {
	parts := make([]string, 0, len(searchPath))
	for _, name := range searchPath {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			parts = append(parts, pgx.Identifier{trimmed}.Sanitize())
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "set search_path to " + strings.Join(parts, ",")
}
