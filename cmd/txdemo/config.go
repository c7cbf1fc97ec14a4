package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/observability"
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/bionicotaku/lingo-txscope/pgxpoolx"
	"github.com/bionicotaku/lingo-txscope/sqldb"
	"github.com/bionicotaku/lingo-txscope/txlog"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/spf13/viper"
)

const (
	backendMemdb    = "memdb"
	backendPostgres = "postgres"
	backendSQLite   = sqldb.DriverSQLite
	backendMySQL    = sqldb.DriverMySQL

	envPrefix = "TXDEMO"
)

// Config is the txdemo configuration file. Every key can be overridden by a
// TXDEMO_ environment variable, with dots replaced by underscores
// (TXDEMO_POSTGRES_DSN for postgres.dsn).
type Config struct {
	Backend       string
	Service       observability.ServiceInfo
	Log           txlog.Config
	Metrics       MetricsServerConfig
	Run           RunConfig
	Tx            txmanager.Config
	Memdb         memdb.Config
	Postgres      pgxpoolx.Config
	SQL           sqldb.Config
	Outbox        outbox.Config
	Observability observability.Config
}

// MetricsServerConfig exposes the prometheus registry over HTTP. An empty
// address disables the server.
type MetricsServerConfig struct {
	Addr string
}

// RunConfig controls the scenario run. Suffix is appended to every entity
// name; when empty a random one is generated so repeated runs against a
// persistent database stay independent. With Exit the process stops after
// the run instead of serving metrics until signalled.
type RunConfig struct {
	Suffix string
	Exit   bool
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("backend", backendMemdb)
	v.SetDefault("service.name", "txdemo")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", txlog.FormatJSON)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("run.suffix", "")
	v.SetDefault("run.exit", true)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("sql.dsn", "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("txdemo: read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("txdemo: decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case backendMemdb:
	case backendPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			return errors.New("txdemo: postgres.dsn is required for the postgres backend")
		}
	case backendSQLite, backendMySQL:
		c.SQL.Driver = c.Backend
		if strings.TrimSpace(c.SQL.DSN) == "" {
			return fmt.Errorf("txdemo: sql.dsn is required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("txdemo: unsupported backend %q", c.Backend)
	}
	return nil
}
