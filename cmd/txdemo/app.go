package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/internal/demo"
	"github.com/bionicotaku/lingo-txscope/observability"
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/bionicotaku/lingo-txscope/pgxpoolx"
	"github.com/bionicotaku/lingo-txscope/sqldb"
	"github.com/bionicotaku/lingo-txscope/transactional"
	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

// providePool opens the connection pool of the configured backend.
func providePool(ctx context.Context, cfg *Config, logger log.Logger) (dbconn.Pool, func(), error) {
	switch cfg.Backend {
	case backendPostgres:
		comp, cleanup, err := pgxpoolx.ProvideComponent(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		return pgxpoolx.ProvideDBPool(comp), cleanup, nil
	case backendSQLite, backendMySQL:
		comp, cleanup, err := sqldb.ProvideComponent(ctx, cfg.SQL, logger)
		if err != nil {
			return nil, nil, err
		}
		return sqldb.ProvideDBPool(comp), cleanup, nil
	default:
		return memdb.New(cfg.Memdb), func() {}, nil
	}
}

// providePublisher delivers relayed outbox events to the log.
func providePublisher(logger log.Logger) outbox.Publisher {
	return outbox.LogPublisher(logger)
}

// demoApp holds the wired graph. Constructing it registers the service with
// the interceptor; the kratos lifecycle bootstraps it.
type demoApp struct {
	pool        dbconn.Pool
	repo        *demo.UserRepository
	events      *outbox.Repository
	relay       *outbox.Task
	svc         *demo.UserService
	interceptor *transactional.Interceptor
	telemetry   *observability.Component
}

func newDemoApp(
	pool dbconn.Pool,
	repo *demo.UserRepository,
	events *outbox.Repository,
	relay *outbox.Task,
	svc *demo.UserService,
	interceptor *transactional.Interceptor,
	telemetry *observability.Component,
) (*demoApp, error) {
	if err := interceptor.Register(svc); err != nil {
		return nil, err
	}
	return &demoApp{
		pool:        pool,
		repo:        repo,
		events:      events,
		relay:       relay,
		svc:         svc,
		interceptor: interceptor,
		telemetry:   telemetry,
	}, nil
}

// run starts the kratos application and reports whether every scenario held.
func (a *demoApp) run(ctx context.Context, cfg *Config, logger log.Logger, out io.Writer) (bool, error) {
	helper := log.NewHelper(logger)
	suffix := cfg.Run.Suffix
	if suffix == "" {
		suffix = "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	var (
		app    *kratos.App
		passed bool
	)
	opts := []kratos.Option{
		kratos.Context(ctx),
		kratos.Name(cfg.Service.Name),
		kratos.Version(cfg.Service.Version),
		kratos.Logger(logger),
		kratos.BeforeStart(func(ctx context.Context) error {
			return demo.EnsureSchema(ctx, a.pool)
		}),
		kratos.BeforeStart(a.interceptor.Bootstrap),
		kratos.AfterStart(func(ctx context.Context) error {
			runner := demo.NewRunner(a.svc, a.repo, a.events, dbconn.SystemOf(a.pool), suffix, logger)
			passed = report(out, runner.Run(ctx))
			drained, err := a.relay.Drain(ctx)
			if err != nil {
				return fmt.Errorf("txdemo: drain outbox: %w", err)
			}
			fmt.Fprintf(out, "outbox claimed=%d published=%d failed=%d abandoned=%d\n",
				drained.Claimed, drained.Published, drained.Failed, drained.Abandoned)
			if cfg.Run.Exit {
				return app.Stop()
			}
			return nil
		}),
	}
	if srv := a.metricsServer(cfg.Metrics.Addr); srv != nil {
		helper.Infof("txdemo: serving metrics addr=%s path=/metrics", cfg.Metrics.Addr)
		opts = append(opts, kratos.Server(srv))
	}

	app = kratos.New(opts...)
	if err := app.Run(); err != nil {
		return false, err
	}
	return passed, nil
}

func (a *demoApp) metricsServer(addr string) *http.Server {
	handler := a.telemetry.MetricsHandler()
	if addr == "" || handler == nil {
		return nil
	}
	srv := http.NewServer(http.Address(addr))
	srv.Handle("/metrics", handler)
	return srv
}

func report(out io.Writer, results []demo.Result) bool {
	ok := true
	for _, r := range results {
		switch {
		case r.Skipped != "":
			fmt.Fprintf(out, "SKIP %-45s %s\n", r.Name, r.Skipped)
		case r.Err != nil:
			ok = false
			fmt.Fprintf(out, "FAIL %-45s %v\n", r.Name, r.Err)
		default:
			fmt.Fprintf(out, "PASS %s\n", r.Name)
		}
	}
	return ok
}
