// Package txmanager runs units of work inside database transactions. A call
// either joins the transaction already active on its context or owns a new
// one: it checks a connection out of the pool, begins, binds the transaction
// to the context through a txcontext.Carrier, and commits or rolls back when
// the unit of work returns. Only the owning call ends a transaction.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txcontext"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UnitOfWork receives the transaction-scoped context and the active
// connection. Repositories built on the same carrier resolve that connection
// from ctx on their own.
type UnitOfWork func(ctx context.Context, q dbconn.Querier) error

// Manager provides scoped transaction helpers for service layers.
type Manager interface {
	WithinTx(ctx context.Context, opts TxOptions, fn UnitOfWork) error
	WithinReadOnlyTx(ctx context.Context, opts TxOptions, fn UnitOfWork) error
	HasActiveTransaction(ctx context.Context) bool
	Carrier() *txcontext.Carrier
}

type managerImpl struct {
	pool    dbconn.Pool
	carrier *txcontext.Carrier
	system  string
	cfg     Config
	presets TxOptionPreset
	opts    managerOptions
	metrics *telemetry
	helper  *log.Helper
	tracer  trace.Tracer
}

// NewManager constructs a transaction manager over pool. When carrier is nil
// one is created with pool as its fallback.
func NewManager(pool dbconn.Pool, carrier *txcontext.Carrier, cfg Config, options ...Option) (Manager, error) {
	if pool == nil {
		return nil, ErrNilPool
	}

	cfg = cfg.sanitized()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("txmanager: %w", err)
	}
	if carrier == nil {
		var err error
		if carrier, err = txcontext.NewCarrier(pool); err != nil {
			return nil, err
		}
	}

	mgrOpts := defaultManagerOptions()
	for _, opt := range options {
		opt(&mgrOpts)
	}
	if mgrOpts.meter == nil {
		mgrOpts.meter = otel.GetMeterProvider().Meter(cfg.MeterName)
	}
	if mgrOpts.tracer == nil {
		mgrOpts.tracer = otel.Tracer(cfg.MeterName)
	}

	helper := log.NewHelper(mgrOpts.logger)

	metricsEnabled := *cfg.MetricsEnabled
	if mgrOpts.metricsEnabledOverride != nil {
		metricsEnabled = *mgrOpts.metricsEnabledOverride
	}

	system := dbconn.SystemOf(pool)
	if system == "" {
		system = "other_sql"
	}

	return &managerImpl{
		pool:    pool,
		carrier: carrier,
		system:  system,
		cfg:     cfg,
		presets: cfg.BuildPresets(),
		opts:    mgrOpts,
		metrics: newTelemetry(mgrOpts.meter, helper, metricsEnabled),
		helper:  helper,
		tracer:  mgrOpts.tracer,
	}, nil
}

func (m *managerImpl) Carrier() *txcontext.Carrier {
	return m.carrier
}

func (m *managerImpl) HasActiveTransaction(ctx context.Context) bool {
	return m.carrier.HasActiveTransaction(ctx)
}

func (m *managerImpl) WithinTx(ctx context.Context, override TxOptions, fn UnitOfWork) error {
	opts := mergeTxOptions(m.presets.Default, override)
	return m.exec(ctx, opts, fn, "read_write")
}

func (m *managerImpl) WithinReadOnlyTx(ctx context.Context, override TxOptions, fn UnitOfWork) error {
	opts := mergeTxOptions(m.presets.ReadOnly, override)
	opts.AccessMode = ReadOnly
	return m.exec(ctx, opts, fn, "read_only")
}

func (m *managerImpl) exec(ctx context.Context, opts TxOptions, fn UnitOfWork, method string) error {
	if fn == nil {
		return ErrNilUnitOfWork
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Propagation == PropagationRequired {
		if q, ok := m.carrier.Active(ctx); ok {
			m.metrics.recordJoined(ctx, method)
			return fn(ctx, q)
		}
	}
	return m.own(ctx, opts, fn, method)
}

// own runs fn in a transaction this call begins and ends. The connection is
// released exactly once on every return path, panics included.
func (m *managerImpl) own(ctx context.Context, opts TxOptions, fn UnitOfWork, method string) (err error) {
	ctx, cancel := applyTimeout(ctx, opts.Timeout)
	defer cancel()

	spanName := opts.TraceName
	if spanName == "" {
		spanName = "db.tx." + method
	}
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	level := opts.Isolation.OrDefault()
	isolation := level.Label()
	span.SetAttributes(
		attribute.String("db.system", m.system),
		attribute.String("db.tx.isolation", isolation),
		attribute.String("db.tx.method", method),
		attribute.String("db.tx.propagation", opts.Propagation.String()),
	)

	start := m.opts.clock()
	m.metrics.recordStart(ctx, method, isolation)

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("txmanager: acquire connection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire")
		m.helper.Errorf("txmanager: acquire failed method=%s isolation=%s err=%v", method, isolation, err)
		m.metrics.recordEnd(ctx, method, isolation, false, err, m.elapsedSince(start))
		return err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, dbconn.TxOptions{Isolation: level, AccessMode: opts.AccessMode})
	if err != nil {
		err = fmt.Errorf("txmanager: begin: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin")
		m.helper.Errorf("txmanager: begin failed method=%s isolation=%s err=%v", method, isolation, err)
		m.metrics.recordEnd(ctx, method, isolation, false, err, m.elapsedSince(start))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			m.rollback(ctx, tx, method, isolation)
			panicErr := fmt.Errorf("txmanager: panic recovered: %v", r)
			span.RecordError(panicErr)
			span.SetStatus(codes.Error, "panic")
			m.helper.Errorf("txmanager: panic method=%s isolation=%s err=%v", method, isolation, panicErr)
			m.metrics.recordEnd(ctx, method, isolation, false, panicErr, m.elapsedSince(start))
			panic(r)
		}
	}()

	err = m.carrier.RunInContext(ctx, tx, func(txCtx context.Context) error {
		return fn(txCtx, tx)
	})
	if err != nil {
		m.rollback(ctx, tx, method, isolation)
		retryable, sqlState := classifyError(err)
		if sqlState != "" {
			span.SetAttributes(attribute.String("db.sql_state", sqlState))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec")
		m.helper.Warnf("txmanager: fn error method=%s isolation=%s retryable=%t err=%v", method, isolation, retryable, err)
		m.metrics.recordEnd(ctx, method, isolation, retryable, err, m.elapsedSince(start))
		return err
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		m.rollback(ctx, tx, method, isolation)
		retryable, sqlState := classifyError(commitErr)
		if retryable {
			commitErr = wrapRetryable(commitErr)
		}
		if sqlState != "" {
			span.SetAttributes(attribute.String("db.sql_state", sqlState))
		}
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit")
		err = fmt.Errorf("txmanager: commit: %w", commitErr)
		m.helper.Errorf("txmanager: commit failed method=%s isolation=%s retryable=%t err=%v", method, isolation, retryable, err)
		m.metrics.recordEnd(ctx, method, isolation, retryable, err, m.elapsedSince(start))
		return err
	}

	m.metrics.recordEnd(ctx, method, isolation, false, nil, m.elapsedSince(start))
	span.SetStatus(codes.Ok, "committed")
	return nil
}

// rollback never reports to the caller: whatever triggered it is the error
// the caller sees.
func (m *managerImpl) rollback(ctx context.Context, tx dbconn.Tx, method, isolation string) {
	rbCtx := context.WithoutCancel(ctx)
	if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, dbconn.ErrTxDone) {
		m.helper.Warnf("txmanager: rollback failed method=%s isolation=%s err=%v", method, isolation, rbErr)
		m.metrics.recordRollbackFailure(rbCtx, method, isolation)
	}
}

// Execute runs fn through m.WithinTx and hands back its typed result. On
// failure the zero value is returned with the error.
func Execute[T any](ctx context.Context, m Manager, opts TxOptions, fn func(ctx context.Context, q dbconn.Querier) (T, error)) (T, error) {
	var result T
	if fn == nil {
		return result, ErrNilUnitOfWork
	}
	err := m.WithinTx(ctx, opts, func(ctx context.Context, q dbconn.Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func applyTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= timeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *managerImpl) elapsedSince(start time.Time) time.Duration {
	now := m.opts.clock()
	return now.Sub(start)
}
