package pgxpoolx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const system = "postgresql"

// Pool adapts *pgxpool.Pool to dbconn.Pool.
type Pool struct {
	pool           *pgxpool.Pool
	metrics        *poolTelemetry
	clock          func() time.Time
	acquireTimeout time.Duration
}

var (
	_ dbconn.Pool     = (*Pool)(nil)
	_ dbconn.Systemer = (*Pool)(nil)
)

// Wrap adapts an existing pgx pool without pool telemetry or acquire
// timeout.
func Wrap(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool, clock: time.Now}
}

// Raw exposes the underlying pgx pool.
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

func (p *Pool) System() string { return system }

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execTag(p.pool.Exec(ctx, query, args...))
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (dbconn.Rows, error) {
	return p.pool.Query(ctx, query, args...)
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) dbconn.Row {
	return row{p.pool.QueryRow(ctx, query, args...)}
}

// Acquire checks a connection out of the pgx pool, waiting at most the
// configured acquire timeout, and records the wait and any failure.
func (p *Pool) Acquire(ctx context.Context) (dbconn.Conn, error) {
	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	start := p.clock()
	c, err := p.pool.Acquire(waitCtx)
	acquiredAt := p.clock()
	p.metrics.recordAcquire(ctx, acquiredAt.Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("pgxpoolx: acquire: %w", err)
	}
	return &conn{
		conn:       c,
		release:    c.Release,
		metrics:    p.metrics,
		clock:      p.clock,
		acquiredAt: acquiredAt,
	}, nil
}

type conn struct {
	conn       *pgxpool.Conn
	release    func()
	metrics    *poolTelemetry
	clock      func() time.Time
	acquiredAt time.Time
	once       sync.Once
}

func (c *conn) BeginTx(ctx context.Context, opts dbconn.TxOptions) (dbconn.Tx, error) {
	pgOpts, err := txOptions(opts)
	if err != nil {
		return nil, err
	}
	t, err := c.conn.BeginTx(ctx, pgOpts)
	if err != nil {
		return nil, err
	}
	return &tx{tx: t}, nil
}

// Release hands the connection back to the pool and records how long it was
// held; further calls are ignored.
func (c *conn) Release() {
	c.once.Do(func() {
		c.release()
		c.metrics.recordRelease(c.clock().Sub(c.acquiredAt))
	})
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execTag(t.tx.Exec(ctx, query, args...))
}

func (t *tx) Query(ctx context.Context, query string, args ...any) (dbconn.Rows, error) {
	return t.tx.Query(ctx, query, args...)
}

func (t *tx) QueryRow(ctx context.Context, query string, args ...any) dbconn.Row {
	return row{t.tx.QueryRow(ctx, query, args...)}
}

func (t *tx) Commit(ctx context.Context) error {
	return mapTxErr(t.tx.Commit(ctx))
}

func (t *tx) Rollback(ctx context.Context) error {
	return mapTxErr(t.tx.Rollback(ctx))
}

type row struct {
	row pgx.Row
}

func (r row) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dbconn.ErrNoRows
		}
		return err
	}
	return nil
}

func execTag(tag interface{ RowsAffected() int64 }, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func mapTxErr(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %w", dbconn.ErrTxDone, err)
	}
	return err
}

func txOptions(opts dbconn.TxOptions) (pgx.TxOptions, error) {
	var out pgx.TxOptions
	switch opts.Isolation.OrDefault() {
	case dbconn.ReadUncommitted:
		out.IsoLevel = pgx.ReadUncommitted
	case dbconn.ReadCommitted:
		out.IsoLevel = pgx.ReadCommitted
	case dbconn.RepeatableRead:
		out.IsoLevel = pgx.RepeatableRead
	case dbconn.Serializable:
		out.IsoLevel = pgx.Serializable
	default:
		return out, fmt.Errorf("pgxpoolx: unsupported isolation level %q", opts.Isolation)
	}
	switch opts.AccessMode {
	case "", dbconn.ReadWrite:
		out.AccessMode = pgx.ReadWrite
	case dbconn.ReadOnly:
		out.AccessMode = pgx.ReadOnly
	default:
		return out, fmt.Errorf("pgxpoolx: unsupported access mode %q", opts.AccessMode)
	}
	return out, nil
}
