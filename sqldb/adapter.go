package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

// DB adapts *sql.DB to dbconn.Pool.
type DB struct {
	db     *sql.DB
	system string
}

var (
	_ dbconn.Pool     = (*DB)(nil)
	_ dbconn.Systemer = (*DB)(nil)
)

// Wrap adapts an open *sql.DB. driver selects the isolation mapping and the
// reported system name.
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{db: db, system: driver}
}

// Raw exposes the underlying *sql.DB.
func (d *DB) Raw() *sql.DB { return d.db }

func (d *DB) System() string { return d.system }

func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return affected(d.db.ExecContext(ctx, query, args...))
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (dbconn.Rows, error) {
	return wrapRows(d.db.QueryContext(ctx, query, args...))
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) dbconn.Row {
	return row{d.db.QueryRowContext(ctx, query, args...)}
}

func (d *DB) Acquire(ctx context.Context) (dbconn.Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqldb: acquire: %w", err)
	}
	return &conn{conn: c, system: d.system}, nil
}

type conn struct {
	conn      *sql.Conn
	system    string
	queryOnly bool
	once      sync.Once
}

// BeginTx starts a transaction. SQLite has no read-only transaction option,
// so a read-only request switches the connection to query_only once the
// transaction has begun, and Release switches it back.
func (c *conn) BeginTx(ctx context.Context, opts dbconn.TxOptions) (dbconn.Tx, error) {
	sqlOpts, err := txOptions(c.system, opts)
	if err != nil {
		return nil, err
	}
	t, err := c.conn.BeginTx(ctx, sqlOpts)
	if err != nil {
		return nil, classify(err)
	}
	if c.system == DriverSQLite && opts.AccessMode == dbconn.ReadOnly {
		c.queryOnly = true
		if _, err := t.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			_ = t.Rollback()
			return nil, fmt.Errorf("sqldb: enable query_only: %w", err)
		}
	}
	return &tx{tx: t}, nil
}

// Release returns the connection to the pool; further calls are ignored.
// A connection left in query_only mode is reset first, or discarded when
// the reset fails.
func (c *conn) Release() {
	c.once.Do(func() {
		if c.queryOnly {
			_, err := c.conn.ExecContext(context.Background(), "PRAGMA query_only = OFF")
			if err != nil {
				_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
			}
		}
		_ = c.conn.Close()
	})
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return affected(t.tx.ExecContext(ctx, query, args...))
}

func (t *tx) Query(ctx context.Context, query string, args ...any) (dbconn.Rows, error) {
	return wrapRows(t.tx.QueryContext(ctx, query, args...))
}

func (t *tx) QueryRow(ctx context.Context, query string, args ...any) dbconn.Row {
	return row{t.tx.QueryRowContext(ctx, query, args...)}
}

func (t *tx) Commit(context.Context) error {
	return mapTxErr(t.tx.Commit())
}

func (t *tx) Rollback(context.Context) error {
	return mapTxErr(t.tx.Rollback())
}

type row struct {
	row *sql.Row
}

func (r row) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dbconn.ErrNoRows
		}
		return classify(err)
	}
	return nil
}

type rows struct {
	*sql.Rows
}

func (r rows) Close() { _ = r.Rows.Close() }

func wrapRows(r *sql.Rows, err error) (dbconn.Rows, error) {
	if err != nil {
		return nil, classify(err)
	}
	return rows{r}, nil
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func mapTxErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", dbconn.ErrTxDone, err)
	}
	return classify(err)
}

// txOptions maps the requested level. SQLite transactions are always
// serializable and the driver accepts only the default level, so the
// request is passed as default there; a read-only request makes the driver
// issue a deferred BEGIN.
func txOptions(system string, opts dbconn.TxOptions) (*sql.TxOptions, error) {
	level := opts.Isolation.OrDefault()
	if !level.Valid() {
		return nil, fmt.Errorf("sqldb: unsupported isolation level %q", opts.Isolation)
	}
	readOnly := opts.AccessMode == dbconn.ReadOnly
	if system == DriverSQLite {
		return &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: readOnly}, nil
	}
	var iso sql.IsolationLevel
	switch level {
	case dbconn.ReadUncommitted:
		iso = sql.LevelReadUncommitted
	case dbconn.ReadCommitted:
		iso = sql.LevelReadCommitted
	case dbconn.RepeatableRead:
		iso = sql.LevelRepeatableRead
	case dbconn.Serializable:
		iso = sql.LevelSerializable
	}
	return &sql.TxOptions{Isolation: iso, ReadOnly: readOnly}, nil
}
