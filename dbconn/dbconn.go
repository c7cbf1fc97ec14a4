// Package dbconn defines the persistence collaborator consumed by the
// transaction machinery: a pool of connections, transactions opened on a
// checked-out connection, and a minimal query surface shared by both.
package dbconn

//go:generate mockgen -source=dbconn.go -destination=mocks/dbconn_mock.go -package=mocks

import (
	"context"
	"errors"
)

var (
	// ErrNoRows is returned by Row.Scan and repository lookups when nothing matched.
	ErrNoRows = errors.New("dbconn: no rows in result set")
	// ErrTxDone is returned when committing or rolling back a finished transaction.
	ErrTxDone = errors.New("dbconn: transaction already committed or rolled back")
)

// Querier executes statements against either a pooled (autocommit) connection
// or an open transaction.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a forward-only cursor. Close must be called once the caller is done.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Pool hands out connections. Used as a Querier it runs statements outside
// any transaction.
type Pool interface {
	Querier
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a connection checked out of a Pool. Release returns it to the pool
// and must be called exactly once.
type Conn interface {
	BeginTx(ctx context.Context, opts TxOptions) (Tx, error)
	Release()
}

// Tx is an open transaction bound to a single Conn.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions is what the backend needs to begin a transaction.
type TxOptions struct {
	Isolation  IsolationLevel
	AccessMode AccessMode
}

// Systemer is implemented by pools that can name their database system
// (e.g. "postgresql"), used for telemetry attributes.
type Systemer interface {
	System() string
}

// SystemOf reports the database system name of p, or "" when unknown.
func SystemOf(p any) string {
	if s, ok := p.(Systemer); ok {
		return s.System()
	}
	return ""
}
