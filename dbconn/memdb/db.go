// Package memdb is an in-memory transactional backend implementing the
// dbconn contracts. It keeps committed state as copy-on-write snapshots and
// honours the four isolation levels:
//
//   - READ UNCOMMITTED reads see other open transactions' pending writes.
//   - READ COMMITTED reads see the latest committed snapshot.
//   - REPEATABLE READ and SERIALIZABLE read the snapshot taken at begin and
//     fail at commit when a written row was committed by someone else since
//     (first committer wins).
//
// memdb does not interpret SQL: Exec/Query/QueryRow report ErrSQLUnsupported
// and data is accessed through Table.
package memdb

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

// System is the name memdb reports through dbconn.SystemOf.
const System = "memdb"

var (
	ErrSQLUnsupported = errors.New("memdb: SQL statements are not supported, use memdb.Table")
	ErrConnReleased   = errors.New("memdb: connection already released")
	ErrTxInProgress   = errors.New("memdb: connection already has an open transaction")
	ErrReadOnly       = errors.New("memdb: cannot write in a read-only transaction")
	ErrDuplicateKey   = errors.New("memdb: duplicate key")
	ErrForeignQuerier = errors.New("memdb: querier does not belong to memdb")

	// ErrSerialization is returned by Commit when a concurrent transaction
	// committed a row this transaction also wrote.
	ErrSerialization error = &conflictError{}
)

type conflictError struct{}

func (*conflictError) Error() string {
	return "memdb: could not serialize access due to concurrent update"
}

// Retryable marks serialization conflicts as safe to retry.
func (*conflictError) Retryable() bool { return true }

// Config controls the size of the connection pool.
type Config struct {
	MaxConns int `json:"maxConns" yaml:"maxConns"`
}

func (c Config) sanitized() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	return c
}

// Stats counts connection and transaction lifecycle events.
type Stats struct {
	Acquired       int64
	Released       int64
	DoubleReleases int64
	Begun          int64
	Committed      int64
	RolledBack     int64
	Conflicts      int64
}

// DB is the pool. Used directly as a Querier it runs in autocommit mode.
type DB struct {
	mu        sync.Mutex
	committed *snapshot
	active    map[*Tx]struct{}
	slots     chan struct{}
	stats     Stats
}

var (
	_ dbconn.Pool     = (*DB)(nil)
	_ dbconn.Systemer = (*DB)(nil)
)

// New creates an empty database.
func New(cfg Config) *DB {
	cfg = cfg.sanitized()
	return &DB{
		committed: newSnapshot(),
		active:    make(map[*Tx]struct{}),
		slots:     make(chan struct{}, cfg.MaxConns),
	}
}

func (db *DB) System() string { return System }

// Stats returns a copy of the lifecycle counters.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stats
}

// InUse reports how many connections are checked out.
func (db *DB) InUse() int {
	return len(db.slots)
}

// Acquire checks out a connection, blocking while the pool is exhausted.
func (db *DB) Acquire(ctx context.Context) (dbconn.Conn, error) {
	select {
	case db.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	db.mu.Lock()
	db.stats.Acquired++
	db.mu.Unlock()
	return &conn{db: db}, nil
}

func (db *DB) Exec(context.Context, string, ...any) (int64, error) {
	return 0, ErrSQLUnsupported
}

func (db *DB) Query(context.Context, string, ...any) (dbconn.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (db *DB) QueryRow(context.Context, string, ...any) dbconn.Row {
	return errRow{err: ErrSQLUnsupported}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// autocommit view over the pool.

func (db *DB) get(table, id string) ([]any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.committed.lookup(table, id)
	return copyValues(rec.values), ok
}

// insertIfAbsent checks and publishes under one lock so concurrent inserts
// of the same id cannot both succeed.
func (db *DB) insertIfAbsent(table, id string, values []any) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.committed.lookup(table, id); ok {
		return duplicateKey(table, id)
	}
	db.apply(map[string]map[string]pending{table: {id: {values: copyValues(values)}}})
	return nil
}

func (db *DB) replace(table, id string, values []any) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.committed.lookup(table, id); !ok {
		return dbconn.ErrNoRows
	}
	db.apply(map[string]map[string]pending{table: {id: {values: copyValues(values)}}})
	return nil
}

func (db *DB) remove(table, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.committed.lookup(table, id); !ok {
		return false, nil
	}
	db.apply(map[string]map[string]pending{table: {id: {deleted: true}}})
	return true, nil
}

func (db *DB) scan(table string) [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	return collect(db.committed.tables[table], nil)
}

// apply publishes writes as a new committed snapshot. Callers hold db.mu.
func (db *DB) apply(writes map[string]map[string]pending) {
	if len(writes) == 0 {
		return
	}
	next := db.committed.cloneTables(writes)
	next.version = db.committed.version + 1
	for table, rows := range writes {
		for id, p := range rows {
			if p.deleted {
				delete(next.tables[table], id)
				continue
			}
			next.tables[table][id] = record{values: p.values, version: next.version}
		}
	}
	db.committed = next
}

type snapshot struct {
	version uint64
	tables  map[string]map[string]record
}

type record struct {
	values  []any
	version uint64
}

type pending struct {
	values  []any
	deleted bool
}

func newSnapshot() *snapshot {
	return &snapshot{tables: make(map[string]map[string]record)}
}

func (s *snapshot) lookup(table, id string) (record, bool) {
	rec, ok := s.tables[table][id]
	return rec, ok
}

// cloneTables copies the table map and every table touched by writes.
func (s *snapshot) cloneTables(writes map[string]map[string]pending) *snapshot {
	next := &snapshot{tables: make(map[string]map[string]record, len(s.tables)+len(writes))}
	for name, rows := range s.tables {
		next.tables[name] = rows
	}
	for name := range writes {
		rows := make(map[string]record, len(s.tables[name])+len(writes[name]))
		for id, rec := range s.tables[name] {
			rows[id] = rec
		}
		next.tables[name] = rows
	}
	return next
}

// collect merges committed rows with overlays (applied in order) and returns
// the surviving rows sorted by id.
func collect(base map[string]record, overlays []map[string]pending) [][]any {
	merged := make(map[string][]any, len(base))
	for id, rec := range base {
		merged[id] = rec.values
	}
	for _, overlay := range overlays {
		for id, p := range overlay {
			if p.deleted {
				delete(merged, id)
				continue
			}
			merged[id] = p.values
		}
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyValues(merged[id]))
	}
	return out
}

func copyValues(values []any) []any {
	if values == nil {
		return nil
	}
	out := make([]any, len(values))
	copy(out, values)
	return out
}
