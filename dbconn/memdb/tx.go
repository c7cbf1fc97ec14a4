package memdb

import (
	"context"
	"fmt"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

type conn struct {
	db       *DB
	released bool
	tx       *Tx
}

func (c *conn) BeginTx(ctx context.Context, opts dbconn.TxOptions) (dbconn.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	isolation := opts.Isolation.OrDefault()
	if !isolation.Valid() {
		return nil, fmt.Errorf("memdb: unsupported isolation level %q", opts.Isolation)
	}

	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.released {
		return nil, ErrConnReleased
	}
	if c.tx != nil && !c.tx.done {
		return nil, ErrTxInProgress
	}

	tx := &Tx{
		db:        db,
		isolation: isolation,
		readOnly:  opts.AccessMode == dbconn.ReadOnly,
		snap:      db.committed,
		writes:    make(map[string]map[string]pending),
	}
	db.active[tx] = struct{}{}
	db.stats.Begun++
	c.tx = tx
	return tx, nil
}

// Release returns the connection to the pool. An open transaction on it is
// rolled back. Releasing twice is counted and otherwise ignored.
func (c *conn) Release() {
	db := c.db
	db.mu.Lock()
	if c.released {
		db.stats.DoubleReleases++
		db.mu.Unlock()
		return
	}
	c.released = true
	if c.tx != nil && !c.tx.done {
		c.tx.finishLocked()
		db.stats.RolledBack++
	}
	db.stats.Released++
	db.mu.Unlock()
	<-db.slots
}

// Tx is an open memdb transaction.
type Tx struct {
	db        *DB
	isolation dbconn.IsolationLevel
	readOnly  bool
	snap      *snapshot
	writes    map[string]map[string]pending
	done      bool
}

var _ dbconn.Tx = (*Tx)(nil)

// Isolation returns the level the transaction was started with.
func (tx *Tx) Isolation() dbconn.IsolationLevel { return tx.isolation }

func (tx *Tx) Exec(context.Context, string, ...any) (int64, error) {
	return 0, ErrSQLUnsupported
}

func (tx *Tx) Query(context.Context, string, ...any) (dbconn.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (tx *Tx) QueryRow(context.Context, string, ...any) dbconn.Row {
	return errRow{err: ErrSQLUnsupported}
}

func (tx *Tx) Commit(ctx context.Context) error {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.done {
		return dbconn.ErrTxDone
	}
	tx.finishLocked()

	if tx.snapshotReads() && tx.conflictsLocked() {
		db.stats.Conflicts++
		db.stats.RolledBack++
		return ErrSerialization
	}
	db.apply(tx.writes)
	db.stats.Committed++
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.done {
		return dbconn.ErrTxDone
	}
	tx.finishLocked()
	db.stats.RolledBack++
	return nil
}

func (tx *Tx) finishLocked() {
	tx.done = true
	delete(tx.db.active, tx)
}

func (tx *Tx) snapshotReads() bool {
	return tx.isolation == dbconn.RepeatableRead || tx.isolation == dbconn.Serializable
}

// conflictsLocked reports whether any row written by tx changed in the
// committed state after tx took its snapshot.
func (tx *Tx) conflictsLocked() bool {
	current := tx.db.committed
	for table, rows := range tx.writes {
		for id := range rows {
			before, existed := tx.snap.lookup(table, id)
			now, exists := current.lookup(table, id)
			if existed != exists {
				return true
			}
			if exists && now.version != before.version {
				return true
			}
		}
	}
	return false
}

// base is the committed state this transaction reads from.
func (tx *Tx) baseLocked() *snapshot {
	if tx.snapshotReads() {
		return tx.snap
	}
	return tx.db.committed
}

// overlaysLocked lists pending writes visible to tx, its own last.
func (tx *Tx) overlaysLocked(table string) []map[string]pending {
	var overlays []map[string]pending
	if tx.isolation == dbconn.ReadUncommitted {
		for other := range tx.db.active {
			if other != tx && len(other.writes[table]) > 0 {
				overlays = append(overlays, other.writes[table])
			}
		}
	}
	if own := tx.writes[table]; len(own) > 0 {
		overlays = append(overlays, own)
	}
	return overlays
}

func (tx *Tx) get(table, id string) ([]any, bool) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	values, ok := tx.getLocked(table, id)
	return copyValues(values), ok
}

func (tx *Tx) getLocked(table, id string) ([]any, bool) {
	values, ok := []any(nil), false
	if rec, found := tx.baseLocked().lookup(table, id); found {
		values, ok = rec.values, true
	}
	for _, overlay := range tx.overlaysLocked(table) {
		if p, found := overlay[id]; found {
			values, ok = p.values, !p.deleted
		}
	}
	return values, ok
}

func (tx *Tx) insertIfAbsent(table, id string, values []any) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if err := tx.writableLocked(); err != nil {
		return err
	}
	if _, ok := tx.getLocked(table, id); ok {
		return duplicateKey(table, id)
	}
	tx.writeLocked(table, id, pending{values: copyValues(values)})
	return nil
}

func (tx *Tx) replace(table, id string, values []any) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if err := tx.writableLocked(); err != nil {
		return err
	}
	if _, ok := tx.getLocked(table, id); !ok {
		return dbconn.ErrNoRows
	}
	tx.writeLocked(table, id, pending{values: copyValues(values)})
	return nil
}

func (tx *Tx) remove(table, id string) (bool, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if err := tx.writableLocked(); err != nil {
		return false, err
	}
	if _, ok := tx.getLocked(table, id); !ok {
		return false, nil
	}
	tx.writeLocked(table, id, pending{deleted: true})
	return true, nil
}

func (tx *Tx) writableLocked() error {
	if tx.done {
		return dbconn.ErrTxDone
	}
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) writeLocked(table, id string, p pending) {
	rows := tx.writes[table]
	if rows == nil {
		rows = make(map[string]pending)
		tx.writes[table] = rows
	}
	rows[id] = p
}

func (tx *Tx) scan(table string) [][]any {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return collect(tx.baseLocked().tables[table], tx.overlaysLocked(table))
}
