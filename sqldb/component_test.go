package sqldb_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/sqldb"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sqldb.Component {
	t.Helper()
	ctx := context.Background()
	cfg := sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "test.db")}
	component, cleanup, err := sqldb.NewComponent(ctx, cfg, sqldb.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(cleanup)

	_, err = component.DB.Exec(ctx, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT NOT NULL)`)
	require.NoError(t, err)
	return component
}

func countNotes(t *testing.T, q dbconn.Querier) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRow(context.Background(), `SELECT COUNT(*) FROM notes`).Scan(&n))
	return n
}

func TestComponent_OpensSQLite(t *testing.T) {
	component := openSQLite(t)
	assert.NotEmpty(t, component.Version)
	assert.Equal(t, "sqlite", dbconn.SystemOf(component.DB))
	assert.Same(t, component.SQL, component.DB.Raw())
	assert.Same(t, component.SQL, sqldb.ProvideSQL(component))
	assert.NotNil(t, sqldb.ProvideDBPool(component))
}

func TestComponent_InvalidConfig(t *testing.T) {
	_, _, err := sqldb.NewComponent(context.Background(), sqldb.Config{Driver: "sqlite"}, sqldb.Dependencies{})
	require.Error(t, err)
}

func TestDB_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t).DB

	n, err := db.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?), (?, ?)`, "a", "first", "b", "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := db.Query(ctx, `SELECT id FROM notes ORDER BY id`)
	require.NoError(t, err)
	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	rows.Close()
	assert.Equal(t, []string{"a", "b"}, ids)

	var body string
	err = db.QueryRow(ctx, `SELECT body FROM notes WHERE id = ?`, "missing").Scan(&body)
	assert.ErrorIs(t, err, dbconn.ErrNoRows)
}

func TestConn_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t).DB

	conn, err := db.Acquire(ctx)
	require.NoError(t, err)
	tx, err := conn.BeginTx(ctx, dbconn.TxOptions{})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "kept", "x")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), dbconn.ErrTxDone)
	conn.Release()
	conn.Release()

	conn, err = db.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	tx, err = conn.BeginTx(ctx, dbconn.TxOptions{Isolation: dbconn.Serializable})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "dropped", "y")
	require.NoError(t, err)
	assert.Equal(t, 2, countNotes(t, tx), "事务内应看到自己的写入")
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), dbconn.ErrTxDone)

	assert.Equal(t, 1, countNotes(t, db))
}

func TestConn_ReleaseWithoutCommitDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t).DB

	conn, err := db.Acquire(ctx)
	require.NoError(t, err)
	tx, err := conn.BeginTx(ctx, dbconn.TxOptions{})
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "orphan", "z")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	conn.Release()

	assert.Equal(t, 0, countNotes(t, db))
}

func TestConn_BeginRejectsUnknownIsolation(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t).DB
	conn, err := db.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.BeginTx(ctx, dbconn.TxOptions{Isolation: "SNAPSHOT"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, dbconn.ErrTxDone))
}

// TestManager_SQLiteReadOnlyRejectsWrites 验证只读事务在 SQLite 上拒绝写入，且连接归还后恢复可写。
func TestManager_SQLiteReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	cfg := sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "ro.db"), MaxOpenConns: 1}
	component, cleanup, err := sqldb.NewComponent(ctx, cfg, sqldb.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(cleanup)
	db := component.DB
	_, err = db.Exec(ctx, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT NOT NULL)`)
	require.NoError(t, err)

	mgr, err := txmanager.NewManager(db, nil, txmanager.Config{})
	require.NoError(t, err)

	err = mgr.WithinReadOnlyTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, q dbconn.Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "ro", "x")
		return err
	})
	require.Error(t, err, "只读事务内的写入应失败")
	assert.Equal(t, 0, countNotes(t, db))

	err = mgr.WithinReadOnlyTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, q dbconn.Querier) error {
		assert.Equal(t, 0, countNotes(t, q), "只读事务仍可读取")
		return nil
	})
	require.NoError(t, err)

	// 单连接池：同一连接必须已恢复可写
	err = mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, q dbconn.Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "rw", "y")
		return err
	})
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO notes (id, body) VALUES (?, ?)`, "auto", "z")
	require.NoError(t, err)
	assert.Equal(t, 2, countNotes(t, db))
}

// TestConn_SQLiteBusyIsRetryable 验证写锁冲突（SQLITE_BUSY）被标记为可重试。
func TestConn_SQLiteBusyIsRetryable(t *testing.T) {
	ctx := context.Background()
	cfg := sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "busy.db"), BusyTimeout: 20 * time.Millisecond}
	component, cleanup, err := sqldb.NewComponent(ctx, cfg, sqldb.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(cleanup)
	db := component.DB

	holder, err := db.Acquire(ctx)
	require.NoError(t, err)
	defer holder.Release()
	held, err := holder.BeginTx(ctx, dbconn.TxOptions{})
	require.NoError(t, err)
	defer func() { _ = held.Rollback(ctx) }()

	waiter, err := db.Acquire(ctx)
	require.NoError(t, err)
	defer waiter.Release()
	_, err = waiter.BeginTx(ctx, dbconn.TxOptions{})
	require.Error(t, err, "第二个写事务应拿不到写锁")
	assert.True(t, txmanager.IsRetryable(err))
}
