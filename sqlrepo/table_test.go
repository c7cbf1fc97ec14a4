package sqlrepo_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/sqldb"
	"github.com/bionicotaku/lingo-txscope/sqlrepo"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	ID       string
	Title    string
	Priority int64
}

type taskMapper struct{}

func (taskMapper) Table() string { return "tasks" }
func (taskMapper) Columns() []string { return []string{"id", "title", "priority"} }
func (taskMapper) Values(e *task) []any { return []any{e.ID, e.Title, e.Priority} }
func (taskMapper) Targets(e *task) []any { return []any{&e.ID, &e.Title, &e.Priority} }
func (taskMapper) ID(e *task) string { return e.ID }
func (taskMapper) SetID(e *task, id string) { e.ID = id }

func openDB(t *testing.T) *sqldb.DB {
	t.Helper()
	ctx := context.Background()
	cfg := sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "tasks.db")}
	component, cleanup, err := sqldb.NewComponent(ctx, cfg, sqldb.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(cleanup)

	_, err = component.DB.Exec(ctx, `CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	return component.DB
}

func TestTable_CRUD(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	table := sqlrepo.NewTable[task](db, taskMapper{}, sqlrepo.SQLite)
	assert.Same(t, dbconn.Querier(db), table.Querier())

	first := &task{Title: "write docs", Priority: 1}
	require.NoError(t, table.Insert(ctx, first))
	assert.Len(t, first.ID, 36, "未指定 ID 时应生成 UUID")
	require.NoError(t, table.Insert(ctx, &task{ID: "fixed", Title: "review", Priority: 1}))

	got, err := table.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, *first, *got)

	first.Priority = 5
	require.NoError(t, table.Update(ctx, first))

	high, err := table.FindBy(ctx, "priority", int64(5))
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "write docs", high[0].Title)

	n, err := table.CountBy(ctx, "priority", int64(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, table.Delete(ctx, "fixed"))
	n, err = table.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTable_MissingRows(t *testing.T) {
	ctx := context.Background()
	table := sqlrepo.NewTable[task](openDB(t), taskMapper{}, sqlrepo.SQLite)

	_, err := table.FindByID(ctx, "ghost")
	assert.ErrorIs(t, err, dbconn.ErrNoRows)
	assert.ErrorIs(t, table.Update(ctx, &task{ID: "ghost", Title: "x"}), dbconn.ErrNoRows)
	assert.ErrorIs(t, table.Delete(ctx, "ghost"), dbconn.ErrNoRows)

	found, err := table.FindBy(ctx, "title", "ghost")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestTable_UnknownColumn(t *testing.T) {
	ctx := context.Background()
	table := sqlrepo.NewTable[task](openDB(t), taskMapper{}, sqlrepo.SQLite)

	_, err := table.FindBy(ctx, "title; DROP TABLE tasks", "x")
	assert.ErrorIs(t, err, txrepo.ErrUnknownColumn)
	_, err = table.CountBy(ctx, "owner", "x")
	assert.ErrorIs(t, err, txrepo.ErrUnknownColumn)
}

func TestTable_DuplicateKeyIsWrapped(t *testing.T) {
	ctx := context.Background()
	table := sqlrepo.NewTable[task](openDB(t), taskMapper{}, sqlrepo.SQLite)

	require.NoError(t, table.Insert(ctx, &task{ID: "dup", Title: "a"}))
	err := table.Insert(ctx, &task{ID: "dup", Title: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlrepo: insert tasks")
}

// TestTable_FollowsManagedTransaction 验证 txrepo 包装后的表随事务提交或回滚
func TestTable_FollowsManagedTransaction(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	mgr, err := txmanager.NewManager(db, nil, txmanager.Config{})
	require.NoError(t, err)
	tasks, err := txrepo.New(sqlrepo.Factory[task](taskMapper{}, sqlrepo.DialectFor(db.System())), mgr)
	require.NoError(t, err)

	err = mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		require.True(t, tasks.InTransaction(ctx))
		return tasks.Insert(ctx, &task{Title: "committed"})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		if err := tasks.Insert(ctx, &task{Title: "rolled back"}); err != nil {
			return err
		}
		// 加入外层事务的嵌套调用共享同一连接
		return mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
			if err := tasks.Insert(ctx, &task{Title: "rolled back"}); err != nil {
				return err
			}
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	n, err := tasks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, tasks.InTransaction(ctx))
}
