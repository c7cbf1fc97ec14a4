package txretry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/bionicotaku/lingo-txscope/txretry"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	ID    string
	Value int64
}

type counterMapper struct{}

func (counterMapper) Table() string { return "counters" }
func (counterMapper) Columns() []string { return []string{"id", "value"} }
func (counterMapper) Values(c *counter) []any { return []any{c.ID, c.Value} }
func (counterMapper) Targets(c *counter) []any { return []any{&c.ID, &c.Value} }
func (counterMapper) ID(c *counter) string { return c.ID }
func (counterMapper) SetID(c *counter, id string) { c.ID = id }

func fastPolicy(attempts uint) *txretry.Policy {
	return txretry.NewPolicy(txretry.Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
}

// TestDo_RetriesRetryableErrors 验证可重试错误会重新执行直到成功
func TestDo_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	v, err := txretry.Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &pgconn.PgError{Code: "40001"}
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)
}

// TestDo_StopsOnBusinessError 验证业务错误只执行一次且原样返回
func TestDo_StopsOnBusinessError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	v, err := txretry.Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 42, boom
	})
	assert.Same(t, boom, err)
	assert.Zero(t, v, "失败时应返回零值")
	assert.Equal(t, 1, calls)
}

// TestDo_GivesUpAfterMaxAttempts 验证达到次数上限后返回最后一次的错误
func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := txretry.Do(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.True(t, txmanager.IsRetryable(err))
	assert.Equal(t, 2, calls)
}

// TestDo_StopsWhenContextEnds 验证上下文取消后不再重试
func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := txretry.Do(ctx, fastPolicy(10), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_CustomClassifier(t *testing.T) {
	flaky := errors.New("flaky")
	p := txretry.NewPolicy(txretry.Config{MaxAttempts: 4, InitialInterval: time.Millisecond},
		txretry.WithClassifier(func(err error) bool { return errors.Is(err, flaky) }))
	assert.Equal(t, uint(4), p.MaxAttempts())

	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return flaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewPolicy_Defaults(t *testing.T) {
	assert.Equal(t, uint(3), txretry.NewPolicy(txretry.Config{}).MaxAttempts())
}

// TestWithinTx_RetriesSerializationConflict 验证序列化冲突后整个事务被重新执行
func TestWithinTx_RetriesSerializationConflict(t *testing.T) {
	ctx := context.Background()
	db := memdb.New(memdb.Config{})
	mgr, err := txmanager.NewManager(db, nil, txmanager.Config{})
	require.NoError(t, err)
	counters, err := txrepo.New(memdb.Factory[counter](counterMapper{}), mgr)
	require.NoError(t, err)
	require.NoError(t, counters.Insert(ctx, &counter{ID: "hits", Value: 0}))

	attempts := 0
	opts := txmanager.TxOptions{Isolation: txmanager.Serializable}
	err = txretry.WithinTx(ctx, fastPolicy(3), mgr, opts, func(ctx context.Context, _ dbconn.Querier) error {
		attempts++
		current, err := counters.FindByID(ctx, "hits")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// 另一个写入者在本事务提交前抢先提交
			other := memdb.NewTable[counter](db, counterMapper{})
			if err := other.Update(context.Background(), &counter{ID: "hits", Value: 100}); err != nil {
				return err
			}
		}
		current.Value++
		return counters.Update(ctx, current)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := counters.FindByID(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(101), got.Value, "重试应基于最新提交的值")
	assert.Equal(t, int64(1), db.Stats().Conflicts)
}

// TestWithinTx_JoinedCallRunsOnce 验证加入外层事务的调用不会单独重试
func TestWithinTx_JoinedCallRunsOnce(t *testing.T) {
	ctx := context.Background()
	mgr, err := txmanager.NewManager(memdb.New(memdb.Config{}), nil, txmanager.Config{})
	require.NoError(t, err)

	conflict := &pgconn.PgError{Code: "40001"}
	inner := 0
	err = mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		return txretry.WithinTx(ctx, fastPolicy(5), mgr, txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error {
			inner++
			return conflict
		})
	})
	assert.Same(t, conflict, err)
	assert.Equal(t, 1, inner)
}
