package txmanager_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/dbconn/memdb"
	"github.com/bionicotaku/lingo-txscope/dbconn/mocks"
	"github.com/bionicotaku/lingo-txscope/txcontext"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/bionicotaku/lingo-txscope/txrepo"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

type note struct {
	ID   string
	Body string
}

type noteMapper struct{}

func (noteMapper) Table() string { return "notes" }
func (noteMapper) Columns() []string { return []string{"id", "body"} }
func (noteMapper) Values(n *note) []any { return []any{n.ID, n.Body} }
func (noteMapper) Targets(n *note) []any { return []any{&n.ID, &n.Body} }
func (noteMapper) ID(n *note) string { return n.ID }
func (noteMapper) SetID(n *note, id string) { n.ID = id }

type fixture struct {
	db    *memdb.DB
	mgr   txmanager.Manager
	notes *txrepo.Aware[note]
}

func newFixture(t *testing.T, opts ...txmanager.Option) *fixture {
	t.Helper()
	db := memdb.New(memdb.Config{MaxConns: 8})
	mgr, err := txmanager.NewManager(db, nil, txmanager.Config{}, opts...)
	require.NoError(t, err)
	notes, err := txrepo.New(memdb.Factory[note](noteMapper{}), mgr)
	require.NoError(t, err)
	return &fixture{db: db, mgr: mgr, notes: notes}
}

func (f *fixture) count(t *testing.T, body string) int64 {
	t.Helper()
	n, err := f.notes.CountBy(context.Background(), "body", body)
	require.NoError(t, err)
	return n
}

// TestNewManager_NilPool 验证必须提供连接池
func TestNewManager_NilPool(t *testing.T) {
	_, err := txmanager.NewManager(nil, nil, txmanager.Config{})
	assert.ErrorIs(t, err, txmanager.ErrNilPool)
}

// TestNewManager_InvalidIsolation 验证配置错误在构造时暴露
func TestNewManager_InvalidIsolation(t *testing.T) {
	_, err := txmanager.NewManager(memdb.New(memdb.Config{}), nil, txmanager.Config{DefaultIsolation: "snapshot"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown isolation level")
}

// TestNewManager_UsesGivenCarrier 验证复用调用方提供的 carrier
func TestNewManager_UsesGivenCarrier(t *testing.T) {
	db := memdb.New(memdb.Config{})
	carrier, err := txcontext.NewCarrier(db)
	require.NoError(t, err)

	mgr, err := txmanager.NewManager(db, carrier, txmanager.Config{})
	require.NoError(t, err)
	assert.Same(t, carrier, mgr.Carrier())
}

func TestWithinTx_CommitPersists(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, q dbconn.Querier) error {
		assert.True(t, f.mgr.HasActiveTransaction(ctx), "工作单元内应处于事务中")
		assert.Same(t, q, f.mgr.Carrier().Current(ctx), "carrier 当前连接即事务连接")
		return f.notes.Insert(ctx, &note{Body: "Alice"})
	})
	require.NoError(t, err)

	assert.False(t, f.mgr.HasActiveTransaction(context.Background()))
	assert.Equal(t, int64(1), f.count(t, "Alice"))

	stats := f.db.Stats()
	assert.Equal(t, int64(1), stats.Committed)
	assert.Equal(t, stats.Acquired, stats.Released, "连接必须归还")
	assert.Zero(t, f.db.InUse())
}

func TestWithinTx_BusinessErrorRollsBackUnchanged(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		require.NoError(t, f.notes.Insert(ctx, &note{Body: "Bob"}))
		return boom
	})

	assert.Same(t, boom, err, "业务错误必须原样返回")
	assert.Zero(t, f.count(t, "Bob"))
	assert.Equal(t, int64(1), f.db.Stats().RolledBack)
	assert.Zero(t, f.db.InUse())
}

func TestWithinTx_JoinSharesTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, outer dbconn.Querier) error {
		return f.mgr.WithinTx(ctx, txmanager.TxOptions{Isolation: txmanager.Serializable}, func(ctx context.Context, inner dbconn.Querier) error {
			assert.Same(t, outer, inner, "加入模式应复用外层事务")
			return nil
		})
	})
	require.NoError(t, err)

	stats := f.db.Stats()
	assert.Equal(t, int64(1), stats.Begun, "只应开启一个事务")
	assert.Equal(t, int64(1), stats.Acquired)
}

func TestWithinTx_JoinedFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	innerErr := errors.New("inner failed")

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		require.NoError(t, f.notes.Insert(ctx, &note{Body: "OuterTrue"}))
		return f.mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
			require.NoError(t, f.notes.Insert(ctx, &note{Body: "innerPropTrue"}))
			return innerErr
		})
	})

	assert.Same(t, innerErr, err)
	assert.Zero(t, f.count(t, "OuterTrue"))
	assert.Zero(t, f.count(t, "innerPropTrue"))
}

func TestWithinTx_RequiresNewSurvivesOuterRollback(t *testing.T) {
	f := newFixture(t)
	outerErr := errors.New("outer failed")

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, outer dbconn.Querier) error {
		require.NoError(t, f.notes.Insert(ctx, &note{Body: "OuterFalse"}))
		innerErr := f.mgr.WithinTx(ctx, txmanager.TxOptions{Propagation: txmanager.PropagationRequiresNew}, func(ctx context.Context, inner dbconn.Querier) error {
			assert.NotSame(t, outer, inner, "独立事务使用自己的连接")
			return f.notes.Insert(ctx, &note{Body: "innerPropFalse"})
		})
		require.NoError(t, innerErr)
		// 外层事务在独立事务之后仍然使用自己的连接
		assert.Same(t, outer, f.mgr.Carrier().Current(ctx))
		return outerErr
	})

	assert.Same(t, outerErr, err)
	assert.Zero(t, f.count(t, "OuterFalse"))
	assert.Equal(t, int64(1), f.count(t, "innerPropFalse"))

	stats := f.db.Stats()
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, int64(2), stats.Released)
}

func TestWithinTx_PanicRollsBackAndReleases(t *testing.T) {
	f := newFixture(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
			require.NoError(t, f.notes.Insert(ctx, &note{Body: "panic"}))
			panic("kaboom")
		})
	})

	assert.Zero(t, f.count(t, "panic"))
	stats := f.db.Stats()
	assert.Equal(t, int64(1), stats.RolledBack)
	assert.Equal(t, int64(1), stats.Released)
	assert.Zero(t, stats.DoubleReleases)
}

func TestWithinTx_NilUnitOfWork(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, nil)
	assert.ErrorIs(t, err, txmanager.ErrNilUnitOfWork)
	assert.Zero(t, f.db.Stats().Acquired, "不应获取连接")
}

func TestWithinTx_NilContext(t *testing.T) {
	f := newFixture(t)
	//nolint:staticcheck // 验证 nil context 的兼容处理
	err := f.mgr.WithinTx(nil, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		assert.NotNil(t, ctx)
		return nil
	})
	assert.NoError(t, err)
}

func TestWithinTx_TimeoutApplied(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{Timeout: time.Second}, func(ctx context.Context, _ dbconn.Querier) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "应设置截止时间")
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	err = f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok, "默认不设置超时")
		return nil
	})
	require.NoError(t, err)
}

func TestWithinTx_ParentContextDeadlineRespected(t *testing.T) {
	f := newFixture(t)
	parent, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	parentDeadline, _ := parent.Deadline()

	err := f.mgr.WithinTx(parent, txmanager.TxOptions{Timeout: time.Hour}, func(ctx context.Context, _ dbconn.Querier) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, parentDeadline, deadline, "更早的父截止时间优先")
		return nil
	})
	require.NoError(t, err)
}

func TestWithinReadOnlyTx_RejectsWrites(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.WithinReadOnlyTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		return f.notes.Insert(ctx, &note{Body: "ro"})
	})
	assert.ErrorIs(t, err, memdb.ErrReadOnly)
	assert.Zero(t, f.count(t, "ro"))
}

func TestWithinTx_ConcurrentIndependentTransactions(t *testing.T) {
	f := newFixture(t)

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 5 {
		g.Go(func() error {
			return f.mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
				return f.notes.Insert(ctx, &note{Body: fmt.Sprintf("concurrent-%d", i)})
			})
		})
	}
	require.NoError(t, g.Wait())

	n, err := f.notes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(5), f.db.Stats().Committed)
}

func TestWithinTx_ConcurrentTransactionsDoNotSeeUncommittedWrites(t *testing.T) {
	f := newFixture(t)
	written := make(chan struct{})
	checked := make(chan struct{})

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return f.mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
			if err := f.notes.Insert(ctx, &note{Body: "hidden"}); err != nil {
				return err
			}
			close(written)
			<-checked
			return nil
		})
	})
	g.Go(func() error {
		<-written
		defer close(checked)
		return f.mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
			n, err := f.notes.CountBy(ctx, "body", "hidden")
			if err != nil {
				return err
			}
			assert.Zero(t, n, "READ COMMITTED 下不可见未提交写入")
			return nil
		})
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), f.count(t, "hidden"))
}

func TestExecute_ReturnsTypedResult(t *testing.T) {
	f := newFixture(t)

	created, err := txmanager.Execute(context.Background(), f.mgr, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) (*note, error) {
		n := &note{Body: "typed"}
		return n, f.notes.Insert(ctx, n)
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotEmpty(t, created.ID)

	failed, err := txmanager.Execute(context.Background(), f.mgr, txmanager.TxOptions{}, func(context.Context, dbconn.Querier) (*note, error) {
		return &note{Body: "ignored"}, errors.New("nope")
	})
	assert.Error(t, err)
	assert.Nil(t, failed)

	_, err = txmanager.Execute[int](context.Background(), f.mgr, txmanager.TxOptions{}, nil)
	assert.ErrorIs(t, err, txmanager.ErrNilUnitOfWork)
}

func TestWithinTx_PassesOptionsToBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := mocks.NewMockPool(ctrl)
	conn := mocks.NewMockConn(ctrl)
	tx := mocks.NewMockTx(ctrl)

	gomock.InOrder(
		pool.EXPECT().Acquire(gomock.Any()).Return(conn, nil),
		conn.EXPECT().BeginTx(gomock.Any(), dbconn.TxOptions{Isolation: dbconn.Serializable, AccessMode: dbconn.ReadWrite}).Return(tx, nil),
		tx.EXPECT().Commit(gomock.Any()).Return(nil),
		conn.EXPECT().Release(),
	)

	mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{})
	require.NoError(t, err)
	err = mgr.WithinTx(context.Background(), txmanager.TxOptions{Isolation: txmanager.Serializable}, func(context.Context, dbconn.Querier) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithinTx_AcquireFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := mocks.NewMockPool(ctrl)
	acquireErr := errors.New("pool exhausted")
	pool.EXPECT().Acquire(gomock.Any()).Return(nil, acquireErr)

	mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{})
	require.NoError(t, err)

	called := false
	err = mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, acquireErr)
	assert.False(t, called, "获取连接失败时不执行工作单元")
}

func TestWithinTx_BeginFailureReleasesWithoutRollback(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := mocks.NewMockPool(ctrl)
	conn := mocks.NewMockConn(ctrl)
	beginErr := errors.New("begin refused")

	gomock.InOrder(
		pool.EXPECT().Acquire(gomock.Any()).Return(conn, nil),
		conn.EXPECT().BeginTx(gomock.Any(), gomock.Any()).Return(nil, beginErr),
		conn.EXPECT().Release().Times(1),
	)

	mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{})
	require.NoError(t, err)
	err = mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error {
		t.Fatal("不应执行工作单元")
		return nil
	})
	assert.ErrorIs(t, err, beginErr)
	assert.Contains(t, err.Error(), "txmanager: begin")
}

func TestWithinTx_RollbackFailureKeepsOriginalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := mocks.NewMockPool(ctrl)
	conn := mocks.NewMockConn(ctrl)
	tx := mocks.NewMockTx(ctrl)
	businessErr := errors.New("insufficient funds")

	gomock.InOrder(
		pool.EXPECT().Acquire(gomock.Any()).Return(conn, nil),
		conn.EXPECT().BeginTx(gomock.Any(), gomock.Any()).Return(tx, nil),
		tx.EXPECT().Rollback(gomock.Any()).Return(errors.New("connection reset")),
		conn.EXPECT().Release().Times(1),
	)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{}, txmanager.WithMeter(provider.Meter("test")))
	require.NoError(t, err)

	err = mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error {
		return businessErr
	})
	assert.Same(t, businessErr, err, "回滚失败不能覆盖业务错误")
	assert.Equal(t, int64(1), sumInt64(t, reader, "db.tx.rollback_failures"))
}

func TestWithinTx_RollbackUsesUncancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := mocks.NewMockPool(ctrl)
	conn := mocks.NewMockConn(ctrl)
	tx := mocks.NewMockTx(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	pool.EXPECT().Acquire(gomock.Any()).Return(conn, nil)
	conn.EXPECT().BeginTx(gomock.Any(), gomock.Any()).Return(tx, nil)
	tx.EXPECT().Rollback(gomock.Any()).DoAndReturn(func(rbCtx context.Context) error {
		assert.NoError(t, rbCtx.Err(), "回滚不受调用方取消影响")
		return nil
	})
	conn.EXPECT().Release()

	mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{})
	require.NoError(t, err)
	err = mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithinTx_CommitFailure(t *testing.T) {
	tests := []struct {
		name      string
		commitErr error
		retryable bool
	}{
		{"plain", errors.New("disk full"), false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"memdb conflict", memdb.ErrSerialization, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			pool := mocks.NewMockPool(ctrl)
			conn := mocks.NewMockConn(ctrl)
			tx := mocks.NewMockTx(ctrl)

			gomock.InOrder(
				pool.EXPECT().Acquire(gomock.Any()).Return(conn, nil),
				conn.EXPECT().BeginTx(gomock.Any(), gomock.Any()).Return(tx, nil),
				tx.EXPECT().Commit(gomock.Any()).Return(tt.commitErr),
				tx.EXPECT().Rollback(gomock.Any()).Return(dbconn.ErrTxDone),
				conn.EXPECT().Release().Times(1),
			)

			mgr, err := txmanager.NewManager(pool, nil, txmanager.Config{})
			require.NoError(t, err)
			err = mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error {
				return nil
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.commitErr)
			assert.Contains(t, err.Error(), "txmanager: commit")
			assert.Equal(t, tt.retryable, errors.Is(err, txmanager.ErrRetryableTx))
			assert.Equal(t, tt.retryable, txmanager.IsRetryable(err))
		})
	}
}

func TestWithinTx_JoinedCallsAreCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, txmanager.WithMeter(provider.Meter("test")))

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context, _ dbconn.Querier) error {
		for range 3 {
			if err := f.mgr.WithinTx(ctx, txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error { return nil }); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sumInt64(t, reader, "db.tx.joined"))
}

func TestWithinTx_MetricsDisabled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, txmanager.WithMeter(provider.Meter("test")), txmanager.WithMetricsEnabled(false))

	err := f.mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(context.Context, dbconn.Querier) error { return nil })
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		assert.Empty(t, sm.Metrics, "禁用指标后不应产生数据")
	}
}

func TestWithinTx_SpanNameAndAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, txmanager.WithTracer(tp.Tracer("test")))

	require.NoError(t, f.mgr.WithinTx(context.Background(), txmanager.TxOptions{TraceName: "users.create"}, func(context.Context, dbconn.Querier) error { return nil }))
	require.NoError(t, f.mgr.WithinReadOnlyTx(context.Background(), txmanager.TxOptions{Isolation: txmanager.RepeatableRead}, func(context.Context, dbconn.Querier) error { return nil }))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "users.create", spans[0].Name())
	assert.Equal(t, "db.tx.read_only", spans[1].Name())

	attrs := attribute.NewSet(spans[1].Attributes()...)
	system, _ := attrs.Value("db.system")
	assert.Equal(t, "memdb", system.AsString())
	isolation, _ := attrs.Value("db.tx.isolation")
	assert.Equal(t, "repeatable_read", isolation.AsString())
}

func sumInt64(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s 应为 int64 累加器", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
