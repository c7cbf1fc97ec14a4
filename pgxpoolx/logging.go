package pgxpoolx

import (
	"context"
	"io"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
)

// pgxLogger reports failed queries and failed connection attempts. SQL text
// and arguments are never logged.
type pgxLogger struct {
	helper *log.Helper
}

type queryTracer interface {
	pgx.QueryTracer
	pgx.ConnectTracer
}

var _ queryTracer = (*pgxLogger)(nil)

func newPGXLogger(helper *log.Helper) pgx.QueryTracer {
	if helper == nil {
		helper = log.NewHelper(log.NewStdLogger(io.Discard))
	}
	return &pgxLogger{helper: helper}
}

func (l *pgxLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	return ctx
}

func (l *pgxLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err == nil {
		return
	}
	l.helper.WithContext(ctx).Errorf("pgxpoolx: query failed command_tag=%s err=%v", data.CommandTag.String(), data.Err)
}

func (l *pgxLogger) TraceConnectStart(ctx context.Context, _ pgx.TraceConnectStartData) context.Context {
	return ctx
}

func (l *pgxLogger) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	if data.Err == nil {
		return
	}
	l.helper.WithContext(ctx).Warnf("pgxpoolx: connect failed err=%v", data.Err)
}
