package txlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	base := []Option{
		WithService("txdemo"),
		WithVersion("v1"),
		WithWriter(buf),
		DisableInstanceID(),
	}
	logger, err := NewLogger(append(base, opts...)...)
	require.NoError(t, err)
	logger.opts.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return logger, buf
}

func decodeEntry(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &entry))
	return entry
}

func TestNewLoggerValidation(t *testing.T) {
	_, err := NewLogger()
	require.Error(t, err)

	_, err = NewLogger(WithService("svc"))
	require.Error(t, err)

	logger, err := NewLogger(WithService("svc"), WithVersion("v1"), WithWriter(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NotNil(t, logger)
}

// TestLoggerSplitsMessage 验证消息被拆分为组件、事件与字段。
func TestLoggerSplitsMessage(t *testing.T) {
	logger, buf := newTestLogger(t, WithEnvironment("test"))

	msg := "txmanager: commit failed method=read_write isolation=READ COMMITTED retryable=true err=txmanager: commit: boom"
	require.NoError(t, logger.Log(log.LevelError, log.DefaultMessageKey, msg, "caller", "manager.go:212"))

	entry := decodeEntry(t, buf.String())
	require.Equal(t, "2025-01-02T03:04:05Z", entry["timestamp"])
	require.Equal(t, "ERROR", entry["severity"])
	require.Equal(t, msg, entry["message"])
	require.Equal(t, "txmanager", entry["component"])
	require.Equal(t, "commit failed", entry["event"])

	svc := entry["service"].(map[string]any)
	require.Equal(t, "txdemo", svc["name"])
	require.Equal(t, "v1", svc["version"])
	require.Equal(t, "test", svc["environment"])

	labels := entry["labels"].(map[string]any)
	require.Equal(t, "manager.go:212", labels["caller"])

	fields := entry["fields"].(map[string]any)
	require.Equal(t, "read_write", fields["method"])
	require.Equal(t, "READ COMMITTED", fields["isolation"])
	require.Equal(t, "true", fields["retryable"])
	require.Equal(t, "txmanager: commit: boom", fields["err"])
}

// TestLoggerKeyvalsWinOverMessage 验证显式键值优先于消息中解析出的同名字段。
func TestLoggerKeyvalsWinOverMessage(t *testing.T) {
	logger, buf := newTestLogger(t)

	require.NoError(t, logger.Log(log.LevelWarn,
		log.DefaultMessageKey, "sqldb: health check failed driver=sqlite",
		"driver", "mysql",
		"error", errors.New("dial refused"),
	))

	entry := decodeEntry(t, buf.String())
	require.Equal(t, "WARNING", entry["severity"])
	fields := entry["fields"].(map[string]any)
	require.Equal(t, "mysql", fields["driver"])
	require.Equal(t, "dial refused", fields["error"])
}

func TestLoggerDisableMessageFields(t *testing.T) {
	logger, buf := newTestLogger(t, DisableMessageFields())

	require.NoError(t, logger.Log(log.LevelInfo, log.DefaultMessageKey, "demo: scenario passed name=create_alice"))

	entry := decodeEntry(t, buf.String())
	require.NotContains(t, entry, "component")
	require.NotContains(t, entry, "fields")
}

func TestLoggerOddKeyvalsAndEmptyMessage(t *testing.T) {
	logger, buf := newTestLogger(t, WithStaticLabels(map[string]string{"team": "core", "": "dropped"}))

	require.NoError(t, logger.Log(log.LevelDebug, "dangling"))

	entry := decodeEntry(t, buf.String())
	require.Equal(t, "DEBUG", entry["severity"])
	require.Equal(t, "<no message>", entry["message"])
	labels := entry["labels"].(map[string]any)
	require.Equal(t, "core", labels["team"])
	require.Len(t, labels, 1)
	fields := entry["fields"].(map[string]any)
	require.Contains(t, fields, "dangling")
	require.Nil(t, fields["dangling"])
}

func TestLoggerInstanceID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewLogger(WithService("svc"), WithVersion("v1"), WithWriter(buf), WithInstanceID("pod-1"))
	require.NoError(t, err)

	require.NoError(t, logger.Log(log.LevelInfo, log.DefaultMessageKey, "ready"))
	labels := decodeEntry(t, buf.String())["labels"].(map[string]any)
	require.Equal(t, "pod-1", labels["instance_id"])
}

func TestLoggerSourceLocation(t *testing.T) {
	logger, buf := newTestLogger(t, EnableSourceLocation())

	require.NoError(t, logger.Log(log.LevelInfo, log.DefaultMessageKey, "here"))

	src := decodeEntry(t, buf.String())["source"].(map[string]any)
	require.NotEmpty(t, src["file"])
	require.NotZero(t, src["line"])
	require.Contains(t, src["function"], "TestLoggerSourceLocation")
}

func TestLoggerConcurrentWrites(t *testing.T) {
	logger, buf := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.Log(log.LevelInfo, log.DefaultMessageKey, "demo: scenario passed name=concurrent")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		decodeEntry(t, line)
	}
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name      string
		msg       string
		component string
		event     string
		fields    []messageField
	}{
		{name: "plain", msg: "ready", event: "ready"},
		{name: "component only", msg: "transactional: bootstrap complete", component: "transactional", event: "bootstrap complete"},
		{
			name:      "fields",
			msg:       "transactional: bootstrap complete instances=1 methods=7",
			component: "transactional",
			event:     "bootstrap complete",
			fields:    []messageField{{"instances", "1"}, {"methods", "7"}},
		},
		{
			name:      "value with equals",
			msg:       "sqldb: pool created dsn=file:x.db?_pragma=busy_timeout(5000) max_open=8",
			component: "sqldb",
			event:     "pool created",
			fields:    []messageField{{"dsn", "file:x.db?_pragma=busy_timeout(5000)"}, {"max_open", "8"}},
		},
		{
			name:   "duplicate key keeps first",
			msg:    "a=1 a=2",
			fields: []messageField{{"a", "1"}},
		},
		{name: "uppercase is not a component", msg: "Error: boom", event: "Error: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseMessage(tc.msg)
			require.Equal(t, tc.component, got.component)
			require.Equal(t, tc.event, got.event)
			require.Equal(t, tc.fields, got.fields)
		})
	}
}

// TestNewComponent 验证组件按格式构建并附加 trace 信息与级别过滤。
func TestNewComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	comp, cleanup, err := NewComponent(Config{Level: "warn"}, Service{Name: "txdemo", Version: "v1", InstanceID: "i-1"}, buf)
	require.NoError(t, err)
	defer cleanup()

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	helper := log.NewHelper(ProvideLogger(comp))
	helper.WithContext(ctx).Info("txmanager: filtered")
	helper.WithContext(ctx).Warnf("txmanager: rollback failed method=%s", "read_write")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	entry := decodeEntry(t, lines[0])
	require.Equal(t, "0102030405060708090a0b0c0d0e0f10", entry["trace_id"])
	require.Equal(t, "0102030405060708", entry["span_id"])
	require.Equal(t, "rollback failed", entry["event"])
}

func TestNewComponentFormats(t *testing.T) {
	buf := &bytes.Buffer{}
	comp, _, err := NewComponent(Config{Format: "text"}, Service{Name: "txdemo", Version: "v1"}, buf)
	require.NoError(t, err)
	log.NewHelper(comp.Logger).Info("sqldb: closing")
	require.Contains(t, buf.String(), "msg=sqldb: closing")
	require.Contains(t, buf.String(), "service.name=txdemo")

	_, _, err = NewComponent(Config{Format: "xml"}, Service{Name: "txdemo", Version: "v1"}, buf)
	require.Error(t, err)

	_, _, err = NewComponent(Config{}, Service{}, buf)
	require.Error(t, err)
}
