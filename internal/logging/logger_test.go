package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Same(t, cfg, logger.config)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}
	ctx := context.Background()

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg") }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg") }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg") }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg") }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.logFunc()

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
		})
	}
}

func TestLogger_TraceFilteredAtInfo(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Trace(context.Background(), "wire detail")
	assert.Zero(t, observed.Len())
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestLogger_ContextCorrelation(t *testing.T) {
	tl := NewTestLogger()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a, 0x0b},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithUserID(ctx, "665f1c2e9b1d4a0012345678")

	tl.Info(ctx, "document uploaded", zap.String("document.id", "doc-1"))

	tl.AssertField(t, "document uploaded", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "document uploaded", "span_id", sc.SpanID().String())
	tl.AssertField(t, "document uploaded", "request.id", "req-123")
	tl.AssertField(t, "document uploaded", "user.id", "665f1c2e9b1d4a0012345678")
	tl.AssertField(t, "document uploaded", "document.id", "doc-1")
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("component", "retrieval")).Named("search")
	child.Info(context.Background(), "served")

	entries := tl.Entries("served")
	require.Len(t, entries, 1)
	assert.Equal(t, "search", entries[0].LoggerName)
	assert.Equal(t, "retrieval", entries[0].ContextMap()["component"])
}

func TestLogger_StdoutOutputIsRedacted(t *testing.T) {
	buf := &zaptest.Buffer{}
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false

	logger, err := newLogger(cfg, nil, buf)
	require.NoError(t, err)

	logger.With(zap.String("api_key", "scoped-secret")).Info(context.Background(), "connecting",
		zap.String("password", "hunter2"),
		zap.String("header", "Bearer abc.def"),
		zap.String("uri", "mongodb://admin:pw@db:27017"),
		zap.String("query", "quarterly revenue"),
	)

	out := buf.String()
	assert.NotContains(t, out, "scoped-secret")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "admin:pw")
	assert.Contains(t, out, "quarterly revenue")
	assert.Contains(t, out, `"service":"docsearch"`)
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &zaptest.Buffer{}
	cfg := NewDefaultConfig()
	cfg.Format = "console"

	logger, err := newLogger(cfg, nil, buf)
	require.NoError(t, err)

	logger.Info(context.Background(), "listening")
	line := buf.Lines()[0]
	assert.False(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, "listening")
}

func TestLogger_OTELOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "exported")
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestLogger_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info(context.Background(), "dropped")
	assert.NoError(t, logger.Sync())
}
