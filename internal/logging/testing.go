package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
// It records every level including TraceLevel.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns an in-memory TestLogger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		logs:   logs,
	}
}

// Entries returns the entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.logs.FilterMessageSnippet(msg).All()
}

// AssertField fails tb unless some entry matching msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	entries := t.Entries(msg)
	for _, e := range entries {
		if v, ok := e.ContextMap()[key]; ok && v == want {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v among %d matches", msg, key, want, len(entries))
}
