package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newTestRedactor(t *testing.T) *RedactingEncoder {
	t.Helper()
	cfg := zap.NewProductionEncoderConfig()
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(cfg), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	return enc
}

func encode(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m", Time: time.Unix(0, 0)}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder_EntryFields(t *testing.T) {
	enc := newTestRedactor(t)

	out := encode(t, enc,
		zap.String("Password", "p4ss"),
		zap.String("note", "api_key=sk-live-123"),
		zap.Error(errors.New("dial mongodb://root:toor@db failed")),
		zap.Int("token", 42),
		zap.String("fileName", "report.pdf"),
	)

	assert.NotContains(t, out, "p4ss")
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "root:toor")
	assert.NotContains(t, out, "42")
	assert.Contains(t, out, "report.pdf")
}

func TestRedactingEncoder_ScopedFields(t *testing.T) {
	enc := newTestRedactor(t)
	clone := enc.Clone()
	clone.AddString("secret", "shh")
	clone.AddString("department", "Finance")

	out := encode(t, clone)
	assert.NotContains(t, out, "shh")
	assert.Contains(t, out, "Finance")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), RedactionConfig{})
	require.NoError(t, err)

	out := encode(t, enc, zap.String("password", "visible"))
	assert.Contains(t, out, "visible")
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"[unclosed"},
	})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	f := Secret("mongo_uri", config.Secret("mongodb://x"))
	assert.Equal(t, "[REDACTED:11]", f.String)

	f = RedactedString("api_key", "abcd")
	assert.Equal(t, "[REDACTED:4]", f.String)
}
