package logging

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{strings.Repeat("a", maxPatternLen+1)} }, "too long"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	cfg, err = ConfigFromSettings(config.LoggingConfig{Level: "TRACE"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)

	_, err = ConfigFromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = ConfigFromSettings(config.LoggingConfig{Format: "yaml"})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"trace": TraceLevel,
		"debug": zapcore.DebugLevel,
		" Info": zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := LevelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
