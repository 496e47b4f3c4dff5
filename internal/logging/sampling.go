package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. Errors always pass through, so a
// burst of repeated search failures is never dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errs := gated(core, zapcore.ErrorLevel)
	rest := gated(core, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l < zapcore.ErrorLevel
	}))
	return zapcore.NewTee(errs, zapcore.NewSamplerWithOptions(rest, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter))
}

// gatedCore drops entries its enabler rejects before they reach the wrapped core.
type gatedCore struct {
	zapcore.Core
	enab zapcore.LevelEnabler
}

func gated(core zapcore.Core, enab zapcore.LevelEnabler) zapcore.Core {
	return &gatedCore{Core: core, enab: enab}
}

func (c *gatedCore) Enabled(lvl zapcore.Level) bool {
	return c.enab.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *gatedCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enab.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return &gatedCore{Core: c.Core.With(fields), enab: c.enab}
}
