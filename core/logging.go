package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide logger. Components receive it at
// construction; nothing reads it from a global.
func NewLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// NopLogger discards everything. Used by tests.
func NopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
