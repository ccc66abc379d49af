// Package logging builds the process-wide structured logger, following the
// example corpus's pvci service: one configured *zap.Logger passed into
// components as a struct field, level controlled by LOG_LEVEL.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the level named by levelName (case-insensitive;
// one of DEBUG, INFO, WARNING/WARN, ERROR). Unrecognized values default to
// Warn.
func New(levelName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromName(levelName))
	return cfg.Build()
}

func levelFromName(name string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
