// Package logging constructs the process-lifetime zap logger. Every
// component receives a named, sugared child logger via dependency
// injection rather than reaching for a package-level singleton.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger, or a development logger with
// human-friendly console output when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Named returns a sugared child logger scoped to name, for injection into
// one component (e.g. "ingest", "orchestrator", "registry").
func Named(base *zap.Logger, name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}
