// Package logger builds the zap logger the execution environments and the
// MCP server log through.
//
// All log output goes to stderr. When the server runs on the stdio
// transport, stdout carries MCP framing, and inside the sandbox packages
// stdout is where execution results are read from, so nothing else may
// write there.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

// Logging modes accepted by New and config validation.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// NewFromConfig builds a logger from the loaded application config.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New builds a logger for the given mode and level. Development mode uses
// the console encoder with colored levels; production mode emits JSON with
// ISO8601 timestamps.
func New(mode, level string) (*zap.Logger, error) {
	cfg, err := baseConfig(mode)
	if err != nil {
		return nil, err
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	return cfg.Build()
}

func baseConfig(mode string) (zap.Config, error) {
	switch mode {
	case ModeDevelopment:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg, nil
	case ModeProduction:
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg, nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be '%s' or '%s'", mode, ModeProduction, ModeDevelopment)
	}
}
