// Package log builds the zap loggers used across the relay.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugFromEnv reports whether SMTP_DEBUG=1 is set.
func DebugFromEnv() bool {
	return os.Getenv("SMTP_DEBUG") == "1"
}

// New returns a JSON logger writing to stderr. Debug entries are only
// emitted when debug is true.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// Must is like New but falls back to a no-op logger on error.
func Must(debug bool) *zap.Logger {
	l, err := New(debug)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
