// Package logging constructs the process-wide structured logger. The teacher builds
// one *log.Logger in server.New and threads it down; we keep that "construct once at
// the entrypoint" shape but back it with zap for structured fields.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger writing to stderr, or a development
// logger (human-readable, debug level) when dev is true.
func New(dev bool) *zap.Logger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panicking at startup over logging.
		return zap.NewNop()
	}
	return logger
}

// WithCorrelation returns a child logger annotated with a correlation id, the way
// every pipeline stage / job / schedule dispatch in this repo tags its log lines.
func WithCorrelation(l *zap.Logger, correlationID string) *zap.Logger {
	if correlationID == "" {
		return l
	}
	return l.With(zap.String("correlation_id", correlationID))
}
