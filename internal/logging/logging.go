// Package logging provides the application logger, a thin wrapper around
// zap's sugared logger so callers log structured key/value pairs without
// importing zap directly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the application logger.
type Logger struct {
	s *zap.SugaredLogger
}

// New creates a Logger at the given level ("debug", "info", "warn",
// "error"). Unknown levels fall back to info.
func New(level string) *Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{s: logger.Sugar()}
}

// NewNop returns a logger that discards everything; useful in tests.
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// Debug logs a debug message with key/value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

// Info logs an informational message with key/value pairs.
func (l *Logger) Info(msg string, args ...any) { l.s.Infow(msg, args...) }

// Warn logs a warning with key/value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.s.Warnw(msg, args...) }

// Error logs an error message with key/value pairs.
func (l *Logger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

// Sync flushes buffered log entries.
func (l *Logger) Sync() { _ = l.s.Sync() }
