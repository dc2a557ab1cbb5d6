package xpc

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var logger = atomic.NewPointer(zap.NewNop())

// SetLogger replaces the package logger used by connections created without
// WithLogger and by the event bridge. Pass nil to discard logs.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Logger returns the package logger.
func Logger() *zap.Logger {
	return logger.Load()
}
