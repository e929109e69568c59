// Package log wraps log/slog with nil-safe helpers and structured attribute
// extraction for *errors.Error, so every subsystem logs errors the same way
// without each call site re-deriving which fields matter for a given Kind.
package log

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/nimbusedge/mqttproto/internal/wallclock"
)

// Logger wraps an *slog.Logger. The zero value is valid and discards
// everything, so callers that were not given a logger can hold one
// unconditionally instead of nil-checking at every call site.
type Logger struct{ logger *slog.Logger }

// Wrap adapts an *slog.Logger. Passing nil yields a Logger that discards all
// output.
func Wrap(logger *slog.Logger) Logger {
	return Logger{logger}
}

// https://pkg.go.dev/log/slog#hdr-Wrapping_output_methods
func (l *Logger) log(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if l.logger == nil || !l.logger.Enabled(ctx, level) {
		return
	}

	now := wallclock.Instance.Now()
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(now, level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.logger.Handler().Handle(ctx, r)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, msg, attrs)
}

// Info logs at LevelInfo.
func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, msg, attrs)
}

// Warn logs at LevelWarn.
func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, msg, attrs)
}
