package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context. One is created per
// Handle and threaded through the state machine so every log line can be
// correlated back to a single connection without passing extra arguments
// through every state function.
type LogContext struct {
	HandleName string    // caller-assigned debug name, or a generated "nbd<uuid prefix>" tag if unset
	State      string    // current state-machine state
	Cookie     uint64    // cookie of the command currently being processed, if any
	Export     string    // export name being negotiated or in use
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly created handle.
func NewLogContext(handleName string) *LogContext {
	return &LogContext{
		HandleName: handleName,
		StartTime:  time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		HandleName: lc.HandleName,
		State:      lc.State,
		Cookie:     lc.Cookie,
		Export:     lc.Export,
		StartTime:  lc.StartTime,
	}
}

// WithState returns a copy with the state-machine state set.
func (lc *LogContext) WithState(state string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.State = state
	}
	return clone
}

// WithCookie returns a copy with the in-flight command cookie set.
func (lc *LogContext) WithCookie(cookie uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Cookie = cookie
	}
	return clone
}

// WithExport returns a copy with the export name set.
func (lc *LogContext) WithExport(export string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Export = export
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
