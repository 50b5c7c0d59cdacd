package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one client session's
// request/reply cycle.
type LogContext struct {
	SessionID uint64    // client session id
	MsgCode   uint32    // wire protocol message code being handled
	SnapTag   int32     // client's bound snapshot tag, -1 for origin
	ClientID  string    // peer address (unix socket credential or fd string)
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted session.
func NewLogContext(sessionID uint64, clientID string) *LogContext {
	return &LogContext{
		SessionID: sessionID,
		ClientID:  clientID,
		SnapTag:   -1,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		SessionID: lc.SessionID,
		MsgCode:   lc.MsgCode,
		SnapTag:   lc.SnapTag,
		ClientID:  lc.ClientID,
		StartTime: lc.StartTime,
	}
}

// WithMessage returns a copy with the message code set
func (lc *LogContext) WithMessage(code uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.MsgCode = code
	}
	return clone
}

// WithSnapTag returns a copy with the bound snapshot tag set
func (lc *LogContext) WithSnapTag(tag int32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SnapTag = tag
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
