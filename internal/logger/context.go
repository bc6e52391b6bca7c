package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context, threaded through the
// zone callbacks that make up a single data operation's lifetime.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	OpID      string    // Operation record debug identifier
	LBN       uint64    // Logical block number this operation addresses
	Zone      string    // Zone currently executing the operation's callback
	Phase     string    // Current phase tag (§3 Operation record)
	StartTime time.Time // For duration calculation
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

// NewLogContext creates a new LogContext for an operation record.
func NewLogContext(opID string, lbn uint64) *LogContext {
	return &LogContext{
		OpID:      opID,
		LBN:       lbn,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		OpID:      lc.OpID,
		LBN:       lc.LBN,
		Zone:      lc.Zone,
		Phase:     lc.Phase,
		StartTime: lc.StartTime,
	}
}

// WithZone returns a copy with the current zone set.
func (lc *LogContext) WithZone(zone string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Zone = zone
	}
	return clone
}

// WithPhase returns a copy with the current phase set.
func (lc *LogContext) WithPhase(phase string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Phase = phase
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
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
