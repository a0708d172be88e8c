package core

import (
	"context"
	"time"
)

// Logger is the structured logger consumed by the lifecycle. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ClockFunc returns the current time.
type ClockFunc func() time.Time

// Now calls the clock, defaulting to UTC wall time when nil.
func (c ClockFunc) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}

// MetricsRecorder observes operation outcomes and durations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around lifecycle operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation result.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Operation names reported to metrics recorders and tracers.
const (
	OpInsert      = "lifecycle.insert"
	OpUpdate      = "lifecycle.update"
	OpDelete      = "lifecycle.delete"
	OpSave        = "lifecycle.save"
	OpAuditAppend = "audit.append"
)
