// Package telemetry builds the logger, metrics recorder and tracer handed to
// the lifecycle.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
	// Attrs are attached to every record, e.g. the service name.
	Attrs []slog.Attr
}

// ParseLevel maps a level name to a slog level, warn by default.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewLogger builds a JSON logger, or a text logger when Format is "text".
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	if len(cfg.Attrs) > 0 {
		handler = handler.WithAttrs(cfg.Attrs)
	}
	return slog.New(handler)
}

// LogWithTrace adds the trace and span ids of the active span to logger.
func LogWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
