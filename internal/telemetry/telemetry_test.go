package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"entitycore/internal/core"
	"entitycore/pkg/domain"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"error":   slog.LevelError,
		"warn":    slog.LevelWarn,
		"unknown": slog.LevelWarn,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Output: &buf, Attrs: []slog.Attr{slog.String("service", "auditctl")}})
	logger.Debug("hidden")
	logger.Info("visible", "ref", "user#1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "user#1", rec["ref"])
	assert.Equal(t, "auditctl", rec["service"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "text", Output: &buf})
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	ctx := context.Background()
	rec.Observe(ctx, core.OpInsert, true, 2*time.Millisecond)
	rec.Observe(ctx, core.OpInsert, true, 3*time.Millisecond)
	rec.Observe(ctx, core.OpAuditAppend, false, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.operations.WithLabelValues(core.OpInsert, "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.operations.WithLabelValues(core.OpAuditAppend, "false")))
	assert.Equal(t, 2, testutil.CollectAndCount(rec.duration))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestOtelTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewOtelTracer(provider)

	ctx := domain.WithTraceID(domain.WithActor(context.Background(), 42), "req-9")
	spanCtx, span := tracer.Start(ctx, core.OpSave)
	var buf bytes.Buffer
	LogWithTrace(spanCtx, NewLogger(LogConfig{Level: "info", Output: &buf})).Info("inside")
	span.End(nil)

	_, failed := tracer.Start(context.Background(), core.OpDelete)
	failed.End(errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, core.OpSave, ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int64("entitycore.actor_id", 42))
	assert.Contains(t, ended[0].Attributes(), attribute.String("entitycore.trace_id", "req-9"))
	assert.Contains(t, buf.String(), ended[0].SpanContext().TraceID().String())

	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)
	require.NotEmpty(t, ended[1].Events())
}

func TestLogWithTraceWithoutSpan(t *testing.T) {
	logger := NewLogger(LogConfig{})
	assert.Same(t, logger, LogWithTrace(context.Background(), logger))
}
