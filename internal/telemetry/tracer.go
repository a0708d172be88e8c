package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitycore/internal/core"
	"entitycore/pkg/domain"
)

const instrumentationName = "entitycore"

var _ core.Tracer = (*OtelTracer)(nil)

// OtelTracer adapts an OpenTelemetry tracer to core.Tracer.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer uses provider, or the global provider when nil.
func NewOtelTracer(provider trace.TracerProvider) *OtelTracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OtelTracer{tracer: provider.Tracer(instrumentationName)}
}

// Start opens a span named after the operation, tagged with the change
// metadata carried by ctx.
func (t *OtelTracer) Start(ctx context.Context, operation string) (context.Context, core.TraceSpan) {
	meta := domain.MetadataFrom(ctx)
	attrs := []attribute.KeyValue{attribute.String("entitycore.operation", operation)}
	if meta.ActorID != nil {
		attrs = append(attrs, attribute.Int64("entitycore.actor_id", *meta.ActorID))
	}
	if meta.TraceID != "" {
		attrs = append(attrs, attribute.String("entitycore.trace_id", meta.TraceID))
	}
	if meta.Reason != "" {
		attrs = append(attrs, attribute.String("entitycore.reason", meta.Reason))
	}
	ctx, span := t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
