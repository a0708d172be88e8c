package domain

import (
	"context"
	"net/netip"
)

type metaKey struct{}
type skipKey struct{}

// ChangeMetadata describes who made a change and from where.
type ChangeMetadata struct {
	ActorID *int64
	Source  netip.Addr
	Reason  string
	TraceID string
}

// WithActor attaches the acting user identity to ctx.
func WithActor(ctx context.Context, id int64) context.Context {
	m := MetadataFrom(ctx)
	m.ActorID = &id
	return context.WithValue(ctx, metaKey{}, m)
}

// WithSourceAddress attaches the originating network address to ctx.
func WithSourceAddress(ctx context.Context, addr netip.Addr) context.Context {
	m := MetadataFrom(ctx)
	m.Source = addr
	return context.WithValue(ctx, metaKey{}, m)
}

// WithReason attaches a human-readable reason for the change.
func WithReason(ctx context.Context, reason string) context.Context {
	m := MetadataFrom(ctx)
	m.Reason = reason
	return context.WithValue(ctx, metaKey{}, m)
}

// WithTraceID attaches a correlation identifier.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	m := MetadataFrom(ctx)
	m.TraceID = traceID
	return context.WithValue(ctx, metaKey{}, m)
}

// WithoutAudit marks ctx so the lifecycle persists without emitting records.
func WithoutAudit(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

// AuditSkipped reports whether WithoutAudit was applied to ctx.
func AuditSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(skipKey{}).(bool)
	return v
}

// MetadataFrom returns the change metadata carried by ctx.
func MetadataFrom(ctx context.Context) ChangeMetadata {
	if m, ok := ctx.Value(metaKey{}).(ChangeMetadata); ok {
		if m.ActorID != nil {
			actor := *m.ActorID
			m.ActorID = &actor
		}
		return m
	}
	return ChangeMetadata{}
}
