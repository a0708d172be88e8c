package domain

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// AuditRecord is an immutable entry of the audit trail.
type AuditRecord struct {
	ID         int64
	EntityType EntityType
	ExternalID int64
	Operation  Operation
	CreatedAt  time.Time
	// Source is the zero Addr when the change has no known origin.
	Source    netip.Addr
	ActorID   *int64
	Reason    string
	TraceID   string
	Payload   Diff
	DeletedAt *time.Time
}

// Ref returns the reference of the audited entity.
func (r AuditRecord) Ref() Ref {
	return Ref{Type: r.EntityType, ID: r.ExternalID}
}

// Deleted reports whether the record carries a tombstone.
func (r AuditRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a copy that shares no mutable state with r.
func (r AuditRecord) Clone() AuditRecord {
	out := r
	out.Payload = r.Payload.Clone()
	if r.ActorID != nil {
		actor := *r.ActorID
		out.ActorID = &actor
	}
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// AppendRequest describes a record to add to the ledger.
type AppendRequest struct {
	EntityType EntityType
	ExternalID int64
	Operation  Operation
	ActorID    *int64
	Source     netip.Addr
	Reason     string
	TraceID    string
	Payload    Diff
	// At is the creation timestamp; the ledger clock is used when zero.
	At time.Time
}

// Validate checks the fields every ledger requires.
func (r AppendRequest) Validate() error {
	if r.EntityType == "" {
		return errors.New("append: entity type required")
	}
	if !r.Operation.Valid() {
		return errors.New("append: invalid operation " + string(r.Operation))
	}
	return nil
}

// Record converts the request into the record a ledger stores.
func (r AppendRequest) Record(id int64, at time.Time) AuditRecord {
	rec := AuditRecord{
		ID:         id,
		EntityType: r.EntityType,
		ExternalID: r.ExternalID,
		Operation:  r.Operation,
		CreatedAt:  at,
		Source:     r.Source,
		Reason:     r.Reason,
		TraceID:    r.TraceID,
		Payload:    r.Payload.Clone(),
	}
	if r.ActorID != nil {
		actor := *r.ActorID
		rec.ActorID = &actor
	}
	return rec
}

// Ledger is the append-only store of audit records. Queries return records in
// creation order and exclude soft-deleted entries.
type Ledger interface {
	Append(ctx context.Context, req AppendRequest) (int64, error)
	QueryByEntity(ctx context.Context, entityType EntityType, externalID int64) ([]AuditRecord, error)
	QueryByEntityAndOperation(ctx context.Context, entityType EntityType, op Operation, externalID int64) ([]AuditRecord, error)
	SoftDelete(ctx context.Context, recordID int64) error
}

// Notification is delivered to listeners once an audited mutation has been
// committed and recorded.
type Notification struct {
	EventID   string
	Operation Operation
	Ref       Ref
	RecordID  int64
	ActorID   *int64
	Payload   Diff
	At        time.Time
	Entity    Entity
}

// Listener observes committed mutations. Notify must not block the caller for
// long; failures are the listener's concern.
type Listener interface {
	Notify(ctx context.Context, n Notification)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f ListenerFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}
