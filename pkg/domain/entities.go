// Package domain contains the entity capability set shared by the lifecycle,
// the hierarchy engine and every persistence backend: identities, mutation
// tracking, audit records and the contracts that bind them to storage.
package domain

import (
	"fmt"
	"strings"
)

// EntityType tags the kind of an entity (for example "user" or "address").
// Audit records and storage rows are keyed by it.
type EntityType string

// Operation identifies the persistence operation captured by an audit record.
type Operation string

// Operations recognised by the ledger.
const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether the operation is one of the recognised kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// ParseOperation converts a case-insensitive operation name into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// Ref names a persisted entity by type and identity.
type Ref struct {
	Type EntityType
	ID   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Type, r.ID)
}

// Qualify prefixes field with the reference so fields absorbed from several
// owned entities never collide inside one diff.
func (r Ref) Qualify(field string) string {
	return r.String() + "." + field
}

// Entity is the minimal capability set every tracked entity exposes.
type Entity interface {
	EntityType() EntityType
	Identity() (int64, bool)
	Changes() *MutationTracker
}

// Auditable entities opt into audit emission through the lifecycle. Fields
// returns the persisted field mapping handed to storage.
type Auditable interface {
	Entity
	Fields() map[string]any
	BindIdentity(id int64) error
	ConfirmIdentity()
	ReleaseIdentity() bool
}

// RefOf returns the reference of a persisted entity.
func RefOf(e Entity) (Ref, bool) {
	id, ok := e.Identity()
	if !ok {
		return Ref{Type: e.EntityType()}, false
	}
	return Ref{Type: e.EntityType(), ID: id}, true
}

// Base carries the identity and mutation tracker shared by all entities.
// Business types embed it and implement EntityType and Fields.
type Base struct {
	id        int64
	bound     bool
	confirmed bool
	changes   MutationTracker
}

// Restore binds a committed identity, as done by loaders materializing rows.
func (b *Base) Restore(id int64) {
	b.id = id
	b.bound = true
	b.confirmed = true
}

// Identity returns the entity identity and whether one is bound.
func (b *Base) Identity() (int64, bool) {
	return b.id, b.bound
}

// Changes exposes the entity's mutation tracker.
func (b *Base) Changes() *MutationTracker {
	return &b.changes
}

// BindIdentity assigns the identity produced by the first persistence. It
// stays provisional until ConfirmIdentity is called.
func (b *Base) BindIdentity(id int64) error {
	if b.bound {
		if b.id == id {
			return nil
		}
		return fmt.Errorf("bind %d over %d: %w", id, b.id, ErrIdentityBound)
	}
	b.id = id
	b.bound = true
	return nil
}

// ConfirmIdentity marks a provisional identity as committed.
func (b *Base) ConfirmIdentity() {
	if b.bound {
		b.confirmed = true
	}
}

// ReleaseIdentity drops a provisional identity after a rollback. Confirmed
// identities are never released.
func (b *Base) ReleaseIdentity() bool {
	if !b.bound || b.confirmed {
		return false
	}
	b.id = 0
	b.bound = false
	return true
}

// DuplicateFromKey is the diff key seeded by Duplicate.
const DuplicateFromKey = "duplicateFrom"

// Duplicate returns a fresh Base with no identity whose tracker records the
// entity it was copied from. Business types copy their own fields.
func (b *Base) Duplicate() Base {
	var dup Base
	if b.bound {
		dup.changes.Record(DuplicateFromKey, b.id)
	}
	return dup
}
