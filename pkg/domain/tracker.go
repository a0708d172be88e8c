package domain

import "reflect"

// Reserved diff keys written once an owned entity has been persisted.
const (
	OperationKey = "operation"
	IdentityKey  = "id"
)

// MutationTracker accumulates the fields changed on an entity since its last
// successful persistence. Changes handed to an uncommitted transaction are
// staged: they stay pending until that transaction commits and emits them.
// The zero value is an empty tracker.
type MutationTracker struct {
	diff   Diff
	staged Diff
}

// Record stores value under field, overwriting any earlier value. Callers are
// expected to record only actual changes; see Set.
func (t *MutationTracker) Record(field string, value any) {
	t.diff.Set(field, value)
}

// HasPending reports whether any change is waiting to be persisted.
func (t *MutationTracker) HasPending() bool {
	return t.diff.Len() > 0
}

// Snapshot returns a copy of the pending diff without clearing it.
func (t *MutationTracker) Snapshot() Diff {
	return t.diff.Clone()
}

// Clear drops every pending and staged change.
func (t *MutationTracker) Clear() {
	t.diff = Diff{}
	t.staged = Diff{}
}

// Unstaged returns the pending changes not already staged with the same
// value.
func (t *MutationTracker) Unstaged() Diff {
	var out Diff
	t.diff.Range(func(key string, value any) bool {
		if staged, ok := t.staged.Get(key); ok && sameValue(staged, value) {
			return true
		}
		out.Set(key, value)
		return true
	})
	return out
}

// Stage marks d as handed to an open transaction.
func (t *MutationTracker) Stage(d Diff) {
	d.Range(func(key string, value any) bool {
		t.staged.Set(key, value)
		return true
	})
}

// Unstage returns the entries of d to plain pending changes, after a
// rollback or a failed emission.
func (t *MutationTracker) Unstage(d Diff) {
	d.Range(func(key string, value any) bool {
		if staged, ok := t.staged.Get(key); ok && sameValue(staged, value) {
			t.staged.Delete(key)
		}
		return true
	})
}

// ClearEmitted drops the entries of d once they have been committed and
// recorded. Fields changed again since d was taken stay pending.
func (t *MutationTracker) ClearEmitted(d Diff) {
	t.Unstage(d)
	d.Range(func(key string, value any) bool {
		if current, ok := t.diff.Get(key); ok && sameValue(current, value) {
			t.diff.Delete(key)
		}
		return true
	})
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Replace sets the pending diff to a copy of d.
func (t *MutationTracker) Replace(d Diff) {
	t.diff = d.Clone()
}

// Forget drops a single pending change, for fields that must never reach the
// audit trail.
func (t *MutationTracker) Forget(field string) {
	t.diff.Delete(field)
}

// Merge absorbs the post-save diff of an owned entity. Incoming keys are
// qualified with source so they cannot shadow the owner's own fields.
func (t *MutationTracker) Merge(source Ref, src Diff) {
	src.Range(func(key string, value any) bool {
		t.diff.Set(source.Qualify(key), value)
		return true
	})
}

// MarkPersisted records the completed operation and the identity on an owned
// entity's tracker so the owner's audit record shows what happened to it.
func (t *MutationTracker) MarkPersisted(op Operation, id int64) {
	t.Record(OperationKey, string(op))
	t.Record(IdentityKey, id)
}

// Set assigns v to *dst and records the change when the value differs.
func Set[T comparable](t *MutationTracker, field string, dst *T, v T) bool {
	if *dst == v {
		return false
	}
	*dst = v
	t.Record(field, v)
	return true
}

// SetOptional is Set for nullable fields; pointers are compared by value and a
// cleared field is recorded as nil.
func SetOptional[T comparable](t *MutationTracker, field string, dst **T, v *T) bool {
	cur := *dst
	switch {
	case cur == nil && v == nil:
		return false
	case cur != nil && v != nil && *cur == *v:
		return false
	}
	if v == nil {
		*dst = nil
		t.Record(field, nil)
		return true
	}
	val := *v
	*dst = &val
	t.Record(field, val)
	return true
}
