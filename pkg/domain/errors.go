package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by the lifecycle, the hierarchy engine and backends.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDuplicate          = errors.New("duplicate entity")
	ErrOrphanedSubtree    = errors.New("orphaned subtree")
	ErrCyclicHierarchy    = errors.New("cyclic hierarchy")
	ErrRecordNotFound     = errors.New("audit record not found")
	ErrIdentityBound      = errors.New("identity already bound")
	ErrIdentityMissing    = errors.New("entity has no identity")
	ErrParentNotFound     = errors.New("parent not found")
	ErrDuplicateNode      = errors.New("duplicate node identity")
)

// NotFoundError reports a missing storage row.
type NotFoundError struct {
	Entity EntityType
	ID     int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// OrphanedSubtreeError lists the entities that could not be attached to any
// root during reconstruction, either because their parent is absent or
// because they form a cycle. Entities without an identity are listed by
// their input position instead.
type OrphanedSubtreeError struct {
	IDs       []int64
	Positions []int
}

func (e *OrphanedSubtreeError) Error() string {
	parts := make([]string, 0, len(e.IDs)+len(e.Positions))
	for _, id := range e.IDs {
		parts = append(parts, fmt.Sprint(id))
	}
	for _, pos := range e.Positions {
		parts = append(parts, fmt.Sprintf("@%d", pos))
	}
	return fmt.Sprintf("orphaned subtree: %d entities unreachable from a root [%s]", len(parts), strings.Join(parts, ","))
}

// Is matches ErrOrphanedSubtree.
func (e *OrphanedSubtreeError) Is(target error) bool {
	return target == ErrOrphanedSubtree
}

// CyclicHierarchyError reports an ancestry walk that revisited a node.
type CyclicHierarchyError struct {
	ID   int64
	Path []int64
}

func (e *CyclicHierarchyError) Error() string {
	return fmt.Sprintf("cyclic hierarchy: node %d revisited after %v", e.ID, e.Path)
}

// Is matches ErrCyclicHierarchy.
func (e *CyclicHierarchyError) Is(target error) bool {
	return target == ErrCyclicHierarchy
}

// PostCommitError reports a failure in work scheduled after a successful
// commit. The data mutation itself is durable.
type PostCommitError struct {
	Err error
}

func (e *PostCommitError) Error() string {
	return "committed, post-commit work failed: " + e.Err.Error()
}

func (e *PostCommitError) Unwrap() error {
	return e.Err
}

// AuditEmitError is returned by the lifecycle commit hook when the ledger
// rejects the record for a committed mutation.
type AuditEmitError struct {
	Ref       Ref
	Operation Operation
	Err       error
}

func (e *AuditEmitError) Error() string {
	return fmt.Sprintf("emit %s audit for %s: %v", e.Operation, e.Ref, e.Err)
}

func (e *AuditEmitError) Unwrap() error {
	return e.Err
}
