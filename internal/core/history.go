package core

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"entitycore/pkg/domain"
)

type historyKey struct {
	ref domain.Ref
	op  domain.Operation
}

// HistoryReader answers history questions about entities and caches ledger
// results per entity and operation. It implements domain.Listener so a
// lifecycle can invalidate cached entries after each recorded mutation.
//
// Records tombstoned directly on the ledger are not seen until the entity is
// invalidated; use Forget to tombstone through the reader.
type HistoryReader struct {
	ledger domain.Ledger

	mu    sync.Mutex
	cache map[historyKey][]domain.AuditRecord
}

var _ domain.Listener = (*HistoryReader)(nil)

// NewHistoryReader builds a reader over ledger.
func NewHistoryReader(ledger domain.Ledger) *HistoryReader {
	return &HistoryReader{ledger: ledger, cache: make(map[historyKey][]domain.AuditRecord)}
}

// History returns every live record of e in creation order.
func (h *HistoryReader) History(ctx context.Context, e domain.Entity) ([]domain.AuditRecord, error) {
	return h.lookup(ctx, e, "")
}

// ByOperation returns the live records of e for one operation.
func (h *HistoryReader) ByOperation(ctx context.Context, e domain.Entity, op domain.Operation) ([]domain.AuditRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("history: invalid operation %q", op)
	}
	return h.lookup(ctx, e, op)
}

// AddedBy returns the actor of the first INSERT record.
func (h *HistoryReader) AddedBy(ctx context.Context, e domain.Entity) (int64, bool, error) {
	rec, ok, err := h.inserted(ctx, e)
	if err != nil || !ok || rec.ActorID == nil {
		return 0, false, err
	}
	return *rec.ActorID, true, nil
}

// AddedFrom returns the source address of the first INSERT record.
func (h *HistoryReader) AddedFrom(ctx context.Context, e domain.Entity) (netip.Addr, bool, error) {
	rec, ok, err := h.inserted(ctx, e)
	if err != nil || !ok || !rec.Source.IsValid() {
		return netip.Addr{}, false, err
	}
	return rec.Source, true, nil
}

// AddedAt returns the timestamp of the first INSERT record.
func (h *HistoryReader) AddedAt(ctx context.Context, e domain.Entity) (time.Time, bool, error) {
	rec, ok, err := h.inserted(ctx, e)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return rec.CreatedAt, true, nil
}

// Invalidate drops cached results for ref.
func (h *HistoryReader) Invalidate(ref domain.Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.cache {
		if key.ref == ref {
			delete(h.cache, key)
		}
	}
}

// Forget tombstones recordID on the ledger and drops every cached result
// holding it.
func (h *HistoryReader) Forget(ctx context.Context, recordID int64) error {
	if err := h.ledger.SoftDelete(ctx, recordID); err != nil {
		return fmt.Errorf("forget record %d: %w", recordID, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, records := range h.cache {
		for _, rec := range records {
			if rec.ID == recordID {
				delete(h.cache, key)
				break
			}
		}
	}
	return nil
}

// Notify invalidates the cache entries of the mutated entity.
func (h *HistoryReader) Notify(_ context.Context, n domain.Notification) {
	h.Invalidate(n.Ref)
}

func (h *HistoryReader) inserted(ctx context.Context, e domain.Entity) (domain.AuditRecord, bool, error) {
	records, err := h.lookup(ctx, e, domain.OperationInsert)
	if err != nil || len(records) == 0 {
		return domain.AuditRecord{}, false, err
	}
	return records[0], true, nil
}

func (h *HistoryReader) lookup(ctx context.Context, e domain.Entity, op domain.Operation) ([]domain.AuditRecord, error) {
	ref, ok := domain.RefOf(e)
	if !ok {
		return nil, nil
	}
	key := historyKey{ref: ref, op: op}

	h.mu.Lock()
	cached, hit := h.cache[key]
	h.mu.Unlock()
	if hit {
		return cloneRecords(cached), nil
	}

	var (
		records []domain.AuditRecord
		err     error
	)
	if op == "" {
		records, err = h.ledger.QueryByEntity(ctx, ref.Type, ref.ID)
	} else {
		records, err = h.ledger.QueryByEntityAndOperation(ctx, ref.Type, op, ref.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", ref, err)
	}

	h.mu.Lock()
	h.cache[key] = cloneRecords(records)
	h.mu.Unlock()
	return records, nil
}

func cloneRecords(in []domain.AuditRecord) []domain.AuditRecord {
	out := make([]domain.AuditRecord, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}
