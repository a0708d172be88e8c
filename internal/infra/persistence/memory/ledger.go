package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitycore/pkg/domain"
)

var _ domain.Ledger = (*Ledger)(nil)

// Ledger is an append-only audit ledger held in memory.
type Ledger struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
	nowFn   func() time.Time
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source used when requests carry none.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.nowFn = now
	}
}

// Append stores a new record and returns its identity.
func (l *Ledger) Append(_ context.Context, req domain.AppendRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	at := req.At
	if at.IsZero() {
		at = l.nowFn()
	}
	id := int64(len(l.records) + 1)
	l.records = append(l.records, req.Record(id, at))
	return id, nil
}

// QueryByEntity returns the live records of one entity ordered by creation
// time, then by identity.
func (l *Ledger) QueryByEntity(_ context.Context, entityType domain.EntityType, externalID int64) ([]domain.AuditRecord, error) {
	return l.filter(func(r domain.AuditRecord) bool {
		return r.EntityType == entityType && r.ExternalID == externalID
	}), nil
}

// QueryByEntityAndOperation narrows QueryByEntity to one operation.
func (l *Ledger) QueryByEntityAndOperation(_ context.Context, entityType domain.EntityType, op domain.Operation, externalID int64) ([]domain.AuditRecord, error) {
	return l.filter(func(r domain.AuditRecord) bool {
		return r.EntityType == entityType && r.ExternalID == externalID && r.Operation == op
	}), nil
}

// SoftDelete tombstones a record. Tombstoning twice keeps the first marker.
func (l *Ledger) SoftDelete(_ context.Context, recordID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if recordID < 1 || recordID > int64(len(l.records)) {
		return domain.ErrRecordNotFound
	}
	rec := &l.records[recordID-1]
	if rec.DeletedAt == nil {
		at := l.nowFn()
		rec.DeletedAt = &at
	}
	return nil
}

// Len returns the number of stored records, tombstoned ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Ledger) filter(keep func(domain.AuditRecord) bool) []domain.AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.AuditRecord
	for _, rec := range l.records {
		if rec.Deleted() || !keep(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	// records are held in identity order, so a stable sort breaks ties by id.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
