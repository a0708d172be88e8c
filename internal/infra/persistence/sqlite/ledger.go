package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"entitycore/pkg/domain"
)

var _ domain.Ledger = (*Ledger)(nil)

const selectRecords = `SELECT id, entity_type, external_id, operation, created_at, source, actor_id, reason, trace_id, payload, deleted_at
FROM audit_records WHERE deleted_at IS NULL AND entity_type = ? AND external_id = ?`

// Ledger stores audit records in the audit_records table created by Open.
type Ledger struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewLedger wraps a database opened with Open.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source used when requests carry none and
// for tombstones.
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.nowFn = now
	}
}

// Append inserts a record and returns its identity.
func (l *Ledger) Append(ctx context.Context, req domain.AppendRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	at := req.At
	if at.IsZero() {
		at = l.nowFn()
	}
	payload, err := domain.EncodeDiff(req.Payload)
	if err != nil {
		return 0, err
	}
	var source, actor any
	if req.Source.IsValid() {
		source = req.Source.String()
	}
	if req.ActorID != nil {
		actor = *req.ActorID
	}
	res, err := l.db.ExecContext(ctx, `INSERT INTO audit_records(entity_type, external_id, operation, created_at, source, actor_id, reason, trace_id, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(req.EntityType), req.ExternalID, string(req.Operation), at.UTC().UnixNano(),
		source, actor, req.Reason, req.TraceID, string(payload.Raw()))
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", mapError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", err)
	}
	return id, nil
}

// QueryByEntity returns the live records of one entity ordered by identity.
func (l *Ledger) QueryByEntity(ctx context.Context, entityType domain.EntityType, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(ctx, selectRecords+` ORDER BY created_at, id`, string(entityType), externalID)
}

// QueryByEntityAndOperation narrows QueryByEntity to one operation.
func (l *Ledger) QueryByEntityAndOperation(ctx context.Context, entityType domain.EntityType, op domain.Operation, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(ctx, selectRecords+` AND operation = ? ORDER BY created_at, id`, string(entityType), externalID, string(op))
}

// SoftDelete tombstones a record. Tombstoning twice keeps the first marker.
func (l *Ledger) SoftDelete(ctx context.Context, recordID int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE audit_records SET deleted_at = COALESCE(deleted_at, ?) WHERE id = ?`,
		l.nowFn().UTC().UnixNano(), recordID)
	if err != nil {
		return fmt.Errorf("soft delete record %d: %w", recordID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete record %d: %w", recordID, err)
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit records: %w", mapError(err))
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (domain.AuditRecord, error) {
	var (
		rec        domain.AuditRecord
		entityType string
		operation  string
		createdAt  int64
		source     sql.NullString
		actor      sql.NullInt64
		payload    string
		deletedAt  sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &entityType, &rec.ExternalID, &operation, &createdAt,
		&source, &actor, &rec.Reason, &rec.TraceID, &payload, &deletedAt); err != nil {
		return domain.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.EntityType = domain.EntityType(entityType)
	rec.Operation = domain.Operation(operation)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if source.Valid && source.String != "" {
		addr, err := netip.ParseAddr(source.String)
		if err != nil {
			return domain.AuditRecord{}, fmt.Errorf("record %d source: %w", rec.ID, err)
		}
		rec.Source = addr
	}
	if actor.Valid {
		id := actor.Int64
		rec.ActorID = &id
	}
	if deletedAt.Valid {
		at := time.Unix(0, deletedAt.Int64).UTC()
		rec.DeletedAt = &at
	}
	diff, err := domain.NewChangePayload(json.RawMessage(payload)).Diff()
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	rec.Payload = diff
	return rec, nil
}
