// Package postgres provides a PostgreSQL audit ledger on top of the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"entitycore/pkg/domain"
)

var _ domain.Ledger = (*Ledger)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entitycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// payload is JSON, not JSONB: stored key order must match the diff.
const schema = `CREATE TABLE IF NOT EXISTS audit_records (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	external_id BIGINT NOT NULL,
	operation TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	source TEXT,
	actor_id BIGINT,
	reason TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	payload JSON NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS audit_records_entity ON audit_records(entity_type, external_id, operation)`

const selectRecords = `SELECT id, entity_type, external_id, operation, created_at, source, actor_id, reason, trace_id, payload, deleted_at
FROM audit_records WHERE deleted_at IS NULL AND entity_type = $1 AND external_id = $2`

// Ledger stores audit records in PostgreSQL.
type Ledger struct {
	db    *sqlx.DB
	nowFn func() time.Time
}

// Open connects to dsn (falls back to a local default), verifies the
// connection and ensures the ledger schema.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", mapError(err))
	}
	ledger := NewLedger(sqlx.NewDb(db, defaultDriver))
	if err := ledger.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewLedger wraps an existing connection pool.
func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source used when requests carry none and
// for tombstones.
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.nowFn = now
	}
}

// DB exposes the underlying pool.
func (l *Ledger) DB() *sqlx.DB { return l.db }

// Close releases the pool.
func (l *Ledger) Close() error { return l.db.Close() }

// EnsureSchema creates the audit table and its index when missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", mapError(err))
		}
	}
	return nil
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
	var source sql.NullString
	if req.Source.IsValid() {
		source = sql.NullString{String: req.Source.String(), Valid: true}
	}
	var actor sql.NullInt64
	if req.ActorID != nil {
		actor = sql.NullInt64{Int64: *req.ActorID, Valid: true}
	}

	query := `INSERT INTO audit_records (entity_type, external_id, operation, created_at, source, actor_id, reason, trace_id, payload)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::json) RETURNING id`
	var id int64
	err = l.db.QueryRowxContext(ctx, query,
		string(req.EntityType), req.ExternalID, string(req.Operation), at.UTC(),
		source, actor, req.Reason, req.TraceID, string(payload.Raw()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", mapError(err))
	}
	return id, nil
}

// QueryByEntity returns the live records of one entity ordered by identity.
func (l *Ledger) QueryByEntity(ctx context.Context, entityType domain.EntityType, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(ctx, selectRecords+` ORDER BY created_at, id`, string(entityType), externalID)
}

// QueryByEntityAndOperation narrows QueryByEntity to one operation.
func (l *Ledger) QueryByEntityAndOperation(ctx context.Context, entityType domain.EntityType, op domain.Operation, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(ctx, selectRecords+` AND operation = $3 ORDER BY created_at, id`, string(entityType), externalID, string(op))
}

// SoftDelete tombstones a record. Tombstoning twice keeps the first marker.
func (l *Ledger) SoftDelete(ctx context.Context, recordID int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE audit_records SET deleted_at = COALESCE(deleted_at, $1) WHERE id = $2`,
		l.nowFn().UTC(), recordID)
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

type recordRow struct {
	ID         int64          `db:"id"`
	EntityType string         `db:"entity_type"`
	ExternalID int64          `db:"external_id"`
	Operation  string         `db:"operation"`
	CreatedAt  time.Time      `db:"created_at"`
	Source     sql.NullString `db:"source"`
	ActorID    sql.NullInt64  `db:"actor_id"`
	Reason     string         `db:"reason"`
	TraceID    string         `db:"trace_id"`
	Payload    []byte         `db:"payload"`
	DeletedAt  sql.NullTime   `db:"deleted_at"`
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	var rows []recordRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit records: %w", mapError(err))
	}
	out := make([]domain.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r recordRow) record() (domain.AuditRecord, error) {
	rec := domain.AuditRecord{
		ID:         r.ID,
		EntityType: domain.EntityType(r.EntityType),
		ExternalID: r.ExternalID,
		Operation:  domain.Operation(r.Operation),
		CreatedAt:  r.CreatedAt.UTC(),
		Reason:     r.Reason,
		TraceID:    r.TraceID,
	}
	if r.Source.Valid && r.Source.String != "" {
		addr, err := netip.ParseAddr(r.Source.String)
		if err != nil {
			return domain.AuditRecord{}, fmt.Errorf("record %d source: %w", r.ID, err)
		}
		rec.Source = addr
	}
	if r.ActorID.Valid {
		actor := r.ActorID.Int64
		rec.ActorID = &actor
	}
	if r.DeletedAt.Valid {
		at := r.DeletedAt.Time.UTC()
		rec.DeletedAt = &at
	}
	diff, err := domain.NewChangePayload(json.RawMessage(r.Payload)).Diff()
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("record %d: %w", r.ID, err)
	}
	rec.Payload = diff
	return rec, nil
}

const uniqueViolation = "23505"

// mapError translates driver failures into domain error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), strings.HasPrefix(pgErr.Code, "53"):
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}
