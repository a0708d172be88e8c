package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"entitycore/internal/infra/persistence/txhooks"
	"entitycore/pkg/domain"
)

var (
	_ domain.Storage   = (*Store)(nil)
	_ domain.TxControl = (*Store)(nil)
	_ domain.RowLoader = (*Store)(nil)
	_ domain.Tx        = (*transaction)(nil)
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Option configures a Store.
type Option func(*Store)

// WithUniqueFields declares fields whose values must be unique among the live
// rows of entityType. Violations fail with domain.ErrDuplicate.
func WithUniqueFields(entityType domain.EntityType, fields ...string) Option {
	return func(s *Store) {
		s.unique[entityType] = append(s.unique[entityType], fields...)
	}
}

// Store keeps each entity type in its own table of JSON encoded field sets.
type Store struct {
	db     *sql.DB
	unique map[domain.EntityType][]string

	mu      sync.Mutex
	ensured map[domain.EntityType]string
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		unique:  make(map[domain.EntityType][]string),
		ensured: make(map[domain.EntityType]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

type transaction struct {
	id      string
	store   *Store
	tx      *sql.Tx
	hooks   txhooks.Hooks
	ensured map[domain.EntityType]string
}

// StartIfNotStarted begins a database transaction unless ctx already carries
// one of this store.
func (s *Store) StartIfNotStarted(ctx context.Context) (context.Context, domain.Tx, bool, error) {
	if tx, ok := s.txFrom(ctx); ok {
		return ctx, tx, true, nil
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, false, fmt.Errorf("begin: %w", mapError(err))
	}
	tx := &transaction{
		id:      uuid.NewString(),
		store:   s,
		tx:      sqlTx,
		ensured: make(map[domain.EntityType]string),
	}
	return domain.ContextWithTx(ctx, tx), tx, false, nil
}

func (s *Store) txFrom(ctx context.Context) (*transaction, bool) {
	tx, ok := domain.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	st, ok := tx.(*transaction)
	if !ok || st.store != s || st.hooks.Done() {
		return nil, false
	}
	return st, true
}

func (tx *transaction) ID() string { return tx.id }

func (tx *transaction) OnCommit(fn func(context.Context) error) { tx.hooks.OnCommit(fn) }

func (tx *transaction) OnRollback(fn func()) { tx.hooks.OnRollback(fn) }

func (tx *transaction) Commit(ctx context.Context) error {
	if tx.hooks.Done() {
		return fmt.Errorf("tx %s already finished", tx.id)
	}
	if err := tx.tx.Commit(); err != nil {
		tx.hooks.RolledBack()
		return fmt.Errorf("commit: %w", mapError(err))
	}
	tx.store.mu.Lock()
	for entityType, table := range tx.ensured {
		tx.store.ensured[entityType] = table
	}
	tx.store.mu.Unlock()
	return tx.hooks.Committed(ctx)
}

func (tx *transaction) Rollback(context.Context) error {
	if tx.hooks.Done() {
		return nil
	}
	err := tx.tx.Rollback()
	tx.hooks.RolledBack()
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback: %w", mapError(err))
	}
	return nil
}

func (s *Store) executor(ctx context.Context) (execer, *transaction) {
	if tx, ok := s.txFrom(ctx); ok {
		return tx.tx, tx
	}
	return s.db, nil
}

// table returns the table for entityType, creating it and its unique indexes
// on first use. Tables created inside a transaction are only remembered once
// that transaction commits.
func (s *Store) table(ctx context.Context, exec execer, tx *transaction, entityType domain.EntityType) (string, error) {
	s.mu.Lock()
	table, ok := s.ensured[entityType]
	s.mu.Unlock()
	if ok {
		return table, nil
	}
	if tx != nil {
		if table, ok := tx.ensured[entityType]; ok {
			return table, nil
		}
	}

	table, err := TableName(entityType)
	if err != nil {
		return "", err
	}
	ddl := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fields TEXT NOT NULL,
		deleted_at INTEGER
	)`, table)}
	for _, field := range s.unique[entityType] {
		if !identifierPattern.MatchString(field) {
			return "", fmt.Errorf("invalid unique field %q", field)
		}
		ddl = append(ddl, fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %q ON %q (json_extract(fields, '$.%s')) WHERE deleted_at IS NULL`,
			table+"_"+field+"_unique", table, field))
	}
	for _, stmt := range ddl {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("ensure table %s: %w", table, mapError(err))
		}
	}

	if tx != nil {
		tx.ensured[entityType] = table
	} else {
		s.mu.Lock()
		s.ensured[entityType] = table
		s.mu.Unlock()
	}
	return table, nil
}

// Persist inserts a row when id is zero, otherwise replaces the fields of a
// live row.
func (s *Store) Persist(ctx context.Context, entityType domain.EntityType, id int64, fields map[string]any) (int64, error) {
	exec, tx := s.executor(ctx)
	table, err := s.table(ctx, exec, tx, entityType)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("encode %s fields: %w", entityType, err)
	}

	if id == 0 {
		res, err := exec.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q(fields) VALUES(?)`, table), string(payload))
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", entityType, mapError(err))
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", entityType, err)
		}
		return newID, nil
	}

	res, err := exec.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET fields = ? WHERE id = ? AND deleted_at IS NULL`, table), string(payload), id)
	if err != nil {
		return 0, fmt.Errorf("update %s#%d: %w", entityType, id, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, domain.NotFoundError{Entity: entityType, ID: id}
	}
	return id, nil
}

// SoftDelete tombstones a live row.
func (s *Store) SoftDelete(ctx context.Context, entityType domain.EntityType, id int64, at time.Time) error {
	exec, tx := s.executor(ctx)
	table, err := s.table(ctx, exec, tx, entityType)
	if err != nil {
		return err
	}
	res, err := exec.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, table), at.UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("delete %s#%d: %w", entityType, id, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Entity: entityType, ID: id}
	}
	return nil
}

// Load returns the live rows of entityType whose fields equal every key entry,
// ordered by identity. The identity is exposed under the "id" key.
func (s *Store) Load(ctx context.Context, entityType domain.EntityType, key map[string]any) ([]domain.Row, error) {
	exec, tx := s.executor(ctx)
	table, err := s.table(ctx, exec, tx, entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, fields FROM %q WHERE deleted_at IS NULL`, table)
	var args []any
	for field, value := range key {
		if field == "id" {
			query += ` AND id = ?`
			args = append(args, value)
			continue
		}
		if !identifierPattern.MatchString(field) {
			return nil, fmt.Errorf("invalid key field %q", field)
		}
		query += ` AND json_extract(fields, ?) = ?`
		args = append(args, "$."+field, value)
	}
	query += ` ORDER BY id`

	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entityType, mapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Row
	for rows.Next() {
		var (
			id     int64
			fields string
		)
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entityType, err)
		}
		var decoded domain.Diff
		if err := decoded.UnmarshalJSON([]byte(fields)); err != nil {
			return nil, fmt.Errorf("decode %s#%d: %w", entityType, id, err)
		}
		row := domain.Row(decoded.Map())
		row["id"] = id
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", entityType, mapError(err))
	}
	return out, nil
}
