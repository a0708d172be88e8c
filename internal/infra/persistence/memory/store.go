// Package memory provides in-memory storage, transaction control and an audit
// ledger for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
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

type storedRow struct {
	fields    map[string]any
	deletedAt *time.Time
}

type memoryState struct {
	rows map[domain.EntityType]map[int64]storedRow
}

func newMemoryState() memoryState {
	return memoryState{rows: make(map[domain.EntityType]map[int64]storedRow)}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for entityType, rows := range s.rows {
		cpy := make(map[int64]storedRow, len(rows))
		for id, row := range rows {
			cpy[id] = cloneRow(row)
		}
		out.rows[entityType] = cpy
	}
	return out
}

func cloneRow(row storedRow) storedRow {
	out := storedRow{fields: cloneFields(row.fields)}
	if row.deletedAt != nil {
		at := *row.deletedAt
		out.deletedAt = &at
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
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

// Store keeps entity rows in memory. Transactions work on a cloned state that
// replaces the committed state on commit; one transaction runs at a time.
type Store struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	state  memoryState
	nextID map[domain.EntityType]int64
	unique map[domain.EntityType][]string
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:  newMemoryState(),
		nextID: make(map[domain.EntityType]int64),
		unique: make(map[domain.EntityType][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type transaction struct {
	id    string
	store *Store
	state memoryState
	hooks txhooks.Hooks
}

// StartIfNotStarted opens a transaction unless ctx already carries one of
// this store.
func (s *Store) StartIfNotStarted(ctx context.Context) (context.Context, domain.Tx, bool, error) {
	if tx, ok := s.txFrom(ctx); ok {
		return ctx, tx, true, nil
	}
	tx := s.begin()
	return domain.ContextWithTx(ctx, tx), tx, false, nil
}

func (s *Store) begin() *transaction {
	s.txMu.Lock()
	s.mu.RLock()
	state := s.state.clone()
	s.mu.RUnlock()
	return &transaction{id: uuid.NewString(), store: s, state: state}
}

func (s *Store) txFrom(ctx context.Context) (*transaction, bool) {
	tx, ok := domain.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	mt, ok := tx.(*transaction)
	if !ok || mt.store != s || mt.hooks.Done() {
		return nil, false
	}
	return mt, true
}

func (tx *transaction) ID() string { return tx.id }

func (tx *transaction) OnCommit(fn func(context.Context) error) { tx.hooks.OnCommit(fn) }

func (tx *transaction) OnRollback(fn func()) { tx.hooks.OnRollback(fn) }

func (tx *transaction) Commit(ctx context.Context) error {
	if tx.hooks.Done() {
		return fmt.Errorf("tx %s already finished", tx.id)
	}
	tx.store.mu.Lock()
	tx.store.state = tx.state
	tx.store.mu.Unlock()
	tx.store.txMu.Unlock()
	return tx.hooks.Committed(ctx)
}

func (tx *transaction) Rollback(context.Context) error {
	if tx.hooks.Done() {
		return nil
	}
	tx.store.txMu.Unlock()
	tx.hooks.RolledBack()
	return nil
}

// within runs fn against the transaction carried by ctx, or against a
// short-lived transaction committed immediately.
func (s *Store) within(ctx context.Context, fn func(*memoryState) error) error {
	if tx, ok := s.txFrom(ctx); ok {
		return fn(&tx.state)
	}
	tx := s.begin()
	if err := fn(&tx.state); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Persist inserts a row when id is zero, otherwise replaces the fields of a
// live row.
func (s *Store) Persist(ctx context.Context, entityType domain.EntityType, id int64, fields map[string]any) (int64, error) {
	if entityType == "" {
		return 0, fmt.Errorf("persist: entity type required")
	}
	err := s.within(ctx, func(state *memoryState) error {
		rows := state.rows[entityType]
		if rows == nil {
			rows = make(map[int64]storedRow)
			state.rows[entityType] = rows
		}
		if id != 0 {
			if row, ok := rows[id]; !ok || row.deletedAt != nil {
				return domain.NotFoundError{Entity: entityType, ID: id}
			}
		}
		if err := s.checkUnique(entityType, rows, id, fields); err != nil {
			return err
		}
		if id == 0 {
			id = s.allocate(entityType)
		}
		rows[id] = storedRow{fields: cloneFields(fields)}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) allocate(entityType domain.EntityType) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[entityType]++
	return s.nextID[entityType]
}

func (s *Store) checkUnique(entityType domain.EntityType, rows map[int64]storedRow, id int64, fields map[string]any) error {
	for _, field := range s.unique[entityType] {
		value, ok := fields[field]
		if !ok || value == nil {
			continue
		}
		for otherID, row := range rows {
			if otherID == id || row.deletedAt != nil {
				continue
			}
			if reflect.DeepEqual(row.fields[field], value) {
				return fmt.Errorf("%s.%s=%v: %w", entityType, field, value, domain.ErrDuplicate)
			}
		}
	}
	return nil
}

// SoftDelete tombstones a live row.
func (s *Store) SoftDelete(ctx context.Context, entityType domain.EntityType, id int64, at time.Time) error {
	return s.within(ctx, func(state *memoryState) error {
		row, ok := state.rows[entityType][id]
		if !ok || row.deletedAt != nil {
			return domain.NotFoundError{Entity: entityType, ID: id}
		}
		deleted := at
		row.deletedAt = &deleted
		state.rows[entityType][id] = row
		return nil
	})
}

// Load returns the live rows of entityType whose fields equal every key entry,
// ordered by identity. The identity is exposed under the "id" key.
func (s *Store) Load(ctx context.Context, entityType domain.EntityType, key map[string]any) ([]domain.Row, error) {
	var state memoryState
	if tx, ok := s.txFrom(ctx); ok {
		state = tx.state
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
		state = s.state
	}

	rows := state.rows[entityType]
	ids := make([]int64, 0, len(rows))
	for id, row := range rows {
		if row.deletedAt != nil || !matches(id, row.fields, key) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]domain.Row, 0, len(ids))
	for _, id := range ids {
		row := domain.Row(cloneFields(rows[id].fields))
		row["id"] = id
		out = append(out, row)
	}
	return out, nil
}

func matches(id int64, fields map[string]any, key map[string]any) bool {
	for k, want := range key {
		if k == "id" {
			if got, ok := want.(int64); !ok || got != id {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(fields[k], want) {
			return false
		}
	}
	return true
}
