package domain

import (
	"context"
	"time"
)

// Row is a flat field mapping produced by a RowLoader.
type Row map[string]any

// RowLoader fetches raw rows for an entity type. Key fields are matched by
// equality; rows come back ordered by identity.
type RowLoader interface {
	Load(ctx context.Context, entityType EntityType, key map[string]any) ([]Row, error)
}

// Storage persists entity fields. Persist inserts when id is zero and returns
// the assigned identity; otherwise it updates the row and returns id.
type Storage interface {
	Persist(ctx context.Context, entityType EntityType, id int64, fields map[string]any) (int64, error)
	SoftDelete(ctx context.Context, entityType EntityType, id int64, at time.Time) error
}

// Tx is an open transaction. Hooks run at most once: commit hooks after the
// data is durable, rollback hooks after a rollback or failed commit.
type Tx interface {
	ID() string
	OnCommit(fn func(ctx context.Context) error)
	OnRollback(fn func())
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxControl opens transactions. When ctx already carries a transaction of the
// same backend it is returned with alreadyStarted set and the caller must not
// commit it.
type TxControl interface {
	StartIfNotStarted(ctx context.Context) (txCtx context.Context, tx Tx, alreadyStarted bool, err error)
}

type txKey struct{}

// ContextWithTx returns a copy of ctx carrying tx.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// LabelProvider resolves a localized display label for an entity.
type LabelProvider interface {
	LabelFor(ctx context.Context, entity Entity, locale string) (string, error)
}

// LabelFunc adapts a function to LabelProvider.
type LabelFunc func(ctx context.Context, entity Entity, locale string) (string, error)

// LabelFor calls f.
func (f LabelFunc) LabelFor(ctx context.Context, entity Entity, locale string) (string, error) {
	return f(ctx, entity, locale)
}

// Hierarchical entities reference an optional parent of the same type.
type Hierarchical interface {
	Entity
	ParentIdentity() (int64, bool)
}
