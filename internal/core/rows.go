package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"entitycore/pkg/domain"
)

// RowMapper builds an entity from a raw row.
type RowMapper[T domain.Entity] func(domain.Row) (T, error)

// MapRows maps rows into entities. Every returned entity starts with an
// empty mutation tracker, whatever the mapper recorded while populating it.
func MapRows[T domain.Entity](rows []domain.Row, mapper RowMapper[T]) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		entity, err := mapper(row)
		if err != nil {
			return nil, fmt.Errorf("map row %d: %w", i, err)
		}
		entity.Changes().Clear()
		out = append(out, entity)
	}
	return out, nil
}

// Load fetches rows through loader and maps them.
func Load[T domain.Entity](ctx context.Context, loader domain.RowLoader, entityType domain.EntityType, key map[string]any, mapper RowMapper[T]) ([]T, error) {
	rows, err := loader.Load(ctx, entityType, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entityType, err)
	}
	return MapRows(rows, mapper)
}

// RowInt64 reads an integral column, accepting the numeric shapes produced by
// SQL drivers and JSON decoding.
func RowInt64(row domain.Row, key string) (int64, bool) {
	switch v := row[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// RowString reads a textual column.
func RowString(row domain.Row, key string) (string, bool) {
	switch v := row[key].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
