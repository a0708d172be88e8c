// Package sqlite provides SQLite-backed entity storage, transaction control
// and an audit ledger using the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"entitycore/pkg/domain"
)

const defaultPath = "entitycore.db"

const ledgerSchema = `CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	external_id INTEGER NOT NULL,
	operation TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	source TEXT,
	actor_id INTEGER,
	reason TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS audit_records_entity ON audit_records(entity_type, external_id, operation)`

// Open opens (creating when needed) the database at path and applies the
// ledger schema. Writers are serialized on a single connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		path = defaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", mapError(err))
	}
	for _, stmt := range strings.Split(ledgerSchema, ";\n") {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return db, nil
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TableName returns the table holding rows of entityType: the pluralized
// snake_case form of the type ("userAddress" becomes "user_addresses").
func TableName(entityType domain.EntityType) (string, error) {
	name := inflection.Plural(toSnakeCase(string(entityType)))
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid entity type %q for table name", entityType)
	}
	return name, nil
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mapError translates driver failures into domain error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
		case isUnavailableCode(code & 0xff):
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

func isUnavailableCode(code int) bool {
	switch code {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
		sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
		return true
	default:
		return false
	}
}
