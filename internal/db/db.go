// Package db provides the durable local store: connection management,
// embedded schema migrations and repositories for pending orders, the catalog
// cache and deferred triggers.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/posync/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "posync.db"

// DB wraps the sql.DB with till-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the SQLite store in dataDir with:
// - WAL mode so readers see a consistent snapshot while a flush deletes
// - synchronous=NORMAL, which is durable across application crashes in WAL
// - a busy timeout instead of immediate SQLITE_BUSY
// - a single connection, so there is exactly one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "failed to create data directory", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the store at an explicit file path.
func OpenPath(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, fmt.Sprintf("failed to apply %q", p), err)
		}
	}

	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies every embedded migration that has not run yet.
func (db *DB) Migrate() error {
	if err := NewMigrator(db.DB, Migrations()).Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate store", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// storeError maps a driver error onto the store error codes.
func storeError(message string, err error) error {
	if err == nil {
		return nil
	}
	if IsFull(err) {
		return apperrors.Wrap(apperrors.ErrStoreFull, message, err)
	}
	return apperrors.Wrap(apperrors.ErrStoreUnavailable, message, err)
}

// IsFull reports whether err is SQLite running out of space (disk full or
// max_page_count reached).
func IsFull(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
