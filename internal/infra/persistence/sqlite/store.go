// Package sqlite opens the shared relational store on an embedded SQLite
// database file. Multiple process instances may point at the same file;
// the single-writer busy timeout keeps concurrent bootstrap attempts from
// surfacing SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlitedriver "modernc.org/sqlite"

	"cytocore/internal/infra/persistence/sqldb"
)

// Store is a SQLite-backed persistent store.
type Store struct {
	*sqldb.Store
	path string
}

// NewStore opens (creating if necessary) the database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "cytocore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	inner, err := sqldb.New(ctx, db, dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name: "sqlite",
		DDL:  ddl,
		IsUniqueViolation: func(err error) bool {
			var se *sqlitedriver.Error
			if !errors.As(err, &se) {
				return false
			}
			// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE.
			return se.Code() == 1555 || se.Code() == 2067
		},
	}
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		sample_id TEXT PRIMARY KEY,
		project TEXT,
		subject TEXT,
		condition TEXT,
		age INTEGER,
		sex TEXT,
		treatment TEXT,
		response TEXT,
		sample_type TEXT,
		time_from_treatment_start INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS cell_counts (
		id TEXT PRIMARY KEY,
		sample_id TEXT NOT NULL REFERENCES samples (sample_id),
		population TEXT NOT NULL,
		count INTEGER,
		UNIQUE (sample_id, population)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cell_counts_sample ON cell_counts (sample_id)`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		operation TEXT NOT NULL,
		sample_id TEXT,
		detail TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS init_locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}
