// Package postgres opens the shared relational store on PostgreSQL via the
// pgx stdlib driver. This is the backend that makes the init lock meaningful
// across hosts rather than just across processes on one machine.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"cytocore/internal/infra/persistence/sqldb"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cytocore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a Postgres-backed persistent store.
type Store struct {
	*sqldb.Store
}

// NewStore connects using the provided DSN (falls back to defaultDSN).
func NewStore(ctx context.Context, dsn string) (*Store, error) {
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
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	inner, err := sqldb.New(ctx, db, dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

func dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:       "postgres",
		Positional: true,
		DDL:        ddl,
		IsUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
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
		count BIGINT,
		UNIQUE (sample_id, population)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cell_counts_sample ON cell_counts (sample_id)`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		id BIGSERIAL PRIMARY KEY,
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
		value BIGINT NOT NULL
	)`,
}
