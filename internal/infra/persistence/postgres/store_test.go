package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"cytocore/pkg/domain"
)

// stubConn records statements so tests can assert on the SQL the store
// emits without a live server.
type stubConn struct {
	mu    sync.Mutex
	execs []string
}

func (c *stubConn) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unused") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return stubTx{}, nil }
func (c *stubConn) Ping(context.Context) error          { return nil }

func (c *stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	c.execs = append(c.execs, query)
	c.mu.Unlock()
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if strings.Contains(query, "SELECT EXISTS") {
		return &stubRows{values: []driver.Value{false}}, nil
	}
	// Everything else reports no rows (fresh store).
	return &stubRows{}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	values []driver.Value
	done   bool
}

func (r *stubRows) Columns() []string { return []string{"v"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.done || len(r.values) == 0 {
		return io.EOF
	}
	dest[0] = r.values[0]
	r.done = true
	return nil
}

type stubConnector struct{ conn *stubConn }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c stubConnector) Driver() driver.Driver                        { return nil }

func newStubStore(t *testing.T) (*Store, *stubConn) {
	t.Helper()
	conn := &stubConn{}
	db := sql.OpenDB(stubConnector{conn: conn})
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := newStubStore(t)
	var sawSamples, sawLocks, sawMeta bool
	for _, stmt := range conn.recorded() {
		upper := strings.ToUpper(stmt)
		if !strings.Contains(upper, "CREATE TABLE IF NOT EXISTS") {
			continue
		}
		switch {
		case strings.Contains(stmt, "samples"):
			sawSamples = true
		case strings.Contains(stmt, "init_locks"):
			sawLocks = true
		case strings.Contains(stmt, "meta"):
			sawMeta = true
		}
	}
	if !sawSamples || !sawLocks || !sawMeta {
		t.Fatalf("schema statements missing (samples=%v locks=%v meta=%v)", sawSamples, sawLocks, sawMeta)
	}
}

func TestTryAcquireLockUsesPositionalPlaceholders(t *testing.T) {
	store, conn := newStubStore(t)
	acquired, err := store.TryAcquireLock(context.Background(), domain.InitLockName, "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatalf("stub reports one affected row, acquire should succeed")
	}
	stmts := conn.recorded()
	last := stmts[len(stmts)-1]
	if !strings.Contains(last, "ON CONFLICT (name) DO UPDATE") {
		t.Fatalf("lock statement is not a conditional upsert: %s", last)
	}
	if !strings.Contains(last, "$4") || strings.Contains(last, "?") {
		t.Fatalf("placeholders not rebound for postgres: %s", last)
	}
	if !strings.Contains(last, "init_locks.expires_at <= excluded.acquired_at") {
		t.Fatalf("expiry guard missing from upsert: %s", last)
	}
}

func TestGenerationFreshStoreIsZero(t *testing.T) {
	store, _ := newStubStore(t)
	gen, err := store.Generation(context.Background())
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if gen != 0 {
		t.Fatalf("fresh store should report generation 0, got %d", gen)
	}
}
