package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cytocore/pkg/domain"
)

// acquireLockSQL is a single conditional upsert. The WHERE on the update arm
// only fires when the existing holder's lease has expired, so acquisition
// never degrades into a read-then-write. RowsAffected decides the outcome:
// 1 means the row was inserted or reclaimed, 0 means a live holder exists.
const acquireLockSQL = `INSERT INTO init_locks (name, holder, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	holder = excluded.holder,
	acquired_at = excluded.acquired_at,
	expires_at = excluded.expires_at
WHERE init_locks.expires_at <= excluded.acquired_at`

// TryAcquireLock attempts the named lock. It fails closed: a store error
// reports the lock as not acquired alongside a StoreUnavailableError.
func (s *Store) TryAcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.bind(acquireLockSQL),
		name, holder, now.Format(timeLayout), now.Add(ttl).Format(timeLayout))
	if err != nil {
		return false, domain.StoreUnavailableError{Op: "acquire lock", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.StoreUnavailableError{Op: "acquire lock", Err: err}
	}
	return n == 1, nil
}

// ReleaseLock deletes the lock row only if holder still owns it. A release
// arriving after TTL expiry handed the lock to someone else matches no row
// and is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`DELETE FROM init_locks WHERE name = ? AND holder = ?`), name, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// IsLockHeld reports whether a non-expired holder currently owns name.
func (s *Store) IsLockHeld(ctx context.Context, name string) (bool, error) {
	var expiresAt string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT expires_at FROM init_locks WHERE name = ?`), name).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock probe %s: %w", name, err)
	}
	return expiresAt > s.now().UTC().Format(timeLayout), nil
}
