package store

import (
	"context"
	"fmt"
	"time"

	"upwatch/internal/runner"
)

const lockName = "check-run"

// AcquireLock is a single atomic conditional write: it succeeds when no
// row exists, the existing lease expired, or the caller already owns
// it. On contention it returns false without blocking.
func (s *Store) AcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_lock(name, owner, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE run_lock.expires_at < ? OR run_lock.owner = excluded.owner`,
		lockName, owner, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExtendLock pushes the lease forward; it fails loudly when the lock
// was stolen or vanished, which must abort the run.
func (s *Store) ExtendLock(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_lock SET expires_at = ? WHERE name = ? AND owner = ? AND expires_at >= ?`,
		now+ttl.Milliseconds(), lockName, owner, now,
	)
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return runner.ErrLockLost
	}
	return nil
}

// ReleaseLock deletes the row only if the caller still owns it.
// Idempotent by construction.
func (s *Store) ReleaseLock(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_lock WHERE name = ? AND owner = ?`, lockName, owner)
	return err
}
