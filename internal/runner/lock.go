package runner

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	logx "upwatch/pkg/logx"
)

// RunLock is the leader lease preventing two overlapping invocations.
//
// Acquire is one atomic conditional write in the store; contention never
// waits or retries. The safe failure mode is a missed cycle, not a queue
// of retries stacking up behind a slow run.
type RunLock struct {
	store LockStore
	owner string
	ttl   time.Duration
	log   logx.Logger
}

func NewRunLock(store LockStore, ttl time.Duration, log logx.Logger) *RunLock {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &RunLock{
		store: store,
		owner: fmt.Sprintf("%s-%d-%x", host, os.Getpid(), rand.Int63()),
		ttl:   ttl,
		log:   log,
	}
}

func (l *RunLock) Owner() string { return l.owner }

// Acquire returns false on contention (not an error).
func (l *RunLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.AcquireLock(ctx, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		l.log.Debug("run lock held elsewhere; skipping cycle", logx.String("owner", l.owner))
	}
	return ok, nil
}

// Extend pushes the expiry forward. ErrLockLost aborts the run.
func (l *RunLock) Extend(ctx context.Context) error {
	return l.store.ExtendLock(ctx, l.owner, l.ttl)
}

// Release is best-effort and idempotent; it never blocks run cleanup on
// failure.
func (l *RunLock) Release(ctx context.Context) {
	if err := l.store.ReleaseLock(ctx, l.owner); err != nil {
		l.log.Warn("run lock release failed", logx.String("owner", l.owner), logx.Err(err))
	}
}

// Heartbeat extends the lock every interval until ctx is done. A failed
// extend calls onLost once and stops; the run must abort.
func (l *RunLock) Heartbeat(ctx context.Context, interval time.Duration, onLost func(error)) {
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Error("run lock heartbeat failed", logx.String("owner", l.owner), logx.Err(err))
				if onLost != nil {
					onLost(err)
				}
				return
			}
			l.log.Debug("run lock extended", logx.String("owner", l.owner))
		}
	}
}
