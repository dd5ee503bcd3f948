package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "upwatch/pkg/logx"
)

// memLockStore is an in-memory LockStore with the same conditional
// semantics as the sqlite implementation.
type memLockStore struct {
	mu      sync.Mutex
	owner   string
	expires time.Time

	extendErr error
	releases  int
}

func (s *memLockStore) AcquireLock(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.owner != "" && s.owner != owner && s.expires.After(now) {
		return false, nil
	}
	s.owner = owner
	s.expires = now.Add(ttl)
	return true, nil
}

func (s *memLockStore) ExtendLock(_ context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extendErr != nil {
		return s.extendErr
	}
	if s.owner != owner || !s.expires.After(time.Now()) {
		return ErrLockLost
	}
	s.expires = time.Now().Add(ttl)
	return nil
}

func (s *memLockStore) ReleaseLock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	if s.owner == owner {
		s.owner = ""
	}
	return nil
}

func TestRunLockContention(t *testing.T) {
	t.Parallel()

	store := &memLockStore{}
	a := NewRunLock(store, time.Minute, logx.Nop())
	b := NewRunLock(store, time.Minute, logx.Nop())

	ok, err := a.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v/%v, want true", ok, err)
	}
	ok, err = b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("second Acquire() = true while lock held, want false")
	}

	a.Release(context.Background())
	ok, err = b.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire() after release = %v/%v, want true", ok, err)
	}
}

func TestRunLockConcurrentAcquireExactlyOne(t *testing.T) {
	t.Parallel()

	store := &memLockStore{}
	const n = 16
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewRunLock(store, time.Minute, logx.Nop())
			ok, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() = %v", err)
				return
			}
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := won.Load(); got != 1 {
		t.Fatalf("%d acquirers won, want exactly 1", got)
	}
}

func TestRunLockExpiredLockIsTakeable(t *testing.T) {
	t.Parallel()

	store := &memLockStore{owner: "stale", expires: time.Now().Add(-time.Second)}
	l := NewRunLock(store, time.Minute, logx.Nop())
	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire() over expired lock = %v/%v, want true", ok, err)
	}
}

func TestRunLockExtendAfterLoss(t *testing.T) {
	t.Parallel()

	store := &memLockStore{}
	l := NewRunLock(store, time.Minute, logx.Nop())
	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatal("Acquire() failed")
	}

	// Another owner steals the row (simulates expiry + takeover).
	store.mu.Lock()
	store.owner = "thief"
	store.mu.Unlock()

	if err := l.Extend(context.Background()); !errors.Is(err, ErrLockLost) {
		t.Fatalf("Extend() = %v, want ErrLockLost", err)
	}
}

func TestRunLockHeartbeatStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &memLockStore{}
	l := NewRunLock(store, time.Minute, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Heartbeat(ctx, time.Minute, func(error) {
			t.Error("onLost fired without an extend failure")
		})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Heartbeat did not return after cancel")
	}
}
