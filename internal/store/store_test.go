package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"upwatch/internal/model"
	"upwatch/internal/runner"
	logx "upwatch/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "upwatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCheck(t *testing.T, s *Store, id string, nextAt int64) {
	t.Helper()
	err := s.UpsertCheck(context.Background(), model.Check{
		ID:               id,
		URL:              "https://" + id + ".test",
		Enabled:          true,
		FrequencyMinutes: 5,
		NextCheckAt:      nextAt,
		Status:           model.StatusUnknown,
		ImmediateRecheck: true,
	})
	if err != nil {
		t.Fatalf("UpsertCheck(%s) = %v", id, err)
	}
}

func TestLockAcquireContention(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(a) = %v/%v, want true", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock(b) error = %v", err)
	}
	if ok {
		t.Fatal("AcquireLock(b) = true while a holds the lease, want false")
	}

	// Reacquiring your own lease always succeeds.
	ok, err = s.AcquireLock(ctx, "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(a again) = %v/%v, want true", ok, err)
	}

	if err := s.ReleaseLock(ctx, "owner-a"); err != nil {
		t.Fatalf("ReleaseLock(a) = %v", err)
	}
	ok, err = s.AcquireLock(ctx, "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(b) after release = %v/%v, want true", ok, err)
	}
}

func TestLockExpiredLeaseIsTakeable(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if ok, err := s.AcquireLock(ctx, "owner-a", -time.Second); err != nil || !ok {
		t.Fatalf("AcquireLock(a, expired) = %v/%v", ok, err)
	}
	ok, err := s.AcquireLock(ctx, "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(b) over expired lease = %v/%v, want true", ok, err)
	}
}

func TestLockExtend(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "owner-a", time.Minute); !ok {
		t.Fatal("AcquireLock failed")
	}
	if err := s.ExtendLock(ctx, "owner-a", time.Minute); err != nil {
		t.Fatalf("ExtendLock(own lease) = %v", err)
	}
	if err := s.ExtendLock(ctx, "owner-b", time.Minute); !errors.Is(err, runner.ErrLockLost) {
		t.Fatalf("ExtendLock(foreign lease) = %v, want ErrLockLost", err)
	}

	if err := s.ReleaseLock(ctx, "owner-a"); err != nil {
		t.Fatalf("ReleaseLock = %v", err)
	}
	if err := s.ExtendLock(ctx, "owner-a", time.Minute); !errors.Is(err, runner.ErrLockLost) {
		t.Fatalf("ExtendLock(released lease) = %v, want ErrLockLost", err)
	}
}

func TestDuePageKeyset(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	// Duplicate due times exercise the id tiebreak.
	for i := 0; i < 12; i++ {
		seedCheck(t, s, fmt.Sprintf("c%02d", i), int64(1000+i/4))
	}
	// Not yet due, and disabled: both excluded.
	seedCheck(t, s, "future", 9000)
	seedCheck(t, s, "off", 1000)
	if err := s.FlushStatus(ctx, map[string]model.StatusUpdate{
		"off": {Enabled: model.Ptr(false)},
	}); err != nil {
		t.Fatalf("FlushStatus = %v", err)
	}

	var got []string
	after := runner.Cursor{}
	for {
		page, err := s.DuePage(ctx, 5000, after, 5)
		if err != nil {
			t.Fatalf("DuePage = %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			got = append(got, c.ID)
		}
		last := page[len(page)-1]
		after = runner.Cursor{NextCheckAt: last.NextCheckAt, ID: last.ID}
		if len(page) < 5 {
			break
		}
	}

	if len(got) != 12 {
		t.Fatalf("paged %d checks, want 12: %v", len(got), got)
	}
	seen := map[string]bool{}
	for _, id := range got {
		if id == "future" || id == "off" {
			t.Fatalf("check %s must not be served", id)
		}
		if seen[id] {
			t.Fatalf("check %s served twice across pages", id)
		}
		seen[id] = true
	}
}

func TestFlushStatusPartialUpdate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	seedCheck(t, s, "c1", 1000)

	err := s.FlushStatus(ctx, map[string]model.StatusUpdate{
		"c1": {
			Status:           model.Ptr(model.StatusOnline),
			LastStatusCode:   model.Ptr(200),
			ConsecutiveOKs:   model.Ptr(3),
			ConsecutiveFails: model.Ptr(0),
			NextCheckAt:      model.Ptr(int64(2000)),
		},
	})
	if err != nil {
		t.Fatalf("FlushStatus = %v", err)
	}

	c, err := s.GetCheck(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCheck = %v", err)
	}
	if c.Status != model.StatusOnline || c.LastStatusCode != 200 || c.ConsecutiveOKs != 3 {
		t.Fatalf("check = %+v, want flushed fields applied", c)
	}
	if c.NextCheckAt != 2000 {
		t.Fatalf("NextCheckAt = %d, want 2000", c.NextCheckAt)
	}
	// Untouched fields keep their registration values.
	if c.URL != "https://c1.test" || !c.Enabled || c.FrequencyMinutes != 5 {
		t.Fatalf("untouched fields were mutated: %+v", c)
	}
}

func TestUpsertCheckPreservesRuntimeState(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	seedCheck(t, s, "c1", 1000)

	if err := s.FlushStatus(ctx, map[string]model.StatusUpdate{
		"c1": {Status: model.Ptr(model.StatusOffline), ConsecutiveFails: model.Ptr(4)},
	}); err != nil {
		t.Fatalf("FlushStatus = %v", err)
	}

	// Re-registering updates definition fields only.
	if err := s.UpsertCheck(ctx, model.Check{
		ID:               "c1",
		URL:              "https://renamed.test",
		Enabled:          true,
		FrequencyMinutes: 10,
		NextCheckAt:      3000,
		Status:           model.StatusUnknown,
	}); err != nil {
		t.Fatalf("UpsertCheck = %v", err)
	}

	c, err := s.GetCheck(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCheck = %v", err)
	}
	if c.URL != "https://renamed.test" || c.FrequencyMinutes != 10 {
		t.Fatalf("definition fields not updated: %+v", c)
	}
	if c.Status != model.StatusOffline || c.ConsecutiveFails != 4 {
		t.Fatalf("runtime state clobbered by upsert: %+v", c)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	seedCheck(t, s, "c1", 1000)

	for i := 0; i < 5; i++ {
		err := s.InsertHistory(ctx, model.HistoryRecord{
			CheckID:        "c1",
			At:             int64(1000 + i),
			Status:         model.StatusOnline,
			StatusCode:     200,
			ResponseTimeMS: int64(100 + i),
			DetailedStatus: "up",
		})
		if err != nil {
			t.Fatalf("InsertHistory = %v", err)
		}
	}
	if err := s.FlushHistory(ctx); err != nil {
		t.Fatalf("FlushHistory = %v", err)
	}

	recs, err := s.RecentHistory(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("RecentHistory = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("RecentHistory returned %d records, want 3", len(recs))
	}
	if recs[0].At != 1004 {
		t.Fatalf("newest record At = %d, want 1004", recs[0].At)
	}
}

func TestGetCheckMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.GetCheck(context.Background(), "nope"); err == nil {
		t.Fatal("GetCheck(missing) = nil error, want not-found")
	}
}
