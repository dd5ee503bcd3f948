package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// flakySink fails the first failN inserts per record, then succeeds.
type flakySink struct {
	mu      sync.Mutex
	failN   int
	calls   int
	stored  []model.HistoryRecord
	flushes int
}

func (s *flakySink) InsertHistory(_ context.Context, rec model.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("insert failed")
	}
	s.stored = append(s.stored, rec)
	return nil
}

func (s *flakySink) FlushHistory(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func fastHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxAttempts: 8,
		MaxAge:      10 * time.Minute,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		FlushEvery:  4,
	}
}

func TestHistoryQueueRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failN: 3}
	q := NewHistoryQueue(sink, fastHistoryConfig(), nil, logx.Nop())

	q.Enqueue(context.Background(), model.HistoryRecord{CheckID: "c1", At: 1})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if len(sink.stored) != 1 {
		t.Fatalf("stored = %d records, want 1", len(sink.stored))
	}
	if got := q.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d, want 0", got)
	}
	if sink.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", sink.flushes)
	}
}

func TestHistoryQueueDropsAfterAttemptCap(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failN: 1 << 30} // never succeeds
	q := NewHistoryQueue(sink, fastHistoryConfig(), nil, logx.Nop())

	q.Enqueue(context.Background(), model.HistoryRecord{CheckID: "c1", At: 1})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if calls != 8 {
		t.Fatalf("insert attempts = %d, want exactly MaxAttempts", calls)
	}
}

func TestHistoryQueueRetrySurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failN: 1}
	q := NewHistoryQueue(sink, fastHistoryConfig(), nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue(ctx, model.HistoryRecord{CheckID: "c1", At: 1})
	// The run body returning must not strand a record mid-retry.
	cancel()

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if len(sink.stored) != 1 {
		t.Fatalf("stored = %d records, want 1 (retry must outlive the caller)", len(sink.stored))
	}
	if got := q.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d, want 0", got)
	}
}

func TestHistoryQueueCountsCanceledEnqueue(t *testing.T) {
	t.Parallel()

	cfg := fastHistoryConfig()
	cfg.FlushEvery = 1
	sink := &flakySink{}
	q := NewHistoryQueue(sink, cfg, nil, logx.Nop())

	// Occupy the only slot so the enqueue has to wait, then arrive with
	// a dead context. The record is lost and must be counted as such.
	q.slots <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Enqueue(ctx, model.HistoryRecord{CheckID: "c1", At: 1})

	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if sink.calls != 0 {
		t.Fatalf("insert attempts = %d, want 0", sink.calls)
	}
	<-q.slots
}

func TestHistoryQueueFlushDeadlineClosesQueue(t *testing.T) {
	t.Parallel()

	cfg := fastHistoryConfig()
	cfg.MaxAttempts = 1 << 30
	cfg.BaseDelay = 200 * time.Millisecond
	cfg.MaxDelay = 200 * time.Millisecond

	sink := &flakySink{failN: 1 << 30}
	q := NewHistoryQueue(sink, cfg, nil, logx.Nop())
	q.Enqueue(context.Background(), model.HistoryRecord{CheckID: "c1", At: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Flush(ctx); err == nil {
		t.Fatal("Flush() = nil, want deadline error")
	}
	// The deadline closes the queue; the retry gives up instead of
	// leaking past the run.
	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestHistoryQueueDropsOnAge(t *testing.T) {
	t.Parallel()

	cfg := fastHistoryConfig()
	cfg.MaxAttempts = 1 << 30 // only the age cap can fire
	cfg.MaxAge = time.Millisecond
	cfg.BaseDelay = 2 * time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	sink := &flakySink{failN: 1 << 30}
	q := NewHistoryQueue(sink, cfg, nil, logx.Nop())

	q.Enqueue(context.Background(), model.HistoryRecord{CheckID: "c1", At: 1})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestHistoryQueueShutdownDropsFast(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failN: 1 << 30}
	q := NewHistoryQueue(sink, fastHistoryConfig(), func() bool { return true }, logx.Nop())

	q.Enqueue(context.Background(), model.HistoryRecord{CheckID: "c1", At: 1})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1 (no retries during shutdown)", got)
	}
	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if calls != 1 {
		t.Fatalf("insert attempts = %d, want 1", calls)
	}
}

func TestHistoryQueueBoundsOutstandingRetries(t *testing.T) {
	t.Parallel()

	cfg := fastHistoryConfig()
	cfg.FlushEvery = 2
	cfg.MaxAttempts = 2

	sink := &flakySink{failN: 1 << 30}
	q := NewHistoryQueue(sink, cfg, nil, logx.Nop())

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		q.Enqueue(ctx, model.HistoryRecord{CheckID: "c1", At: int64(i)})
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := q.Dropped(); got != 6 {
		t.Fatalf("Dropped() = %d, want 6", got)
	}
}
