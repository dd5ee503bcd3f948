package runner

import "sync"

// Breaker is the process-wide consecutive-failure gate for whole runs.
//
// It is an explicit state object rather than an ambient global so tests
// can construct isolated instances. A run only resets it when both the
// run body and its cleanup phase completed without error; a cleanup
// failure alone keeps the breaker counting.
type Breaker struct {
	mu        sync.Mutex
	fails     int
	threshold int
}

func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{threshold: threshold}
}

// Allow reports whether a run may start. While the counter exceeds the
// threshold, scheduled invocations are skipped entirely (no lock
// contention, no work).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails <= b.threshold
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.fails++
	b.mu.Unlock()
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	b.fails = 0
	b.mu.Unlock()
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
