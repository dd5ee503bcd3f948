package runner

import "time"

// Budget tracks the remaining wall-clock allowance for one invocation.
//
// All polling is a cheap clock read; nothing ever blocks waiting for
// budget to free up. Exhaustion means "defer to next run".
type Budget struct {
	start        time.Time
	max          time.Duration
	minWorkSlice time.Duration
	now          func() time.Time
}

// NewBudget derives the effective budget from the configured run
// duration minus the safety buffer.
func NewBudget(cfg Config, now func() time.Time) *Budget {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	max := cfg.MaxRunDuration - cfg.SafetyBuffer
	if max < 0 {
		max = 0
	}
	return &Budget{
		start:        now(),
		max:          max,
		minWorkSlice: cfg.MinWorkSlice,
		now:          now,
	}
}

// Remaining never goes negative.
func (b *Budget) Remaining() time.Duration {
	left := b.max - b.now().Sub(b.start)
	if left < 0 {
		return 0
	}
	return left
}

func (b *Budget) Exceeded() bool { return b.Remaining() == 0 }

// ShouldStartWork refuses new work units when less than the minimum
// slice remains: a half-finished batch cannot be cleanly aborted
// mid-probe.
func (b *Budget) ShouldStartWork() bool {
	return b.Remaining() >= b.minWorkSlice
}

func (b *Budget) Elapsed() time.Duration { return b.now().Sub(b.start) }
