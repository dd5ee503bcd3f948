package runner

import (
	"context"
	"time"

	"upwatch/internal/alert"
	"upwatch/internal/model"
)

// Config controls one check-run invocation.
//
// The app layer maps config.runner into this struct; zero values get
// sane defaults via withDefaults().
type Config struct {
	// MaxRunDuration is the wall-clock allowance for one invocation.
	// The effective budget subtracts SafetyBuffer.
	MaxRunDuration time.Duration
	SafetyBuffer   time.Duration
	// MinWorkSlice refuses new batch groups when less than this remains.
	MinWorkSlice time.Duration

	LockTTL           time.Duration
	LockHeartbeat     time.Duration
	BreakerThreshold  int
	PageSize          int
	MaxPages          int
	TargetInFlight    int
	BatchCap          int
	MinBatchSize      int
	MaxBatchSize      int
	SmoothRatePerSec  float64
	ProbeTimeout      time.Duration
	TransientFlipAt   int
	RecheckDelay      time.Duration
	RecheckCooldown   time.Duration
	DisableAfterFails int
	ResponseTolerance time.Duration

	History HistoryConfig
}

// HistoryConfig bounds the history retry queue.
type HistoryConfig struct {
	MaxAttempts int
	MaxAge      time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	FlushEvery  int
}

func (c Config) withDefaults() Config {
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 10 * time.Minute
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = 30 * time.Second
	}
	if c.MinWorkSlice <= 0 {
		c.MinWorkSlice = 45 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 25 * time.Minute
	}
	if c.LockHeartbeat < time.Minute {
		c.LockHeartbeat = time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.TargetInFlight <= 0 {
		c.TargetInFlight = 40
	}
	if c.BatchCap <= 0 {
		c.BatchCap = 10
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 5
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.TransientFlipAt <= 0 {
		c.TransientFlipAt = 2
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = 20 * time.Second
	}
	if c.RecheckCooldown <= 0 {
		c.RecheckCooldown = 5 * time.Minute
	}
	if c.DisableAfterFails <= 0 {
		c.DisableAfterFails = 50
	}
	if c.ResponseTolerance <= 0 {
		c.ResponseTolerance = 100 * time.Millisecond
	}
	if c.History.MaxAttempts <= 0 {
		c.History.MaxAttempts = 8
	}
	if c.History.MaxAge <= 0 {
		c.History.MaxAge = 10 * time.Minute
	}
	if c.History.BaseDelay <= 0 {
		c.History.BaseDelay = time.Second
	}
	if c.History.MaxDelay <= 0 {
		c.History.MaxDelay = 30 * time.Second
	}
	if c.History.FlushEvery <= 0 {
		c.History.FlushEvery = 25
	}
	return c
}

// ---- Collaborator contracts (implemented outside the core) ----

// DueSource streams pages of due checks ordered by (next_check_at, id).
type DueSource interface {
	DuePage(ctx context.Context, now int64, after Cursor, limit int) ([]model.Check, error)
}

// LockStore provides the atomic conditional writes behind the run lock.
type LockStore interface {
	AcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	// ExtendLock returns ErrLockLost when the lock is missing or owned
	// by someone else.
	ExtendLock(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, owner string) error
}

// HistorySink persists evaluation records (buffered analytics store).
type HistorySink interface {
	InsertHistory(ctx context.Context, rec model.HistoryRecord) error
	FlushHistory(ctx context.Context) error
}

// StatusSink durably persists buffered per-check mutations.
type StatusSink interface {
	FlushStatus(ctx context.Context, updates map[string]model.StatusUpdate) error
}

// Prober executes one endpoint probe. Internals are a black box here.
type Prober interface {
	Probe(ctx context.Context, c model.Check) model.ProbeResult
}

// DisablePolicy lets deployments veto further probing of a check
// (tier limits, abuse handling). Nil means no custom policy.
type DisablePolicy func(c model.Check) (reason string, disable bool)

// Dispatcher delivers alerts; see alert.Dispatcher.
type Dispatcher = alert.Dispatcher

// RunStats summarizes one invocation for logs and the event bus.
type RunStats struct {
	Pages        int
	Evaluated    int
	Transitions  int
	AlertsSent   int
	Disabled     int
	HistoryDrops uint64
	Truncated    bool
	Aborted      bool
	AbortReason  string
	Took         time.Duration
}
