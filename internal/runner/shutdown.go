package runner

import (
	"context"
	"sync"

	logx "upwatch/pkg/logx"
)

// CleanupState is the shutdown coordinator's explicit state machine.
type CleanupState int

const (
	StateIdle CleanupState = iota
	// StateRequested: a signal arrived before any cleanup was
	// registered; the sequence starts as soon as registration occurs.
	StateRequested
	StateRunning
	StateDone
)

// Coordinator intercepts termination and drives exactly one cleanup
// pass. Concurrent signals collapse onto the same memoized execution.
// In-progress loops observe Requested() at their checkpoints rather
// than being preempted.
type Coordinator struct {
	log logx.Logger

	mu      sync.Mutex
	state   CleanupState
	cleanup func(ctx context.Context) error
	release func(ctx context.Context)

	requested  bool
	done       chan struct{}
	cleanupErr error
}

func NewCoordinator(log logx.Logger) *Coordinator {
	return &Coordinator{log: log, done: make(chan struct{})}
}

// Requested is the cooperative shutdown flag polled at checkpoints.
func (c *Coordinator) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

func (c *Coordinator) State() CleanupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register installs the cleanup function and the lock release for the
// active run. If a shutdown request already arrived, the cleanup
// sequence starts immediately.
func (c *Coordinator) Register(cleanup func(ctx context.Context) error, release func(ctx context.Context)) {
	c.mu.Lock()
	c.cleanup = cleanup
	c.release = release
	start := c.state == StateRequested && cleanup != nil
	if start {
		c.state = StateRunning
	}
	c.mu.Unlock()
	if start {
		go c.run(context.Background())
	}
}

// Trigger is called on a termination signal. Idempotent: only the first
// call (with a registered cleanup) starts the sequence.
func (c *Coordinator) Trigger(ctx context.Context) {
	c.mu.Lock()
	c.requested = true
	switch c.state {
	case StateIdle:
		if c.cleanup == nil {
			// Remember the request; Register will start the sequence.
			c.state = StateRequested
			c.mu.Unlock()
			return
		}
		c.state = StateRunning
		c.mu.Unlock()
		go c.run(ctx)
	default:
		// Already requested, running, or done.
		c.mu.Unlock()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	c.mu.Lock()
	cleanup := c.cleanup
	release := c.release
	c.mu.Unlock()

	var err error
	if cleanup != nil {
		err = cleanup(ctx)
		if err != nil {
			c.log.Error("shutdown cleanup failed", logx.Err(err))
		}
	}
	// Lock release happens after cleanup settles, error or not.
	if release != nil {
		release(ctx)
	}

	c.mu.Lock()
	c.state = StateDone
	c.cleanupErr = err
	c.mu.Unlock()
	close(c.done)
}

// Wait blocks until the cleanup sequence finished or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cleanupErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
