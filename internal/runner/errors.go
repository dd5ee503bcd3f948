package runner

import "errors"

var (
	// ErrLockHeld means another invocation, local or remote, owns the
	// run. Expected; the caller skips this cycle.
	ErrLockHeld = errors.New("run lock held by another owner")

	// ErrLockLost means a heartbeat extend found the lock stolen or
	// missing. Fatal to the current run.
	ErrLockLost = errors.New("run lock lost")

	// ErrCircuitOpen means the breaker suppressed this invocation.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrShuttingDown means a termination request arrived before the
	// run could start.
	ErrShuttingDown = errors.New("shutdown requested")
)
