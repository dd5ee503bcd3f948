// Package alert defines the narrow dispatch contract consumed by the
// check-run core, plus the shipped transports (Telegram, log-only).
//
// Formatting, per-user settings and throttling live behind Dispatcher;
// the core only looks at the Outcome.
package alert

import (
	"context"

	"upwatch/internal/model"
)

// Kind distinguishes real status transitions from informational alerts.
type Kind string

const (
	// KindStatus is a real old!=new transition.
	KindStatus Kind = "status"
	// KindError reports the first transient failure in a sequence
	// without a status flip (operators still learn about one-off 502s).
	KindError Kind = "error"
)

// Reason explains a non-delivery.
type Reason string

const (
	ReasonNone             Reason = "none"
	ReasonFlap             Reason = "flap"
	ReasonError            Reason = "error"
	ReasonThrottle         Reason = "throttle"
	ReasonSettings         Reason = "settings"
	ReasonMissingRecipient Reason = "missing_recipient"
)

// Retryable reports whether a non-delivery should leave a pending flag
// for retry on a later run. Everything else is terminal for that
// transition.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonFlap, ReasonError, ReasonThrottle:
		return true
	}
	return false
}

// Alert is one dispatch request.
type Alert struct {
	Check     model.Check
	Kind      Kind
	OldStatus model.Status
	NewStatus model.Status
	Fails     int
	OKs       int
}

// Outcome is the dispatch verdict.
type Outcome struct {
	Delivered bool
	Reason    Reason
}

// Dispatcher delivers one alert. Implementations must be safe for
// concurrent use; the core calls them from many check goroutines.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert) Outcome
}
