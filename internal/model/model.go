// Package model holds the shared domain types for upwatch: monitored
// checks, probe results, buffered status updates and history records.
package model

import "time"

// Status is the monitored state of a check.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Probe status codes outside the HTTP range.
const (
	// CodeTimeout marks a probe that exceeded its deadline.
	CodeTimeout = -1
	// CodeUnreachable marks a probe that failed before an HTTP status
	// was available (DNS, connect, TLS).
	CodeUnreachable = 0
)

// Check is one user-registered endpoint.
//
// The scheduler owns status/bookkeeping mutations; registration fields
// (URL, frequency, enabled flag) belong to the configuration subsystem.
// Timestamps are epoch milliseconds to keep the store schema flat.
type Check struct {
	ID               string `db:"id"`
	URL              string `db:"url"`
	Enabled          bool   `db:"enabled"`
	FrequencyMinutes int64  `db:"frequency_minutes"`
	NextCheckAt      int64  `db:"next_check_at"`

	Status         Status `db:"status"`
	LastStatusCode int    `db:"last_status_code"`
	DetailedStatus string `db:"detailed_status"`
	LastError      string `db:"last_error"`
	LastCheckedAt  int64  `db:"last_checked_at"`
	ResponseTimeMS int64  `db:"response_time_ms"`

	// Exactly one of these is zero after any evaluation.
	ConsecutiveFails int `db:"consecutive_fails"`
	ConsecutiveOKs   int `db:"consecutive_oks"`

	// Flap-suppressed alert intent: a transition whose alert could not be
	// delivered yet, retried on later runs while the direction still holds.
	PendingDownAlert bool  `db:"pending_down_alert"`
	PendingDownSince int64 `db:"pending_down_since"`
	PendingUpAlert   bool  `db:"pending_up_alert"`
	PendingUpSince   int64 `db:"pending_up_since"`

	// ImmediateRecheck opts a check into the short re-probe after the
	// first failure in a new sequence. Default on.
	ImmediateRecheck bool   `db:"immediate_recheck"`
	DisabledReason   string `db:"disabled_reason"`

	// SSLExpiresAt is captured opportunistically from HTTPS probes.
	SSLExpiresAt int64 `db:"ssl_expires_at"`
}

// ProbeResult is the outcome of one endpoint probe.
type ProbeResult struct {
	Status         Status
	StatusCode     int
	DetailedStatus string
	ResponseTime   time.Duration
	Err            string
	SSLExpiresAt   int64
}

// Timeout reports whether the probe hit its deadline.
func (r ProbeResult) Timeout() bool { return r.StatusCode == CodeTimeout }

// HistoryRecord is one durable evaluation record for a check.
type HistoryRecord struct {
	CheckID        string `db:"check_id"`
	At             int64  `db:"at"`
	Status         Status `db:"status"`
	StatusCode     int    `db:"status_code"`
	ResponseTimeMS int64  `db:"response_time_ms"`
	DetailedStatus string `db:"detailed_status"`
	Error          string `db:"error"`
}

// StatusUpdate is a partial, coalescable mutation of one check record.
// Nil fields are untouched; last write wins per field.
type StatusUpdate struct {
	Status           *Status
	LastStatusCode   *int
	DetailedStatus   *string
	LastError        *string
	LastCheckedAt    *int64
	NextCheckAt      *int64
	ResponseTimeMS   *int64
	ConsecutiveFails *int
	ConsecutiveOKs   *int
	PendingDownAlert *bool
	PendingDownSince *int64
	PendingUpAlert   *bool
	PendingUpSince   *int64
	Enabled          *bool
	DisabledReason   *string
	SSLExpiresAt     *int64
}

// Merge overlays o on top of u, field by field.
func (u *StatusUpdate) Merge(o StatusUpdate) {
	if o.Status != nil {
		u.Status = o.Status
	}
	if o.LastStatusCode != nil {
		u.LastStatusCode = o.LastStatusCode
	}
	if o.DetailedStatus != nil {
		u.DetailedStatus = o.DetailedStatus
	}
	if o.LastError != nil {
		u.LastError = o.LastError
	}
	if o.LastCheckedAt != nil {
		u.LastCheckedAt = o.LastCheckedAt
	}
	if o.NextCheckAt != nil {
		u.NextCheckAt = o.NextCheckAt
	}
	if o.ResponseTimeMS != nil {
		u.ResponseTimeMS = o.ResponseTimeMS
	}
	if o.ConsecutiveFails != nil {
		u.ConsecutiveFails = o.ConsecutiveFails
	}
	if o.ConsecutiveOKs != nil {
		u.ConsecutiveOKs = o.ConsecutiveOKs
	}
	if o.PendingDownAlert != nil {
		u.PendingDownAlert = o.PendingDownAlert
	}
	if o.PendingDownSince != nil {
		u.PendingDownSince = o.PendingDownSince
	}
	if o.PendingUpAlert != nil {
		u.PendingUpAlert = o.PendingUpAlert
	}
	if o.PendingUpSince != nil {
		u.PendingUpSince = o.PendingUpSince
	}
	if o.Enabled != nil {
		u.Enabled = o.Enabled
	}
	if o.DisabledReason != nil {
		u.DisabledReason = o.DisabledReason
	}
	if o.SSLExpiresAt != nil {
		u.SSLExpiresAt = o.SSLExpiresAt
	}
}

// Apply mutates c with the set fields of u.
func (u StatusUpdate) Apply(c *Check) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.LastStatusCode != nil {
		c.LastStatusCode = *u.LastStatusCode
	}
	if u.DetailedStatus != nil {
		c.DetailedStatus = *u.DetailedStatus
	}
	if u.LastError != nil {
		c.LastError = *u.LastError
	}
	if u.LastCheckedAt != nil {
		c.LastCheckedAt = *u.LastCheckedAt
	}
	if u.NextCheckAt != nil {
		c.NextCheckAt = *u.NextCheckAt
	}
	if u.ResponseTimeMS != nil {
		c.ResponseTimeMS = *u.ResponseTimeMS
	}
	if u.ConsecutiveFails != nil {
		c.ConsecutiveFails = *u.ConsecutiveFails
	}
	if u.ConsecutiveOKs != nil {
		c.ConsecutiveOKs = *u.ConsecutiveOKs
	}
	if u.PendingDownAlert != nil {
		c.PendingDownAlert = *u.PendingDownAlert
	}
	if u.PendingDownSince != nil {
		c.PendingDownSince = *u.PendingDownSince
	}
	if u.PendingUpAlert != nil {
		c.PendingUpAlert = *u.PendingUpAlert
	}
	if u.PendingUpSince != nil {
		c.PendingUpSince = *u.PendingUpSince
	}
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.DisabledReason != nil {
		c.DisabledReason = *u.DisabledReason
	}
	if u.SSLExpiresAt != nil {
		c.SSLExpiresAt = *u.SSLExpiresAt
	}
}

// Ptr is a tiny helper for building StatusUpdate literals.
func Ptr[T any](v T) *T { return &v }
