package runner

import (
	"time"

	"upwatch/internal/model"
)

// Evaluator turns one probe result into a status-transition decision.
//
// States: unknown → online ⇄ offline. Transient errors (timeouts,
// 5xx from a reachable host) are dampened: status holds at online until
// TransientFlipAt consecutive transient errors confirm the condition.
type Evaluator struct {
	cfg    Config
	policy DisablePolicy
	now    func() time.Time
}

func NewEvaluator(cfg Config, policy DisablePolicy, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{cfg: cfg.withDefaults(), policy: policy, now: now}
}

// Evaluation is the decision for one check.
type Evaluation struct {
	CheckID   string
	OldStatus model.Status // durable prior status, pre-resolution
	NewStatus model.Status

	// Update carries the fields to buffer. Bookkeeping fields are always
	// set; detail fields only when something actually changed.
	Update  model.StatusUpdate
	History model.HistoryRecord

	// FirstTransient marks the first transient failure of a new
	// sequence while status is held: a non-status-changing "error"
	// alert is still attempted.
	FirstTransient bool
	Changed        bool
	Fails          int
	OKs            int
}

// ShouldDisable is consulted before probing. A check over the failure
// ceiling, or vetoed by the custom policy, is disabled rather than
// evaluated.
func (e *Evaluator) ShouldDisable(c model.Check) (string, bool) {
	if c.ConsecutiveFails > e.cfg.DisableAfterFails {
		return "exceeded consecutive failure ceiling", true
	}
	if e.policy != nil {
		if reason, disable := e.policy(c); disable {
			return reason, true
		}
	}
	return "", false
}

// Evaluate applies the state machine to a prior check record and a
// fresh probe result. The prior record should already reflect any
// buffered-but-unflushed counters for this run.
func (e *Evaluator) Evaluate(c model.Check, res model.ProbeResult) Evaluation {
	now := e.now()
	nowMS := now.UnixMilli()
	respMS := res.ResponseTime.Milliseconds()

	up := res.Status == model.StatusOnline
	transient := res.Timeout() || (res.StatusCode >= 500 && res.StatusCode < 600)

	ev := Evaluation{CheckID: c.ID, OldStatus: c.Status}

	switch {
	case up:
		ev.OKs = c.ConsecutiveOKs + 1
		ev.Fails = 0
		ev.NewStatus = model.StatusOnline
	default:
		ev.Fails = c.ConsecutiveFails + 1
		ev.OKs = 0
		if transient && c.Status == model.StatusOnline && ev.Fails < e.cfg.TransientFlipAt {
			// Hold the prior status; record the failure anyway.
			ev.NewStatus = model.StatusOnline
			ev.FirstTransient = ev.Fails == 1
		} else {
			ev.NewStatus = model.StatusOffline
		}
	}

	next := nowMS + c.FrequencyMinutes*60_000
	if !up && ev.Fails == 1 && c.ImmediateRecheck &&
		(c.LastCheckedAt == 0 || nowMS-c.LastCheckedAt >= e.cfg.RecheckCooldown.Milliseconds()) {
		// Verify an anomaly is transient before committing to a
		// downtime alert: re-probe in seconds, not minutes.
		next = nowMS + e.cfg.RecheckDelay.Milliseconds()
	}
	if next <= nowMS {
		next = nowMS + 60_000
	}

	tol := e.cfg.ResponseTolerance.Milliseconds()
	ev.Changed = ev.NewStatus != c.Status ||
		res.StatusCode != c.LastStatusCode ||
		res.DetailedStatus != c.DetailedStatus ||
		res.Err != c.LastError ||
		absDiff(respMS, c.ResponseTimeMS) > tol

	// Bookkeeping fields always move.
	ev.Update = model.StatusUpdate{
		LastCheckedAt:    model.Ptr(nowMS),
		NextCheckAt:      model.Ptr(next),
		ConsecutiveFails: model.Ptr(ev.Fails),
		ConsecutiveOKs:   model.Ptr(ev.OKs),
	}
	if ev.Changed {
		ev.Update.Status = model.Ptr(ev.NewStatus)
		ev.Update.LastStatusCode = model.Ptr(res.StatusCode)
		ev.Update.DetailedStatus = model.Ptr(res.DetailedStatus)
		ev.Update.LastError = model.Ptr(res.Err)
		ev.Update.ResponseTimeMS = model.Ptr(respMS)
	}
	if res.SSLExpiresAt > 0 && res.SSLExpiresAt != c.SSLExpiresAt {
		ev.Update.SSLExpiresAt = model.Ptr(res.SSLExpiresAt)
	}

	ev.History = model.HistoryRecord{
		CheckID:        c.ID,
		At:             nowMS,
		Status:         ev.NewStatus,
		StatusCode:     res.StatusCode,
		ResponseTimeMS: respMS,
		DetailedStatus: res.DetailedStatus,
		Error:          res.Err,
	}
	return ev
}

// ResolveOldStatus picks the previous status used for transition
// detection: the in-memory buffer if it disagrees with the detected
// status, else the durable record if that disagrees, else unchanged.
// This ordering keeps a concurrent immediate-recheck from masking a
// transition that is buffered but not yet flushed. It is a heuristic:
// if both tiers are stale in the same direction a transition can still
// be masked.
func ResolveOldStatus(buffered model.Status, haveBuffered bool, durable, detected model.Status) model.Status {
	if haveBuffered && buffered != detected {
		return buffered
	}
	if durable != detected {
		return durable
	}
	return detected
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
