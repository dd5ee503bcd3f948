package runner

import (
	"context"
	"time"

	"upwatch/internal/alert"
	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// AlertGate decides, per transition, whether the external dispatcher is
// invoked, and tracks the pending/flap flags that survive failed
// deliveries across runs.
type AlertGate struct {
	dispatcher alert.Dispatcher
	log        logx.Logger
	now        func() time.Time
}

func NewAlertGate(d alert.Dispatcher, log logx.Logger, now func() time.Time) *AlertGate {
	if now == nil {
		now = time.Now
	}
	return &AlertGate{dispatcher: d, log: log, now: now}
}

// GateResult reports what the gate did for one evaluation.
type GateResult struct {
	Attempted bool
	Delivered bool
	Reason    alert.Reason
	// Update carries pending-flag mutations to buffer alongside the
	// evaluation's own update.
	Update model.StatusUpdate
}

// Evaluate attempts dispatch on every real status transition (old≠new,
// old≠unknown) and, independently, retries a pending alert whose
// direction still matches. Only flap/error/throttle outcomes keep a
// pending flag; other non-deliveries are terminal for the transition.
func (g *AlertGate) Evaluate(ctx context.Context, c model.Check, oldSt, newSt model.Status, fails, oks int) GateResult {
	transition := oldSt != newSt && oldSt != model.StatusUnknown
	pendingRetry := (c.PendingDownAlert && newSt == model.StatusOffline) ||
		(c.PendingUpAlert && newSt == model.StatusOnline)

	if !transition && !pendingRetry {
		return GateResult{Reason: alert.ReasonNone}
	}

	out := g.dispatcher.Dispatch(ctx, alert.Alert{
		Check:     c,
		Kind:      alert.KindStatus,
		OldStatus: oldSt,
		NewStatus: newSt,
		Fails:     fails,
		OKs:       oks,
	})

	res := GateResult{Attempted: true, Delivered: out.Delivered, Reason: out.Reason}
	nowMS := g.now().UnixMilli()

	switch {
	case out.Delivered:
		res.Update = clearPendingFlags()
	case out.Reason.Retryable():
		// Remember the intent; a later run retries while the direction
		// still holds.
		if newSt == model.StatusOffline {
			res.Update.PendingDownAlert = model.Ptr(true)
			if !c.PendingDownAlert {
				res.Update.PendingDownSince = model.Ptr(nowMS)
			}
		} else {
			res.Update.PendingUpAlert = model.Ptr(true)
			if !c.PendingUpAlert {
				res.Update.PendingUpSince = model.Ptr(nowMS)
			}
		}
		g.log.Debug("alert deferred",
			logx.String("check", c.ID),
			logx.String("reason", string(out.Reason)),
			logx.String("new", string(newSt)),
		)
	default:
		// Terminal non-delivery: settings, missing recipient. No retry
		// for this transition.
		res.Update = clearPendingFlags()
		g.log.Debug("alert suppressed",
			logx.String("check", c.ID),
			logx.String("reason", string(out.Reason)),
		)
	}
	return res
}

// EmitError sends the non-status-changing "error" alert for the first
// transient failure in a sequence. Pending flags are not involved; a
// failed delivery here is simply lost.
func (g *AlertGate) EmitError(ctx context.Context, c model.Check, fails int) GateResult {
	out := g.dispatcher.Dispatch(ctx, alert.Alert{
		Check:     c,
		Kind:      alert.KindError,
		OldStatus: c.Status,
		NewStatus: c.Status,
		Fails:     fails,
	})
	return GateResult{Attempted: true, Delivered: out.Delivered, Reason: out.Reason}
}

func clearPendingFlags() model.StatusUpdate {
	return model.StatusUpdate{
		PendingDownAlert: model.Ptr(false),
		PendingDownSince: model.Ptr(int64(0)),
		PendingUpAlert:   model.Ptr(false),
		PendingUpSince:   model.Ptr(int64(0)),
	}
}
