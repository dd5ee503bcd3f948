package alert

import (
	"context"

	logx "upwatch/pkg/logx"
)

// LogDispatcher writes alerts to the log. Used for headless deployments
// and as the fallback when no transport is configured.
type LogDispatcher struct {
	Log logx.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, a Alert) Outcome {
	d.Log.Info("alert",
		logx.String("check", a.Check.ID),
		logx.String("url", a.Check.URL),
		logx.String("kind", string(a.Kind)),
		logx.String("old", string(a.OldStatus)),
		logx.String("new", string(a.NewStatus)),
		logx.Int("fails", a.Fails),
	)
	return Outcome{Delivered: true, Reason: ReasonNone}
}
