// Package app assembles the daemon: config, logging, storage, probing,
// alert transport, the check-run scheduler, and its cron trigger.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"upwatch/internal/alert"
	"upwatch/internal/config"
	"upwatch/internal/eventbus"
	"upwatch/internal/probe"
	"upwatch/internal/runner"
	"upwatch/internal/runtime/supervisor"
	"upwatch/internal/store"
	logx "upwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st  *store.Store
	run *runner.Runner
	bus eventbus.Bus

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout.Value(),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	prober := probe.NewHTTP(probe.Config{
		Timeout:   cfg.Probe.Timeout.Value(),
		UserAgent: cfg.Probe.UserAgent,
	}, log.With(logx.String("comp", "probe")))

	dispatch, err := buildDispatcher(cfg, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	run := runner.New(runnerConfig(cfg), runner.Deps{
		Due:      st,
		Locks:    st,
		Status:   st,
		History:  st,
		Probe:    prober,
		Dispatch: dispatch,
	}, nil, nil, log.With(logx.String("comp", "runner")), bus)

	return &App{
		cfgm: cfgm,
		logs: logSvc,
		log:  log,
		st:   st,
		run:  run,
		bus:  bus,
	}, nil
}

func buildDispatcher(cfg *config.Config, log logx.Logger) (alert.Dispatcher, error) {
	switch cfg.Alert.Mode {
	case "telegram":
		return alert.NewTelegram(alert.TelegramConfig{
			Token:      cfg.Alert.Telegram.Token,
			ChatID:     cfg.Alert.Telegram.ChatID,
			RatePerMin: cfg.Alert.Telegram.RatePerMin,
		}, log.With(logx.String("comp", "alert")))
	default:
		return alert.LogDispatcher{Log: log.With(logx.String("comp", "alert"))}, nil
	}
}

func runnerConfig(cfg *config.Config) runner.Config {
	r := cfg.Runner
	return runner.Config{
		MaxRunDuration:    r.MaxRunDuration.Value(),
		LockTTL:           r.LockTTL.Value(),
		LockHeartbeat:     r.LockHeartbeat.Value(),
		BreakerThreshold:  r.BreakerThreshold,
		PageSize:          r.PageSize,
		MaxPages:          r.MaxPages,
		TargetInFlight:    r.TargetInFlight,
		BatchCap:          r.BatchCap,
		SmoothRatePerSec:  r.SmoothRatePerSec,
		ProbeTimeout:      cfg.Probe.Timeout.Value(),
		TransientFlipAt:   r.TransientFlipAt,
		RecheckDelay:      r.RecheckDelay.Value(),
		RecheckCooldown:   r.RecheckCooldown.Value(),
		DisableAfterFails: r.DisableAfterFails,
		History: runner.HistoryConfig{
			MaxAttempts: r.History.MaxAttempts,
			MaxAge:      r.History.MaxAge.Value(),
			BaseDelay:   r.History.BaseDelay.Value(),
			MaxDelay:    r.History.MaxDelay.Value(),
			FlushEvery:  r.History.FlushEvery,
		},
	}
}

// Runner exposes the scheduler core for registration tooling and tests.
func (a *App) Runner() *runner.Runner { return a.run }

func (a *App) Store() *store.Store { return a.st }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", a.applyLoop)

	if a.cfgm.Get().Scheduler.Enabled {
		a.sup.Go("cron", a.cronLoop)
	} else {
		a.log.Warn("scheduler disabled; runs must be triggered externally")
	}

	a.sup.Go("events", a.eventLoop)
	a.sup.Go("sdnotify", watchdogLoop)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// cronLoop drives the scheduler on a fixed interval. The cron is
// rebuilt when hot reload changes the interval.
func (a *App) cronLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	for {
		interval := a.cfgm.Get().Interval()
		c := cron.New()
		_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			switch err := a.run.Run(ctx); {
			case err == nil:
			case errors.Is(err, runner.ErrLockHeld),
				errors.Is(err, runner.ErrCircuitOpen),
				errors.Is(err, runner.ErrShuttingDown):
				a.log.Debug("check run skipped", logx.Err(err))
			default:
				a.log.Error("check run failed", logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		c.Start()
		a.log.Info("scheduler armed", logx.Duration("interval", interval))

		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			return nil
		case cfg := <-sub:
			<-c.Stop().Done()
			if cfg.Interval() == interval {
				continue
			}
			a.log.Info("scheduler interval changed", logx.Duration("interval", cfg.Interval()))
		}
	}
}

// applyLoop pushes hot-reloaded config into the logging service and
// the runner tunables.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-sub:
			a.logs.Apply(logx.Config{
				Level:   cfg.Log.Level,
				Console: cfg.Log.Console,
				File: logx.FileConfig{
					Enabled: cfg.Log.File.Enabled,
					Path:    cfg.Log.File.Path,
				},
			})
			// Runner tunables apply from the next run; an in-flight run
			// keeps its snapshot.
			a.run.UpdateConfig(runnerConfig(cfg))
		}
	}
}

// eventLoop mirrors run lifecycle events into the log at debug level.
func (a *App) eventLoop(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("kind", e.Kind()), logx.Any("data", e.Payload))
		}
	}
}

// watchdogLoop services the systemd watchdog when one is configured.
func watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// Stop drains in-flight work through the shutdown coordinator, then
// tears down background loops and closes resources.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Flush buffers and release the run lock before cutting contexts so
	// an in-flight run lands durably. StateRequested means no run was
	// active; there is nothing to wait for.
	coord := a.run.Coordinator()
	coord.Trigger(ctx)
	if coord.State() != runner.StateRequested {
		_ = coord.Wait(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	_ = a.st.Close()
	_ = a.logs.Close()
	return err
}
