// Package runner implements the check-run scheduler: the single
// scheduled entry point that decides which checks are due, fans them
// out with bounded concurrency, evaluates probe results into status
// transitions, buffers durable writes, and terminates cleanly within a
// wall-clock budget. A distributed lock prevents overlapping runs, a
// circuit breaker suppresses runs after repeated failures, and history
// writes ride a resilient retry queue.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"upwatch/internal/alert"
	"upwatch/internal/eventbus"
	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// Deps are the external collaborators consumed through narrow
// contracts. Probe internals, alert transports, and storage engines all
// live behind these.
type Deps struct {
	Due      DueSource
	Locks    LockStore
	Status   StatusSink
	History  HistorySink
	Probe    Prober
	Dispatch alert.Dispatcher
	Policy   DisablePolicy
}

type Runner struct {
	cfgMu   sync.RWMutex
	cfg     Config
	deps    Deps
	breaker *Breaker
	coord   *Coordinator
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	// Local single-flight guard; the distributed lock handles other
	// processes, this handles a slow run overlapping the next local
	// trigger.
	inflight atomic.Bool
}

func New(cfg Config, deps Deps, breaker *Breaker, coord *Coordinator, log logx.Logger, bus eventbus.Bus) *Runner {
	cfg = cfg.withDefaults()
	if breaker == nil {
		breaker = NewBreaker(cfg.BreakerThreshold)
	}
	if coord == nil {
		coord = NewCoordinator(log)
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		breaker: breaker,
		coord:   coord,
		log:     log,
		bus:     bus,
		now:     time.Now,
	}
}

func (r *Runner) Breaker() *Breaker         { return r.breaker }
func (r *Runner) Coordinator() *Coordinator { return r.coord }

// UpdateConfig swaps the tunables for subsequent runs. An in-flight run
// keeps the snapshot it started with.
func (r *Runner) UpdateConfig(cfg Config) {
	r.cfgMu.Lock()
	r.cfg = cfg.withDefaults()
	r.cfgMu.Unlock()
}

func (r *Runner) config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// runCounters aggregates per-check results across goroutines.
type runCounters struct {
	evaluated   atomic.Int64
	transitions atomic.Int64
	alerts      atomic.Int64
	disabled    atomic.Int64
}

// Run is the scheduled entry point. Expected skip conditions come back
// as sentinel errors (ErrLockHeld, ErrCircuitOpen, ErrShuttingDown) so
// callers can tell an idle cycle from a failure.
func (r *Runner) Run(ctx context.Context) error {
	if !r.inflight.CompareAndSwap(false, true) {
		r.log.Warn("previous run still in flight; skipping")
		return ErrLockHeld
	}
	defer r.inflight.Store(false)

	if r.coord.Requested() {
		r.publish(eventbus.RunSkipped{Reason: "shutdown"})
		return ErrShuttingDown
	}

	if !r.breaker.Allow() {
		r.log.Warn("circuit breaker open; skipping run", logx.Int("failures", r.breaker.Failures()))
		r.publish(eventbus.RunSkipped{Reason: "circuit_open"})
		return ErrCircuitOpen
	}

	cfg := r.config()
	lock := NewRunLock(r.deps.Locks, cfg.LockTTL, r.log)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		r.breaker.RecordFailure()
		return err
	}
	if !ok {
		r.publish(eventbus.RunSkipped{Reason: "lock_held"})
		return ErrLockHeld
	}

	budget := NewBudget(cfg, r.now)
	buf := NewStatusBuffer()
	histQ := NewHistoryQueue(r.deps.History, cfg.History, r.coord.Requested, r.log)
	gate := NewAlertGate(r.deps.Dispatch, r.log, r.now)
	eval := NewEvaluator(cfg, r.deps.Policy, r.now)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Heartbeat keeps the lease alive; losing it aborts the run.
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		lock.Heartbeat(runCtx, cfg.LockHeartbeat, func(err error) {
			cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
		})
	}()

	// One cleanup execution total, whether the run finishes normally or
	// a termination signal races it through the coordinator. A signal
	// can land while a batch is still in flight; that batch's updates
	// belong in the flush, so cleanup waits for the loop to exit.
	runDone := make(chan struct{})
	var (
		cleanupOnce sync.Once
		cleanupErr  error
	)
	drain := func(cctx context.Context) error {
		cleanupOnce.Do(func() {
			<-runDone
			var errs []error
			if err := buf.Flush(cctx, r.deps.Status); err != nil {
				errs = append(errs, fmt.Errorf("status flush: %w", err))
			}
			if err := histQ.Flush(cctx); err != nil {
				errs = append(errs, fmt.Errorf("history flush: %w", err))
			}
			cleanupErr = errors.Join(errs...)
		})
		return cleanupErr
	}
	var releaseOnce sync.Once
	release := func(cctx context.Context) {
		releaseOnce.Do(func() { lock.Release(cctx) })
	}
	r.coord.Register(drain, release)

	r.log.Info("check run started", logx.String("owner", lock.Owner()), logx.Duration("budget", budget.Remaining()))
	r.publish(eventbus.RunStarted{Owner: lock.Owner()})

	stats, runErr := r.runLocked(runCtx, cfg, budget, buf, histQ, gate, eval)
	cancel(nil)
	hbWG.Wait()
	close(runDone)

	// Cleanup uses a fresh context: the run context may already be
	// canceled (lock loss, shutdown) and buffers still must drain.
	cctx, ccancel := context.WithTimeout(context.Background(), cfg.SafetyBuffer)
	cErr := drain(cctx)
	release(cctx)
	ccancel()
	r.coord.Register(nil, nil)

	stats.Took = budget.Elapsed()
	if runErr == nil && cErr == nil {
		r.breaker.Reset()
	} else {
		r.breaker.RecordFailure()
	}

	r.log.Info("check run finished",
		logx.Int("pages", stats.Pages),
		logx.Int("evaluated", stats.Evaluated),
		logx.Int("transitions", stats.Transitions),
		logx.Int("alerts", stats.AlertsSent),
		logx.Int("disabled", stats.Disabled),
		logx.Uint64("history_drops", stats.HistoryDrops),
		logx.Bool("truncated", stats.Truncated),
		logx.Bool("aborted", stats.Aborted),
		logx.Duration("took", stats.Took),
		logx.Err(errors.Join(runErr, cErr)),
	)
	r.publish(eventbus.RunFinished{
		Pages:        stats.Pages,
		Evaluated:    stats.Evaluated,
		Transitions:  stats.Transitions,
		AlertsSent:   stats.AlertsSent,
		Disabled:     stats.Disabled,
		HistoryDrops: stats.HistoryDrops,
		Truncated:    stats.Truncated,
		Aborted:      stats.Aborted,
		AbortReason:  stats.AbortReason,
		Took:         stats.Took,
	})

	return errors.Join(runErr, cErr)
}

func (r *Runner) runLocked(ctx context.Context, cfg Config, budget *Budget, buf *StatusBuffer, histQ *HistoryQueue, gate *AlertGate, eval *Evaluator) (RunStats, error) {
	var stats RunStats
	var counters runCounters

	pag := NewPaginator(r.deps.Due, r.now().UnixMilli(), cfg.PageSize, cfg.MaxPages)
	batcher := NewBatchScheduler(cfg, budget, r.coord.Requested, r.log)
	process := r.processFunc(cfg, buf, histQ, gate, eval, &counters)

	for {
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			stats.Aborted = true
			stats.AbortReason = err.Error()
			return r.finish(stats, &counters, pag, histQ), err
		}
		page, ok, err := pag.Next(ctx)
		if err != nil {
			return r.finish(stats, &counters, pag, histQ), fmt.Errorf("due page: %w", err)
		}
		if !ok {
			break
		}
		stats.Pages++

		out, err := batcher.Run(ctx, page, process)
		if err != nil {
			return r.finish(stats, &counters, pag, histQ), err
		}
		if out.Aborted {
			stats.Aborted = true
			stats.AbortReason = out.Reason
			break
		}
	}
	return r.finish(stats, &counters, pag, histQ), nil
}

func (r *Runner) finish(stats RunStats, c *runCounters, pag *Paginator, histQ *HistoryQueue) RunStats {
	stats.Evaluated = int(c.evaluated.Load())
	stats.Transitions = int(c.transitions.Load())
	stats.AlertsSent = int(c.alerts.Load())
	stats.Disabled = int(c.disabled.Load())
	stats.HistoryDrops = histQ.Dropped()
	stats.Truncated = pag.Truncated()
	return stats
}

// processFunc builds the per-check pipeline: overlay buffered state,
// disable gate, probe, evaluate, history enqueue, status buffer write,
// alert gate. Per-check problems never escape; only structural failures
// return an error.
func (r *Runner) processFunc(cfg Config, buf *StatusBuffer, histQ *HistoryQueue, gate *AlertGate, eval *Evaluator, counters *runCounters) ProcessFunc {
	return func(ctx context.Context, c model.Check) error {
		durableStatus := c.Status

		// Two-tier read: the write buffer is the source of truth for
		// state written earlier in this run (immediate rechecks).
		if u, ok := buf.Get(c.ID); ok {
			u.Apply(&c)
		}

		if reason, disable := eval.ShouldDisable(c); disable {
			nowMS := r.now().UnixMilli()
			buf.Add(c.ID, model.StatusUpdate{
				Enabled:        model.Ptr(false),
				DisabledReason: model.Ptr(reason),
				LastCheckedAt:  model.Ptr(nowMS),
				NextCheckAt:    model.Ptr(nowMS + c.FrequencyMinutes*60_000),
			})
			counters.disabled.Add(1)
			r.log.Warn("check disabled", logx.String("check", c.ID), logx.String("reason", reason))
			return nil
		}

		pctx, pcancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		res := r.deps.Probe.Probe(pctx, c)
		pcancel()

		ev := eval.Evaluate(c, res)
		counters.evaluated.Add(1)

		bufSt, haveBuf := buf.Status(c.ID)
		oldStatus := ResolveOldStatus(bufSt, haveBuf, durableStatus, ev.NewStatus)

		// Ordering within one check is fixed: evaluate, then history,
		// then status buffer.
		histQ.Enqueue(ctx, ev.History)
		buf.Add(c.ID, ev.Update)

		if ev.FirstTransient {
			c.LastStatusCode = res.StatusCode
			c.LastError = res.Err
			gres := gate.EmitError(ctx, c, ev.Fails)
			if gres.Delivered {
				counters.alerts.Add(1)
			}
		}

		if oldStatus != ev.NewStatus && oldStatus != model.StatusUnknown {
			counters.transitions.Add(1)
		}
		gres := gate.Evaluate(ctx, c, oldStatus, ev.NewStatus, ev.Fails, ev.OKs)
		if gres.Delivered {
			counters.alerts.Add(1)
		}
		if gres.Attempted {
			buf.Add(c.ID, gres.Update)
		}
		return nil
	}
}

func (r *Runner) publish(p eventbus.Payload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(p)
}
