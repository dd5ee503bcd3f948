package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// BatchScheduler partitions a page of due checks into bounded batches
// and drives their parallel execution.
//
// Abort points are batch-group boundaries only: a started batch always
// finishes, so no check is left evaluated-but-unrecorded. An unhandled
// error from any batch fails the whole run rather than being dropped,
// since partial silent failure would corrupt aggregate statistics.
type BatchScheduler struct {
	cfg      Config
	budget   *Budget
	shutdown func() bool
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewBatchScheduler(cfg Config, budget *Budget, shutdown func() bool, log logx.Logger) *BatchScheduler {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.SmoothRatePerSec > 0 {
		// Smooths probe launches so the store and probed targets see a
		// steady trickle instead of page-sized spikes.
		lim = rate.NewLimiter(rate.Limit(cfg.SmoothRatePerSec), cfg.BatchCap)
	}
	if shutdown == nil {
		shutdown = func() bool { return false }
	}
	return &BatchScheduler{cfg: cfg, budget: budget, shutdown: shutdown, limiter: lim, log: log}
}

// BatchOutcome reports how far one page got.
type BatchOutcome struct {
	Processed int
	Aborted   bool
	Reason    string
}

// ProcessFunc handles one check. Per-check errors must be absorbed
// inside; a returned error is structural and aborts the run.
type ProcessFunc func(ctx context.Context, c model.Check) error

// Run executes one page of due checks.
func (s *BatchScheduler) Run(ctx context.Context, checks []model.Check, process ProcessFunc) (BatchOutcome, error) {
	var out BatchOutcome
	if len(checks) == 0 {
		return out, nil
	}

	size := s.batchSize(len(checks))
	batches := partition(checks, size)
	groupN := s.cfg.TargetInFlight / s.cfg.BatchCap
	if groupN < 1 {
		groupN = 1
	}

	for start := 0; start < len(batches); start += groupN {
		if s.shutdown() {
			out.Aborted = true
			out.Reason = "shutdown"
			return out, nil
		}
		if !s.budget.ShouldStartWork() {
			out.Aborted = true
			out.Reason = "budget"
			s.log.Info("time budget low; deferring remaining checks",
				logx.Duration("remaining", s.budget.Remaining()),
				logx.Int("deferred_batches", len(batches)-start),
			)
			return out, nil
		}

		end := start + groupN
		if end > len(batches) {
			end = len(batches)
		}

		// Plain errgroup, no shared cancellation: a failing batch must
		// not cancel its siblings mid-batch.
		var g errgroup.Group
		n := 0
		for _, b := range batches[start:end] {
			b := b
			n += len(b)
			g.Go(func() error { return s.runBatch(ctx, b, process) })
		}
		if err := g.Wait(); err != nil {
			return out, fmt.Errorf("batch group failed: %w", err)
		}
		out.Processed += n
	}
	return out, nil
}

func (s *BatchScheduler) runBatch(ctx context.Context, batch []model.Check, process ProcessFunc) error {
	sem := semaphore.NewWeighted(int64(s.cfg.BatchCap))
	var g errgroup.Group
	for _, c := range batch {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		c := c
		g.Go(func() error {
			defer sem.Release(1)
			return process(ctx, c)
		})
	}
	return g.Wait()
}

// batchSize scales with the backlog, clamped to the configured bounds.
func (s *BatchScheduler) batchSize(due int) int {
	size := due / 10
	if size < s.cfg.MinBatchSize {
		size = s.cfg.MinBatchSize
	}
	if size > s.cfg.MaxBatchSize {
		size = s.cfg.MaxBatchSize
	}
	return size
}

func partition(checks []model.Check, size int) [][]model.Check {
	if size <= 0 {
		size = 1
	}
	var out [][]model.Check
	for start := 0; start < len(checks); start += size {
		end := start + size
		if end > len(checks) {
			end = len(checks)
		}
		out = append(out, checks[start:end])
	}
	return out
}
