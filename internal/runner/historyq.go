package runner

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// historyMeta is the ephemeral per-record failure state. It lives only
// while a record is retrying and is destroyed on success or give-up.
type historyMeta struct {
	failures     int
	firstFailure time.Time
	lastError    string
}

// HistoryQueue buffers writes to the history sink and retries failures
// with exponential backoff until an attempt cap or a wall-clock age cap
// is hit, whichever comes first. Dropped records are logged and never
// retried again. Sink failures are never fatal to the run.
//
// Retries run on the queue's own lifetime, not the caller's: a record
// accepted before the run body returns keeps retrying until it lands,
// hits a cap, or Flush's deadline forces the queue closed.
//
// Outstanding retries are bounded by a slot pool sized FlushEvery, so a
// misbehaving sink cannot grow memory without bound: the Nth+1 enqueue
// blocks until an older retry settles.
type HistoryQueue struct {
	sink     HistorySink
	cfg      HistoryConfig
	log      logx.Logger
	shutdown func() bool

	// retryCtx outlives the run body; only closeOnce ends it.
	retryCtx    context.Context
	closeOnce   sync.Once
	stopRetries context.CancelFunc

	slots chan struct{}
	wg    sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

func NewHistoryQueue(sink HistorySink, cfg HistoryConfig, shutdown func() bool, log logx.Logger) *HistoryQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 25
	}
	if shutdown == nil {
		shutdown = func() bool { return false }
	}
	retryCtx, cancel := context.WithCancel(context.Background())
	return &HistoryQueue{
		sink:        sink,
		cfg:         cfg,
		log:         log,
		shutdown:    shutdown,
		retryCtx:    retryCtx,
		stopRetries: cancel,
		slots:       make(chan struct{}, cfg.FlushEvery),
	}
}

// Enqueue records one evaluation. The fast path is a single insert; on
// failure the record moves to a background retry loop. The caller ctx
// bounds only the wait for a free slot; a record that got its slot
// retries on the queue's lifetime even after the caller returns.
func (q *HistoryQueue) Enqueue(ctx context.Context, rec model.HistoryRecord) {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.drop(rec, historyMeta{lastError: ctx.Err().Error()}, "canceled")
		return
	}
	q.enqueued.Add(1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.slots }()
		q.insertWithRetry(q.retryCtx, rec)
	}()
}

func (q *HistoryQueue) insertWithRetry(ctx context.Context, rec model.HistoryRecord) {
	var meta historyMeta
	for {
		err := q.sink.InsertHistory(ctx, rec)
		if err == nil {
			return
		}
		if meta.failures == 0 {
			meta.firstFailure = time.Now()
		}
		meta.failures++
		meta.lastError = err.Error()

		if meta.failures >= q.cfg.MaxAttempts {
			q.drop(rec, meta, "attempts")
			return
		}
		if time.Since(meta.firstFailure) >= q.cfg.MaxAge {
			q.drop(rec, meta, "age")
			return
		}
		if q.shutdown() || ctx.Err() != nil {
			q.drop(rec, meta, "shutdown")
			return
		}

		delay := q.backoff(meta.failures)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			q.drop(rec, meta, "shutdown")
			return
		case <-t.C:
		}
	}
}

func (q *HistoryQueue) backoff(failures int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			d = q.cfg.MaxDelay
			break
		}
	}
	// 20% jitter to spread retries from concurrent records.
	j := time.Duration(rand.Int63n(int64(d/5) + 1))
	d += j
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

func (q *HistoryQueue) drop(rec model.HistoryRecord, meta historyMeta, cause string) {
	q.dropped.Add(1)
	q.log.Error("history record dropped",
		logx.String("check", rec.CheckID),
		logx.String("cause", cause),
		logx.Int("failures", meta.failures),
		logx.String("last_err", meta.lastError),
	)
}

// Dropped returns the number of permanently dropped records.
func (q *HistoryQueue) Dropped() uint64 { return q.dropped.Load() }

// Flush awaits all in-flight inserts, then flushes the sink itself.
// When ctx expires first the queue is closed: outstanding retries give
// up promptly instead of leaking past the run.
func (q *HistoryQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.closeOnce.Do(q.stopRetries)
		<-done
		return ctx.Err()
	}
	q.closeOnce.Do(q.stopRetries)
	return q.sink.FlushHistory(ctx)
}
