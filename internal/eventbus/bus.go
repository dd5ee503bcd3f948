// Package eventbus decouples the check-run core from diagnostics
// surfaces with a non-blocking in-memory fanout. Payloads are typed so
// subscribers switch on concrete structs instead of asserting maps.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kinds of the run lifecycle events the scheduler publishes.
const (
	KindRunStarted  = "run.started"
	KindRunSkipped  = "run.skipped"
	KindRunFinished = "run.finished"
)

// Payload is the closed set of event bodies.
type Payload interface {
	Kind() string
}

// RunStarted fires once the run lock is acquired.
type RunStarted struct {
	Owner string
}

func (RunStarted) Kind() string { return KindRunStarted }

// RunSkipped fires when an invocation ends without doing work: breaker
// open, lock contended, or shutdown already requested.
type RunSkipped struct {
	Reason string
}

func (RunSkipped) Kind() string { return KindRunSkipped }

// RunFinished carries the final counters of one invocation.
type RunFinished struct {
	Pages        int
	Evaluated    int
	Transitions  int
	AlertsSent   int
	Disabled     int
	HistoryDrops uint64
	Truncated    bool
	Aborted      bool
	AbortReason  string
	Took         time.Duration
}

func (RunFinished) Kind() string { return KindRunFinished }

// Event wraps a payload with its publish time.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Time    time.Time
	Payload Payload
}

func (e Event) Kind() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type Bus interface {
	Publish(p Payload)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(p Payload) {
	e := Event{Time: time.Now(), Payload: p}

	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; recover in case a subscriber closed
		// its channel concurrently with this send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
