package runner

import (
	"context"
	"sync"

	"upwatch/internal/model"
)

// StatusBuffer coalesces per-check partial updates for batched durable
// persistence.
//
// During a run the buffer is the source of truth for "most recent known
// status"; durable storage is eventual consistency behind the flush.
// Concurrent checks touch distinct keys in practice, so a single mutex
// around the map is all the coordination needed.
type StatusBuffer struct {
	mu      sync.Mutex
	updates map[string]model.StatusUpdate
}

func NewStatusBuffer() *StatusBuffer {
	return &StatusBuffer{updates: make(map[string]model.StatusUpdate)}
}

// Add merges a partial update for one check; last write wins per field.
func (b *StatusBuffer) Add(id string, u model.StatusUpdate) {
	b.mu.Lock()
	cur := b.updates[id]
	cur.Merge(u)
	b.updates[id] = cur
	b.mu.Unlock()
}

// Get returns the pending update for a check, if any.
func (b *StatusBuffer) Get(id string) (model.StatusUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.updates[id]
	return u, ok
}

// Status returns the buffered status for a check, if one is pending.
func (b *StatusBuffer) Status(id string) (model.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.updates[id]
	if !ok || u.Status == nil {
		return "", false
	}
	return *u.Status, true
}

func (b *StatusBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

// Flush persists the buffered updates through the sink and clears only
// what was flushed. Updates added concurrently during the flush survive
// for the next one.
func (b *StatusBuffer) Flush(ctx context.Context, sink StatusSink) error {
	b.mu.Lock()
	if len(b.updates) == 0 {
		b.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]model.StatusUpdate, len(b.updates))
	for id, u := range b.updates {
		snapshot[id] = u
	}
	b.mu.Unlock()

	if err := sink.FlushStatus(ctx, snapshot); err != nil {
		return err
	}

	b.mu.Lock()
	for id := range snapshot {
		delete(b.updates, id)
	}
	b.mu.Unlock()
	return nil
}
