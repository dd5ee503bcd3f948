package runner

import (
	"context"

	"upwatch/internal/model"
)

// Cursor is the keyset position after the last item of a page.
//
// Keyset pagination (resume after the sort key, never offset) is what
// keeps concurrent writers from shifting items across page boundaries:
// a check whose due-time moves between fetches is neither skipped nor
// served twice within this run's ordering.
type Cursor struct {
	NextCheckAt int64
	ID          string
}

// Paginator lazily streams pages of due checks, capped at MaxPages per
// invocation. It is not restartable; each fetch reflects live store
// state (no snapshot isolation across pages).
type Paginator struct {
	src      DueSource
	now      int64
	limit    int
	maxPages int

	after     Cursor
	pages     int
	lastFull  bool
	exhausted bool
}

func NewPaginator(src DueSource, now int64, pageSize, maxPages int) *Paginator {
	return &Paginator{src: src, now: now, limit: pageSize, maxPages: maxPages}
}

// Next returns the next page, or ok=false when the stream ends (store
// drained or page cap reached).
func (p *Paginator) Next(ctx context.Context) ([]model.Check, bool, error) {
	if p.exhausted || p.pages >= p.maxPages {
		return nil, false, nil
	}
	page, err := p.src.DuePage(ctx, p.now, p.after, p.limit)
	if err != nil {
		return nil, false, err
	}
	if len(page) == 0 {
		p.exhausted = true
		return nil, false, nil
	}
	p.pages++
	p.lastFull = len(page) == p.limit
	last := page[len(page)-1]
	p.after = Cursor{NextCheckAt: last.NextCheckAt, ID: last.ID}
	if !p.lastFull {
		p.exhausted = true
	}
	return page, true, nil
}

func (p *Paginator) Pages() int { return p.pages }

// Truncated reports a backlog larger than one invocation may drain: the
// page cap was hit while the last page was still full. The remainder is
// deferred to the next scheduled run.
func (p *Paginator) Truncated() bool {
	return p.pages >= p.maxPages && p.lastFull
}
