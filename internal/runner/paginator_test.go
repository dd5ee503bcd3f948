package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"upwatch/internal/model"
)

// sliceSource serves keyset pages from an in-memory ordered slice.
type sliceSource struct {
	checks []model.Check
	calls  int
	err    error
}

func (s *sliceSource) DuePage(_ context.Context, _ int64, after Cursor, limit int) ([]model.Check, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Check
	for _, c := range s.checks {
		if c.NextCheckAt > after.NextCheckAt ||
			(c.NextCheckAt == after.NextCheckAt && c.ID > after.ID) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func dueChecks(n int) []model.Check {
	out := make([]model.Check, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Check{
			ID:          fmt.Sprintf("c%03d", i),
			NextCheckAt: int64(1000 + i/3), // duplicates exercise the id tiebreak
		})
	}
	return out
}

func TestPaginatorDrainsAll(t *testing.T) {
	t.Parallel()

	src := &sliceSource{checks: dueChecks(25)}
	p := NewPaginator(src, 2000, 10, 10)

	var got []string
	for {
		page, ok, err := p.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() = %v", err)
		}
		if !ok {
			break
		}
		for _, c := range page {
			got = append(got, c.ID)
		}
	}
	if len(got) != 25 {
		t.Fatalf("drained %d checks, want 25", len(got))
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("check %s served twice", id)
		}
		seen[id] = true
	}
	if p.Pages() != 3 {
		t.Fatalf("Pages() = %d, want 3", p.Pages())
	}
	if p.Truncated() {
		t.Fatal("Truncated() = true for a drained stream, want false")
	}
}

func TestPaginatorShortPageEndsStream(t *testing.T) {
	t.Parallel()

	src := &sliceSource{checks: dueChecks(7)}
	p := NewPaginator(src, 2000, 10, 10)

	if _, ok, err := p.Next(context.Background()); err != nil || !ok {
		t.Fatalf("Next() = %v/%v, want page", ok, err)
	}
	// A short page ends the stream without another fetch.
	if _, ok, _ := p.Next(context.Background()); ok {
		t.Fatal("Next() returned a page after a short page")
	}
	if src.calls != 1 {
		t.Fatalf("source calls = %d, want 1", src.calls)
	}
}

func TestPaginatorTruncation(t *testing.T) {
	t.Parallel()

	src := &sliceSource{checks: dueChecks(100)}
	p := NewPaginator(src, 2000, 10, 3)

	pages := 0
	for {
		_, ok, err := p.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() = %v", err)
		}
		if !ok {
			break
		}
		pages++
	}
	if pages != 3 {
		t.Fatalf("served %d pages, want page cap 3", pages)
	}
	if !p.Truncated() {
		t.Fatal("Truncated() = false with a full backlog remaining, want true")
	}
}

func TestPaginatorPropagatesError(t *testing.T) {
	t.Parallel()

	src := &sliceSource{err: errors.New("db gone")}
	p := NewPaginator(src, 2000, 10, 3)

	if _, _, err := p.Next(context.Background()); err == nil {
		t.Fatal("Next() = nil error, want failure")
	}
}
