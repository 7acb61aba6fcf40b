package query

import (
	"sync"

	"github.com/santaclaude2025/storesync/pkg/observe"
)

// DefaultPageSize is the page window increment.
const DefaultPageSize = 10

// Paginator exposes a bounded window over a live result stream without
// re-querying the source. The window grows one page at a time and the slice
// is recomputed on every source emission, so documents that arrive from
// replication show up without an explicit refresh.
type Paginator struct {
	mu       sync.Mutex
	pageSize int
	page     int // 1-based; window covers pages 1..page
	last     *Result
	closed   bool

	out *observe.Subject[Result]
	sub *observe.Subscription[Result]
}

func newPaginator(source *observe.Subject[Result], pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	p := &Paginator{
		pageSize: pageSize,
		page:     1,
		out:      observe.NewSubject[Result](),
		sub:      source.Subscribe(),
	}
	go func() {
		for r := range p.sub.C {
			p.onSource(r)
		}
	}()
	return p
}

// Results emits the windowed view of the source stream.
func (p *Paginator) Results() *observe.Subject[Result] { return p.out }

// NextPage grows the window by one page. No-op once the window already covers
// the current emission.
func (p *Paginator) NextPage() {
	p.mu.Lock()
	if p.closed || !p.hasMoreLocked() {
		p.mu.Unlock()
		return
	}
	p.page++
	p.emitLocked()
	p.mu.Unlock()
}

// Reset returns to page 1. Called automatically whenever the owning query's
// parameters change, since a new parameter set invalidates the old position.
func (p *Paginator) Reset() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.page = 1
	p.emitLocked()
	p.mu.Unlock()
}

// HasMore reports whether another page is available for the current emission.
func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMoreLocked()
}

// Page returns the current page number.
func (p *Paginator) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

func (p *Paginator) hasMoreLocked() bool {
	return p.last != nil && p.page*p.pageSize < p.last.Count
}

func (p *Paginator) onSource(r Result) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.last = &r
	p.emitLocked()
	p.mu.Unlock()
}

func (p *Paginator) emitLocked() {
	if p.last == nil {
		return
	}
	window := p.page * p.pageSize
	if window > len(p.last.Hits) {
		window = len(p.last.Hits)
	}
	p.out.Next(Result{
		Hits:         p.last.Hits[:window],
		Count:        p.last.Count,
		SearchActive: p.last.SearchActive,
		Elapsed:      p.last.Elapsed,
	})
}

func (p *Paginator) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.sub.Unsubscribe()
	p.out.Complete()
}
