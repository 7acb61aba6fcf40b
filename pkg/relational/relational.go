// Package relational answers "search children, show matching parents": the
// searchable text lives on a child collection (e.g. variation SKUs) while the
// UI lists parent records (the owning products). An active child search is
// folded into the parent query's selector by id set; an inactive search makes
// this layer a transparent passthrough of the parent stream.
package relational

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/query"
	"github.com/santaclaude2025/storesync/pkg/store"
)

// Hit is one parent document annotated with its best child match.
type Hit struct {
	ID       string
	Document store.Document

	// Score is the maximum score among matching children. A parent is as
	// relevant as its best-matching child, not the sum of them.
	Score float64

	// ChildMatches counts the children that matched the search term.
	ChildMatches int
}

// Result is one emission of the joined stream.
type Result struct {
	Hits         []Hit
	Count        int
	SearchActive bool
	Elapsed      time.Duration
}

// annotation is the collapsed state of one child hit group.
type annotation struct {
	score float64
	count int
}

// Config wires a relational Query.
type Config struct {
	// Parent is the lookup query whose results the UI lists. Its selector
	// gains an id clause while a child search is active.
	Parent *query.Query

	// Child is the query whose search produces the scored hits.
	Child *query.Query

	// ParentIDField is the child field holding the parent's remote id,
	// e.g. "parent_id".
	ParentIDField string

	Logger *slog.Logger
}

// Query joins a child search onto a parent result stream. It owns both
// underlying queries; Cancel tears all three down.
type Query struct {
	cfg    Config
	logger *slog.Logger

	results *observe.Subject[Result]
	errors  *observe.Subject[error]

	mu           sync.Mutex
	searchActive bool
	annotations  map[int64]annotation
	lastParent   *query.Result
	canceled     bool

	parentSub *observe.Subscription[query.Result]
	childSub  *observe.Subscription[query.Result]
	parentErr *observe.Subscription[error]
	childErr  *observe.Subscription[error]
}

// New constructs the join and starts forwarding. The parent query streams
// through unchanged until the child query reports an active search.
func New(cfg Config) *Query {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ParentIDField == "" {
		cfg.ParentIDField = "parent_id"
	}

	q := &Query{
		cfg:     cfg,
		logger:  cfg.Logger,
		results: observe.NewSubject[Result](),
		errors:  observe.NewSubject[error](),
	}

	q.parentSub = cfg.Parent.Results().Subscribe()
	q.childSub = cfg.Child.Results().Subscribe()
	q.parentErr = cfg.Parent.Errors().Subscribe()
	q.childErr = cfg.Child.Errors().Subscribe()

	go q.loop()
	go q.forwardErrors()

	return q
}

// Results is the joined result stream.
func (q *Query) Results() *observe.Subject[Result] { return q.results }

// Errors merges the error streams of both underlying queries.
func (q *Query) Errors() *observe.Subject[error] { return q.errors }

// Search runs the term through the child query. The resulting child hits are
// folded into the parent selector when they arrive.
func (q *Query) Search(term string) {
	q.cfg.Child.Search(term)
}

// DebouncedSearch is Search behind the child query's debounce window.
func (q *Query) DebouncedSearch(term string) {
	q.cfg.Child.DebouncedSearch(term)
}

// Cancel tears down the join and both underlying queries. Safe to call more
// than once.
func (q *Query) Cancel() {
	q.mu.Lock()
	if q.canceled {
		q.mu.Unlock()
		return
	}
	q.canceled = true
	q.mu.Unlock()

	q.parentSub.Unsubscribe()
	q.childSub.Unsubscribe()
	q.parentErr.Unsubscribe()
	q.childErr.Unsubscribe()
	q.cfg.Parent.Cancel()
	q.cfg.Child.Cancel()
	q.results.Complete()
	q.errors.Complete()
}

func (q *Query) loop() {
	for {
		select {
		case r, ok := <-q.childSub.C:
			if !ok {
				return
			}
			q.onChild(r)
		case r, ok := <-q.parentSub.C:
			if !ok {
				return
			}
			q.onParent(r)
		}
	}
}

func (q *Query) forwardErrors() {
	for {
		select {
		case err, ok := <-q.parentErr.C:
			if !ok {
				return
			}
			q.errors.Next(err)
		case err, ok := <-q.childErr.C:
			if !ok {
				return
			}
			q.errors.Next(err)
		}
	}
}

// onChild collapses the child hits into per-parent annotations and narrows
// the parent selector to the matching id set. An inactive search clears both.
func (q *Query) onChild(r query.Result) {
	started := time.Now()

	q.mu.Lock()
	if q.canceled {
		q.mu.Unlock()
		return
	}

	if !r.SearchActive {
		wasActive := q.searchActive
		q.searchActive = false
		q.annotations = nil
		last := q.lastParent
		q.mu.Unlock()
		if wasActive {
			// Dropping the id clause widens the parent query back to its
			// normal result set; the parent stream re-emits from there.
			q.cfg.Parent.Where("id", nil)
			if last != nil {
				q.emit(*last, started)
			}
		}
		return
	}

	annotations := collapse(r.Hits, q.cfg.ParentIDField)
	q.searchActive = true
	q.annotations = annotations
	last := q.lastParent
	q.mu.Unlock()

	ids := make([]any, 0, len(annotations))
	for id := range annotations {
		ids = append(ids, id)
	}
	q.cfg.Parent.Where("id", map[string]any{"$in": ids})

	// The parent query emits only when its ordered id list changes, so a
	// score-only update must be pushed from here.
	if last != nil {
		q.emit(*last, started)
	}
}

func (q *Query) onParent(r query.Result) {
	started := time.Now()

	q.mu.Lock()
	if q.canceled {
		q.mu.Unlock()
		return
	}
	q.lastParent = &r
	q.mu.Unlock()

	q.emit(r, started)
}

// emit builds the joined result from a parent emission and the current
// annotations.
func (q *Query) emit(r query.Result, started time.Time) {
	q.mu.Lock()
	active := q.searchActive
	annotations := q.annotations
	q.mu.Unlock()

	hits := make([]Hit, 0, len(r.Hits))
	for _, h := range r.Hits {
		hit := Hit{ID: h.ID, Document: h.Document}
		if active {
			id, ok := h.Document.RemoteID()
			if !ok {
				continue
			}
			ann, ok := annotations[id]
			if !ok {
				continue
			}
			hit.Score = ann.score
			hit.ChildMatches = ann.count
		}
		hits = append(hits, hit)
	}

	if active {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	}

	q.results.Next(Result{
		Hits:         hits,
		Count:        len(hits),
		SearchActive: active,
		Elapsed:      time.Since(started),
	})
}

// collapse groups scored child hits by parent id, keeping each group's
// maximum score and match count. Groups keyed by a non-numeric parent id are
// dropped so the lookup selector stays valid.
func collapse(hits []query.Hit, parentField string) map[int64]annotation {
	groups := make(map[int64]annotation)
	for _, h := range hits {
		id, ok := parentID(h.Document[parentField])
		if !ok {
			continue
		}
		ann := groups[id]
		if h.Score > ann.score {
			ann.score = h.Score
		}
		ann.count++
		groups[id] = ann
	}
	return groups
}

func parentID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}
