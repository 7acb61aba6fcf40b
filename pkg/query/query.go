// Package query translates a declarative parameter object (where clauses,
// sort, search term) into a live result stream from the local store. The
// stream keeps its identity across parameter changes and only re-emits when
// the ordered list of result ids or the search state actually changes, so the
// UI never re-renders for untracked field churn.
package query

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/search"
	"github.com/santaclaude2025/storesync/pkg/store"
)

// DefaultDebounce is the delay applied by DebouncedSearch.
const DefaultDebounce = 250 * time.Millisecond

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Params is the full declarative state of a query. Each mutation replaces the
// whole object; subscribers never observe a partially updated selector.
type Params struct {
	Search        string
	SortBy        string
	SortDirection Direction
	Selector      store.Selector
}

// Hit is one result row. Score is only meaningful while a search is active.
type Hit struct {
	ID       string
	Document store.Document
	Score    float64
}

// Result is produced fresh on every emission. Consumers diff by the ordered
// list of hit ids, not by object identity.
type Result struct {
	Hits         []Hit
	Count        int
	SearchActive bool
	Elapsed      time.Duration
}

type whereClause struct {
	field string
	value any
}

// Config configures a Query.
type Config struct {
	Collection store.Collection

	// Index handles search terms. Optional; Search reports an error when a
	// term arrives with no index configured.
	Index search.Index

	// PageSize for the owned paginator. Default 10.
	PageSize int

	// Debounce for DebouncedSearch. Default DefaultDebounce.
	Debounce time.Duration

	Logger *slog.Logger
}

// Query is a live query over one collection.
type Query struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	clauses      []whereClause
	sortBy       string
	sortDir      Direction
	searchTerm   string
	searchIDs    []string
	searchScores map[string]float64
	gen          uint64
	findSub      *observe.Subscription[[]store.Document]
	lastOrder    []string
	lastActive   bool
	hasEmitted   bool
	debounce     *time.Timer
	canceled     bool

	results   *observe.Subject[Result]
	params    *observe.BehaviorSubject[Params]
	errors    *observe.Subject[error]
	paginator *Paginator
	indexSub  *observe.Subscription[struct{}]
}

// New creates a Query bound to cfg.Collection and starts its live stream with
// an empty parameter set.
func New(cfg Config) *Query {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	q := &Query{
		cfg:     cfg,
		logger:  cfg.Logger,
		sortDir: Asc,
		results: observe.NewSubject[Result](),
		params:  observe.NewBehaviorSubject(Params{}),
		errors:  observe.NewSubject[error](),
	}
	q.paginator = newPaginator(q.results, cfg.PageSize)

	if cfg.Index != nil {
		q.indexSub = cfg.Index.Changed().Subscribe()
		go func() {
			for range q.indexSub.C {
				q.refreshSearch()
			}
		}()
	}

	q.mu.Lock()
	q.applyLocked()
	q.mu.Unlock()
	return q
}

// Results is the live result stream.
func (q *Query) Results() *observe.Subject[Result] { return q.results }

// Params emits the full parameter object after every mutation.
func (q *Query) Params() *observe.BehaviorSubject[Params] { return q.params }

// Errors is the query's error stream.
func (q *Query) Errors() *observe.Subject[error] { return q.errors }

// Paginator returns the paginated view of Results. It is reset automatically
// whenever the query parameters change.
func (q *Query) Paginator() *Paginator { return q.paginator }

// CurrentParams returns the current parameter object.
func (q *Query) CurrentParams() Params { return q.params.Value() }

// Where upserts the clause for field, or removes it when value is nil. The
// selector is rebuilt from the full clause list on every change so a removed
// clause leaves no residue.
func (q *Query) Where(field string, value any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.canceled {
		return
	}

	if value == nil {
		for i, c := range q.clauses {
			if c.field == field {
				q.clauses = append(q.clauses[:i], q.clauses[i+1:]...)
				break
			}
		}
	} else {
		replaced := false
		for i, c := range q.clauses {
			if c.field == field {
				q.clauses[i].value = value
				replaced = true
				break
			}
		}
		if !replaced {
			q.clauses = append(q.clauses, whereClause{field: field, value: value})
		}
	}
	q.applyLocked()
}

// Sort replaces the active sort key. Only single-field sorting is supported.
func (q *Query) Sort(field string, direction Direction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.canceled {
		return
	}
	q.sortBy = field
	q.sortDir = direction
	q.applyLocked()
}

// SortMap accepts a {field: direction} map for callers that build sorts
// dynamically. Only one entry is honored; pass one field at a time for
// deterministic behavior.
func (q *Query) SortMap(fields map[string]Direction) {
	for field, dir := range fields {
		q.Sort(field, dir)
	}
}

// Search runs term against the search index and folds the resulting id list
// into the selector as a uuid $in clause, merged with the existing clauses.
// An empty term deactivates search.
func (q *Query) Search(term string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.canceled {
		return
	}
	q.searchTerm = term
	q.runSearchLocked()
	q.applyLocked()
}

// DebouncedSearch schedules Search(term) after the configured debounce,
// replacing any pending search. The timer is owned by the Query and stopped
// on Cancel.
func (q *Query) DebouncedSearch(term string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.canceled {
		return
	}
	if q.debounce != nil {
		q.debounce.Stop()
	}
	q.debounce = time.AfterFunc(q.cfg.Debounce, func() { q.Search(term) })
}

// APIQueryParams projects the current parameters into the shape expected by
// the remote endpoint, used to parameterize the paired replication pull.
func (q *Query) APIQueryParams() url.Values {
	q.mu.Lock()
	defer q.mu.Unlock()

	values := url.Values{}
	if q.sortBy != "" {
		values.Set("orderby", q.sortBy)
		values.Set("order", string(q.sortDir))
	}
	if q.searchTerm != "" {
		values.Set("search", q.searchTerm)
	}
	for _, c := range q.clauses {
		switch c.value.(type) {
		case string, bool, int, int64, float64:
			values.Set(c.field, fmt.Sprint(c.value))
		}
	}
	return values
}

// Cancel tears the query down: the debounce timer is stopped, the store
// subscription is released, and every owned subject completes exactly once.
// Safe to call multiple times.
func (q *Query) Cancel() {
	q.mu.Lock()
	if q.canceled {
		q.mu.Unlock()
		return
	}
	q.canceled = true
	if q.debounce != nil {
		q.debounce.Stop()
	}
	findSub := q.findSub
	q.findSub = nil
	q.mu.Unlock()

	if findSub != nil {
		findSub.Unsubscribe()
	}
	if q.indexSub != nil {
		q.indexSub.Unsubscribe()
	}
	q.paginator.close()
	q.results.Complete()
	q.params.Complete()
	q.errors.Complete()
}

// refreshSearch re-runs the active search after the index reports a content
// change.
func (q *Query) refreshSearch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.canceled || q.searchTerm == "" {
		return
	}
	q.runSearchLocked()
	q.applyLocked()
}

func (q *Query) runSearchLocked() {
	q.searchIDs = nil
	q.searchScores = nil
	if q.searchTerm == "" {
		return
	}
	if q.cfg.Index == nil {
		q.errors.Next(fmt.Errorf("search %q: no search index configured for %q", q.searchTerm, q.cfg.Collection.Name()))
		return
	}

	hits, err := q.cfg.Index.Search(q.searchTerm)
	if err != nil {
		q.errors.Next(fmt.Errorf("search %q failed: %w", q.searchTerm, err))
		return
	}
	q.searchIDs = make([]string, 0, len(hits))
	q.searchScores = make(map[string]float64, len(hits))
	for _, h := range hits {
		q.searchIDs = append(q.searchIDs, h.ID)
		q.searchScores[h.ID] = h.Score
	}
}

// applyLocked rebuilds the selector from the full clause list, publishes the
// new parameter object, resets pagination, and swaps the store subscription.
func (q *Query) applyLocked() {
	sel := q.buildSelectorLocked()

	q.params.Next(Params{
		Search:        q.searchTerm,
		SortBy:        q.sortBy,
		SortDirection: q.sortDir,
		Selector:      sel,
	})
	q.paginator.Reset()

	// Swap the live store subscription. A generation counter makes stale
	// emissions from the old subscription harmless.
	q.gen++
	gen := q.gen
	if q.findSub != nil {
		q.findSub.Unsubscribe()
	}
	sub := q.cfg.Collection.Find(sel)
	q.findSub = sub
	go func() {
		for docs := range sub.C {
			q.emit(gen, docs)
		}
	}()
}

func (q *Query) buildSelectorLocked() store.Selector {
	sel := store.Selector{}
	for _, c := range q.clauses {
		sel[c.field] = c.value
	}
	if q.searchTerm != "" && q.searchScores != nil {
		// Merged with, not replacing, the existing clauses.
		ids := make([]any, len(q.searchIDs))
		for i, id := range q.searchIDs {
			ids[i] = id
		}
		sel["uuid"] = map[string]any{"$in": ids}
	}
	return sel
}

func (q *Query) emit(gen uint64, docs []store.Document) {
	start := time.Now()

	q.mu.Lock()
	if q.canceled || gen != q.gen {
		q.mu.Unlock()
		return
	}

	searchActive := q.searchTerm != ""
	hits := make([]Hit, 0, len(docs))
	for _, doc := range docs {
		h := Hit{ID: doc.UUID(), Document: doc}
		if searchActive {
			h.Score = q.searchScores[h.ID]
		}
		hits = append(hits, h)
	}

	sortHits(hits, q.sortBy, q.sortDir, searchActive)

	order := make([]string, len(hits))
	for i, h := range hits {
		order[i] = h.ID
	}
	// Identity is the ordered id list plus the search flag: a search that
	// matches the same documents in the same order still changes what the
	// result means (scores become meaningful), so it must re-emit.
	if q.hasEmitted && searchActive == q.lastActive && sameOrder(order, q.lastOrder) {
		q.mu.Unlock()
		return
	}
	q.lastOrder = order
	q.lastActive = searchActive
	q.hasEmitted = true
	q.mu.Unlock()

	q.results.Next(Result{
		Hits:         hits,
		Count:        len(hits),
		SearchActive: searchActive,
		Elapsed:      time.Since(start),
	})
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
