package relational

import (
	"testing"
	"time"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/query"
	"github.com/santaclaude2025/storesync/pkg/search"
	"github.com/santaclaude2025/storesync/pkg/store"
)

func newJoin(t *testing.T) (*Query, store.Collection, store.Collection) {
	t.Helper()

	st, err := store.Open([]store.CollectionConfig{
		{Name: "products"},
		{Name: "variations", SearchFields: []string{"sku"}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	products, _ := st.Collection("products")
	variations, _ := st.Collection("variations")

	idx := search.NewMemIndex(variations)
	t.Cleanup(idx.Close)

	parent := query.New(query.Config{Collection: products})
	child := query.New(query.Config{Collection: variations, Index: idx})

	join := New(Config{Parent: parent, Child: child, ParentIDField: "parent_id"})
	t.Cleanup(join.Cancel)

	return join, products, variations
}

func seedCatalog(t *testing.T, products, variations store.Collection) {
	t.Helper()
	docs := []store.Document{
		store.NewDocument(store.Document{"id": int64(1), "name": "widget"}),
		store.NewDocument(store.Document{"id": int64(2), "name": "gadget"}),
	}
	if err := products.BulkUpsert(docs); err != nil {
		t.Fatalf("seed products: %v", err)
	}
	children := []store.Document{
		store.NewDocument(store.Document{"sku": "red", "parent_id": int64(1)}),
		store.NewDocument(store.Document{"sku": "redwood", "parent_id": int64(1)}),
		store.NewDocument(store.Document{"sku": "redwing", "parent_id": int64(2)}),
	}
	if err := variations.BulkUpsert(children); err != nil {
		t.Fatalf("seed variations: %v", err)
	}
}

// waitFor drains the result stream until a result satisfies ok or the
// deadline passes, returning the last seen result either way.
func waitFor(t *testing.T, sub *observe.Subscription[Result], ok func(Result) bool) Result {
	t.Helper()
	var last Result
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r, open := <-sub.C:
			if !open {
				t.Fatalf("result stream closed; last %+v", last)
			}
			last = r
			if ok(r) {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for result; last %+v", last)
		}
	}
}

func TestPassthroughWhenSearchInactive(t *testing.T) {
	join, products, variations := newJoin(t)
	sub := join.Results().Subscribe()
	defer sub.Unsubscribe()

	seedCatalog(t, products, variations)

	r := waitFor(t, sub, func(r Result) bool { return r.Count == 2 })
	if r.SearchActive {
		t.Fatal("search reported active on passthrough stream")
	}
	for _, h := range r.Hits {
		if h.Score != 0 || h.ChildMatches != 0 {
			t.Fatalf("passthrough hit carries annotations: %+v", h)
		}
	}
}

func TestChildSearchCollapsesToMaxScorePerParent(t *testing.T) {
	join, products, variations := newJoin(t)
	seedCatalog(t, products, variations)

	sub := join.Results().Subscribe()
	defer sub.Unsubscribe()

	join.Search("red")

	// "red" matches sku "red" exactly and "redwood"/"redwing" by prefix, so
	// parent 1 collapses to the exact-match score with two matching children.
	r := waitFor(t, sub, func(r Result) bool { return r.SearchActive && r.Count == 2 })

	if id, _ := r.Hits[0].Document.RemoteID(); id != 1 {
		t.Fatalf("best parent = %d, want 1", id)
	}
	if r.Hits[0].Score <= r.Hits[1].Score {
		t.Fatalf("scores not descending: %v then %v", r.Hits[0].Score, r.Hits[1].Score)
	}
	if r.Hits[0].ChildMatches != 2 {
		t.Fatalf("parent 1 child matches = %d, want 2", r.Hits[0].ChildMatches)
	}
	if r.Hits[1].ChildMatches != 1 {
		t.Fatalf("parent 2 child matches = %d, want 1", r.Hits[1].ChildMatches)
	}
}

func TestNonNumericParentIDsAreDropped(t *testing.T) {
	join, products, variations := newJoin(t)
	seedCatalog(t, products, variations)

	orphan := store.NewDocument(store.Document{"sku": "redberry", "parent_id": "draft-parent"})
	if err := variations.BulkUpsert([]store.Document{orphan}); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	sub := join.Results().Subscribe()
	defer sub.Unsubscribe()

	join.Search("red")

	r := waitFor(t, sub, func(r Result) bool { return r.SearchActive && r.Count > 0 })
	for _, h := range r.Hits {
		id, ok := h.Document.RemoteID()
		if !ok || (id != 1 && id != 2) {
			t.Fatalf("unexpected parent in results: %+v", h.Document)
		}
	}
}

func TestClearingSearchRestoresPassthrough(t *testing.T) {
	join, products, variations := newJoin(t)
	seedCatalog(t, products, variations)

	sub := join.Results().Subscribe()
	defer sub.Unsubscribe()

	join.Search("redwing")
	waitFor(t, sub, func(r Result) bool { return r.SearchActive && r.Count == 1 })

	join.Search("")
	r := waitFor(t, sub, func(r Result) bool { return !r.SearchActive && r.Count == 2 })
	for _, h := range r.Hits {
		if h.Score != 0 {
			t.Fatalf("score survived search clear: %+v", h)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	join, _, _ := newJoin(t)

	join.Cancel()
	join.Cancel()

	if !join.Results().Completed() {
		t.Fatal("results not completed after cancel")
	}
	if !join.Errors().Completed() {
		t.Fatal("errors not completed after cancel")
	}
}
