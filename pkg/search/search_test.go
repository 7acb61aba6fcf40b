package search

import (
	"testing"
	"time"

	"github.com/santaclaude2025/storesync/pkg/store"
)

func testCollection(t *testing.T) store.Collection {
	t.Helper()
	s, err := store.Open([]store.CollectionConfig{{
		Name:         "variations",
		Endpoint:     "products/variations",
		SearchFields: []string{"sku", "name"},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	col, _ := s.Collection("variations")
	return col
}

func TestSearchRanksExactAbovePrefix(t *testing.T) {
	col := testCollection(t)
	idx := NewMemIndex(col)
	defer idx.Close()

	exact, _ := col.Insert(store.Document{"sku": "hoodie", "name": "Hoodie"})
	prefix, _ := col.Insert(store.Document{"sku": "hoodie-xl", "name": "Big one"})
	if _, err := col.Insert(store.Document{"sku": "mug", "name": "Coffee Mug"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	hits, err := idx.Search("hoodie")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != exact.UUID() {
		t.Errorf("top hit = %s, want exact match %s", hits[0].ID, exact.UUID())
	}
	if hits[1].ID != prefix.UUID() {
		t.Errorf("second hit = %s, want prefix match %s", hits[1].ID, prefix.UUID())
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("exact score %v not above prefix score %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearchRequiresAllTerms(t *testing.T) {
	col := testCollection(t)
	idx := NewMemIndex(col)
	defer idx.Close()

	if _, err := col.Insert(store.Document{"sku": "red-hoodie", "name": "Red Hoodie"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if hits, _ := idx.Search("red hoodie"); len(hits) != 1 {
		t.Errorf("both-terms search got %d hits, want 1", len(hits))
	}
	if hits, _ := idx.Search("red bicycle"); len(hits) != 0 {
		t.Errorf("missing-term search got %d hits, want 0", len(hits))
	}
	if hits, _ := idx.Search("  "); hits != nil {
		t.Errorf("blank search got %v, want nil", hits)
	}
}

func TestChangedFiresOnStoreWrite(t *testing.T) {
	col := testCollection(t)
	idx := NewMemIndex(col)
	defer idx.Close()

	sub := idx.Changed().Subscribe()
	defer sub.Unsubscribe()

	// Drain the notification from the index's initial snapshot, if any.
	drain(sub.C)

	if _, err := col.Insert(store.Document{"sku": "new"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("Changed did not fire after store write")
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}
