// Package search defines the full-text search boundary consumed by the query
// layer. Production deployments plug in a real index; MemIndex is a small
// reference implementation over the local store, good enough for tests and
// local development.
package search

import (
	"sort"
	"strings"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/store"
)

// Hit is one scored match. ID is the document's primary identifier (uuid).
type Hit struct {
	ID    string
	Score float64
}

// Index is the capability surface a search backend must expose.
type Index interface {
	// Search returns scored document ids for term, best first.
	Search(term string) ([]Hit, error)

	// Changed emits whenever the indexed content changes, so live searches
	// can re-run.
	Changed() *observe.Subject[struct{}]
}

// MemIndex scans a collection's configured search fields on every query.
// Scoring is naive token overlap in three tiers: a field equal to the term
// beats an exact token match, which beats a prefix match.
type MemIndex struct {
	collection store.Collection
	fields     []string
	changed    *observe.Subject[struct{}]
	sub        *observe.Subscription[[]store.Document]
}

// NewMemIndex builds an index over the collection's SearchFields (all string
// fields match when none are configured).
func NewMemIndex(collection store.Collection) *MemIndex {
	idx := &MemIndex{
		collection: collection,
		fields:     collection.Config().SearchFields,
		changed:    observe.NewSubject[struct{}](),
	}

	// Forward store changes as index-changed notifications.
	idx.sub = collection.Find(nil)
	go func() {
		for range idx.sub.C {
			idx.changed.Next(struct{}{})
		}
		idx.changed.Complete()
	}()

	return idx
}

// Search implements Index.
func (idx *MemIndex) Search(term string) ([]Hit, error) {
	terms := tokenize(term)
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, doc := range idx.collection.FindOnce(nil) {
		score := idx.score(doc, terms)
		if score > 0 {
			hits = append(hits, Hit{ID: doc.UUID(), Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Changed implements Index.
func (idx *MemIndex) Changed() *observe.Subject[struct{}] {
	return idx.changed
}

// Close stops forwarding store changes.
func (idx *MemIndex) Close() {
	idx.sub.Unsubscribe()
}

func (idx *MemIndex) score(doc store.Document, terms []string) float64 {
	var total float64
	for _, t := range terms {
		matched := 0.0
		for field, value := range doc {
			if len(idx.fields) > 0 && !contains(idx.fields, field) {
				continue
			}
			text, ok := value.(string)
			if !ok {
				continue
			}
			// A field that is the term outranks a field that merely contains
			// it as a token ("hoodie" above "hoodie-xl").
			if strings.ToLower(strings.TrimSpace(text)) == t {
				matched = max(matched, 3)
				continue
			}
			for _, token := range tokenize(text) {
				if token == t {
					matched = max(matched, 2)
				} else if strings.HasPrefix(token, t) {
					matched = max(matched, 1)
				}
			}
		}
		if matched == 0 {
			// Every term must match somewhere.
			return 0
		}
		total += matched
	}
	return total / float64(3*len(terms))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
