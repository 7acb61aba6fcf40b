package store

import (
	"errors"

	"github.com/santaclaude2025/storesync/pkg/observe"
)

// ErrNotFound is returned when a document or collection does not exist.
var ErrNotFound = errors.New("store: not found")

// CollectionConfig declares one synced collection. Behaviour that the engine
// used to infer from collection names (orphan tolerance, searchable fields,
// nested endpoints) is explicit configuration here.
type CollectionConfig struct {
	// Name is the local collection name, e.g. "products".
	Name string `json:"name" mapstructure:"name"`

	// Endpoint is the remote REST endpoint path, e.g. "products".
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// OrphanTolerant marks collections that are synced independently of a
	// parent resource and must never be pruned on audit, even when their
	// remote id is missing from the audited id set.
	OrphanTolerant bool `json:"orphan_tolerant" mapstructure:"orphan_tolerant"`

	// RestFields, when non-empty, is the whitelist of fields kept by
	// ParseRestResponse. Empty keeps everything.
	RestFields []string `json:"rest_fields" mapstructure:"rest_fields"`

	// References maps a document field holding nested sub-entities to the
	// sibling collection they belong in. UpsertRefs writes these out before
	// the parent document lands so foreign keys resolve.
	References map[string]string `json:"references" mapstructure:"references"`

	// SearchFields are the fields indexed for full-text search.
	SearchFields []string `json:"search_fields" mapstructure:"search_fields"`
}

// Collection is the store capability surface consumed by the sync engine.
// Implementations own all persisted state; the engine only mutates documents
// through this interface.
type Collection interface {
	Name() string
	Config() CollectionConfig

	// Find returns a live query: the subscription emits the current matching
	// documents immediately and re-emits on every matching change until it is
	// unsubscribed or the store closes.
	Find(sel Selector) *observe.Subscription[[]Document]

	// FindOnce evaluates the selector once against current state.
	FindOnce(sel Selector) []Document

	// Get returns the document with the given uuid.
	Get(uuid string) (Document, error)

	// Insert stores a new document, assigning a uuid if absent.
	Insert(doc Document) (Document, error)

	// BulkUpsert merges documents into the collection. An incoming document
	// matches an existing one by uuid first, then by remote id, so pulling
	// the same remote document twice never duplicates it.
	BulkUpsert(docs []Document) error

	// Patch merges data into the document with the given uuid and returns the
	// updated document.
	Patch(uuid string, data Document) (Document, error)

	// Remove deletes the document with the given uuid.
	Remove(uuid string) error

	// UpsertLocal and GetLocal manage local-only key/value documents that
	// live outside the normal document set (used for the audit record).
	UpsertLocal(key string, value map[string]any) error
	GetLocal(key string) (map[string]any, bool)

	// LocalChanged emits the key of every local document write.
	LocalChanged() *observe.Subject[string]

	// ParseRestResponse normalizes a raw remote JSON object into a Document:
	// schema-driven field pruning, id coercion, and uuid assignment (reusing
	// the uuid of an existing document with the same remote id).
	ParseRestResponse(raw map[string]any) Document

	// UpsertRefs writes any nested referenced sub-entities of doc into their
	// own collections and replaces them in doc with their remote ids.
	UpsertRefs(doc Document) (Document, error)
}

// Store owns a set of collections.
type Store interface {
	Collection(name string) (Collection, error)
	Close() error
}
