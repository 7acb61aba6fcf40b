package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/santaclaude2025/storesync/pkg/observe"
)

// Persister is the optional write-through persistence hook for a MemStore.
// Every mutation is mirrored to the persister; the full state is loaded back
// at open. The zero implementation is "no persistence" (nil Persister).
type Persister interface {
	SaveDoc(collection string, doc Document) error
	DeleteDoc(collection, uuid string) error
	SaveLocal(collection, key string, value map[string]any) error
	LoadAll() (docs map[string][]Document, locals map[string]map[string]map[string]any, err error)
	Close() error
}

// MemStore is the in-memory Store implementation. All reads are served from
// memory; writes go through the optional Persister first so a crash never
// loses acknowledged state.
type MemStore struct {
	mu      sync.RWMutex
	cols    map[string]*memCollection
	persist Persister
	logger  *slog.Logger
	closed  bool
}

// Open creates a MemStore with the given collections. When persist is
// non-nil, previously persisted documents and local records are loaded back
// in. A nil logger falls back to slog.Default().
func Open(cfgs []CollectionConfig, persist Persister, logger *slog.Logger) (*MemStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MemStore{
		cols:    make(map[string]*memCollection, len(cfgs)),
		persist: persist,
		logger:  logger,
	}
	for _, cfg := range cfgs {
		s.cols[cfg.Name] = &memCollection{
			cfg:          cfg,
			store:        s,
			docs:         make(map[string]Document),
			locals:       make(map[string]map[string]any),
			changed:      observe.NewSubject[struct{}](),
			localChanged: observe.NewSubject[string](),
		}
	}

	if persist != nil {
		docs, locals, err := persist.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted state: %w", err)
		}
		for name, list := range docs {
			col, ok := s.cols[name]
			if !ok {
				logger.Warn("persisted collection not configured, skipping", "collection", name)
				continue
			}
			for _, doc := range list {
				col.docs[doc.UUID()] = doc
			}
		}
		for name, byKey := range locals {
			col, ok := s.cols[name]
			if !ok {
				continue
			}
			for key, value := range byKey {
				col.locals[key] = value
			}
		}
	}

	return s, nil
}

// Collection returns the named collection.
func (s *MemStore) Collection(name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return col, nil
}

// Close completes every live query and closes the persister. Idempotent.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, col := range s.cols {
		col.changed.Complete()
		col.localChanged.Complete()
	}
	if s.persist != nil {
		return s.persist.Close()
	}
	return nil
}

type memCollection struct {
	cfg   CollectionConfig
	store *MemStore

	mu     sync.RWMutex
	docs   map[string]Document       // by uuid
	locals map[string]map[string]any // local-only key/value docs

	changed      *observe.Subject[struct{}]
	localChanged *observe.Subject[string]
}

func (c *memCollection) Name() string             { return c.cfg.Name }
func (c *memCollection) Config() CollectionConfig { return c.cfg }

func (c *memCollection) Find(sel Selector) *observe.Subscription[[]Document] {
	out := observe.NewSubject[[]Document]()
	sub := out.Subscribe()
	changes := c.changed.Subscribe()
	sub.OnUnsubscribe(changes.Unsubscribe)

	go func() {
		out.Next(c.FindOnce(sel))
		for range changes.C {
			out.Next(c.FindOnce(sel))
		}
		out.Complete()
	}()

	return sub
}

func (c *memCollection) FindOnce(sel Selector) []Document {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hits []Document
	for _, doc := range c.docs {
		if Matches(sel, doc) {
			hits = append(hits, doc.Clone())
		}
	}
	// Map iteration order is random; give callers a stable baseline order.
	sort.Slice(hits, func(i, j int) bool { return hits[i].UUID() < hits[j].UUID() })
	return hits
}

func (c *memCollection) Get(id string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %q in %q", ErrNotFound, id, c.cfg.Name)
	}
	return doc.Clone(), nil
}

func (c *memCollection) Insert(doc Document) (Document, error) {
	doc = NewDocument(doc)

	c.mu.Lock()
	if _, exists := c.docs[doc.UUID()]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("document %q already exists in %q", doc.UUID(), c.cfg.Name)
	}
	if err := c.saveLocked(doc); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.notify()
	// Same aliasing rule as Get: callers never hold the stored map.
	return doc.Clone(), nil
}

func (c *memCollection) BulkUpsert(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, incoming := range docs {
		existing := c.matchLocked(incoming)
		var merged Document
		if existing != nil {
			merged = existing.Merge(incoming)
			merged["uuid"] = existing.UUID()
		} else {
			merged = NewDocument(incoming)
		}
		if err := c.saveLocked(merged); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *memCollection) Patch(id string, data Document) (Document, error) {
	c.mu.Lock()
	existing, ok := c.docs[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: document %q in %q", ErrNotFound, id, c.cfg.Name)
	}
	merged := existing.Merge(data)
	merged["uuid"] = id
	if err := c.saveLocked(merged); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.notify()
	return merged.Clone(), nil
}

func (c *memCollection) Remove(id string) error {
	c.mu.Lock()
	if _, ok := c.docs[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: document %q in %q", ErrNotFound, id, c.cfg.Name)
	}
	if p := c.store.persist; p != nil {
		if err := p.DeleteDoc(c.cfg.Name, id); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to delete document: %w", err)
		}
	}
	delete(c.docs, id)
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *memCollection) UpsertLocal(key string, value map[string]any) error {
	c.mu.Lock()
	if p := c.store.persist; p != nil {
		if err := p.SaveLocal(c.cfg.Name, key, value); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to persist local doc: %w", err)
		}
	}
	c.locals[key] = value
	c.mu.Unlock()

	c.localChanged.Next(key)
	return nil
}

func (c *memCollection) GetLocal(key string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.locals[key]
	return value, ok
}

func (c *memCollection) LocalChanged() *observe.Subject[string] {
	return c.localChanged
}

func (c *memCollection) ParseRestResponse(raw map[string]any) Document {
	doc := Document{}
	if len(c.cfg.RestFields) > 0 {
		for _, f := range c.cfg.RestFields {
			if v, ok := raw[f]; ok {
				doc[f] = v
			}
		}
	} else {
		for k, v := range raw {
			doc[k] = v
		}
	}

	// The remote id always survives pruning; it is the upsert key.
	if id, ok := toInt64(raw["id"]); ok {
		doc["id"] = id
	}

	// Reuse the uuid of an already-synced copy of this remote document so a
	// re-pull updates in place instead of duplicating.
	if doc.UUID() == "" {
		if id, ok := doc.RemoteID(); ok {
			if existing := c.findByRemoteID(id); existing != nil {
				doc["uuid"] = existing.UUID()
			}
		}
	}
	if doc.UUID() == "" {
		doc["uuid"] = uuid.NewString()
	}
	return doc
}

func (c *memCollection) UpsertRefs(doc Document) (Document, error) {
	if len(c.cfg.References) == 0 {
		return doc, nil
	}

	out := doc.Clone()
	for field, colName := range c.cfg.References {
		nested, ok := out[field].([]any)
		if !ok {
			continue
		}
		sibling, err := c.store.Collection(colName)
		if err != nil {
			return nil, fmt.Errorf("reference field %q: %w", field, err)
		}

		ids := make([]any, 0, len(nested))
		var children []Document
		for _, item := range nested {
			raw, isMap := item.(map[string]any)
			if !isMap {
				// Already an id, keep as is.
				ids = append(ids, item)
				continue
			}
			child := sibling.ParseRestResponse(raw)
			children = append(children, child)
			if id, hasID := child.RemoteID(); hasID {
				ids = append(ids, id)
			} else {
				ids = append(ids, child.UUID())
			}
		}
		if len(children) > 0 {
			if err := sibling.BulkUpsert(children); err != nil {
				return nil, fmt.Errorf("reference field %q: %w", field, err)
			}
		}
		out[field] = ids
	}
	return out, nil
}

// matchLocked finds the existing document an incoming one should merge into:
// by uuid first, then by remote id.
func (c *memCollection) matchLocked(incoming Document) Document {
	if u := incoming.UUID(); u != "" {
		if existing, ok := c.docs[u]; ok {
			return existing
		}
	}
	if id, ok := incoming.RemoteID(); ok {
		for _, existing := range c.docs {
			if eid, eok := existing.RemoteID(); eok && eid == id {
				return existing
			}
		}
	}
	return nil
}

func (c *memCollection) findByRemoteID(id int64) Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, existing := range c.docs {
		if eid, ok := existing.RemoteID(); ok && eid == id {
			return existing
		}
	}
	return nil
}

func (c *memCollection) saveLocked(doc Document) error {
	if p := c.store.persist; p != nil {
		if err := p.SaveDoc(c.cfg.Name, doc); err != nil {
			return fmt.Errorf("failed to persist document: %w", err)
		}
	}
	c.docs[doc.UUID()] = doc
	return nil
}

func (c *memCollection) notify() {
	c.changed.Next(struct{}{})
}
