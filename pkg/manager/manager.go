// Package manager is the keyed registry owning every live Query and its
// paired replication State. UI components sharing a key observe the same
// stream instead of duplicating network and storage work.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/query"
	"github.com/santaclaude2025/storesync/pkg/replication"
	"github.com/santaclaude2025/storesync/pkg/rest"
	"github.com/santaclaude2025/storesync/pkg/search"
	"github.com/santaclaude2025/storesync/pkg/store"
)

// Config wires a Manager.
type Config struct {
	Store  store.Store
	Client *rest.Client

	// Indexes maps collection name to its search index. Collections with
	// configured search fields and no entry here get an in-memory index.
	Indexes map[string]search.Index

	// PollInterval and PageSize are passed through to replication states.
	PollInterval time.Duration
	PageSize     int

	// Limiter caps the combined request rate across all replication states.
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// Hooks customizes the replication plumbing built for a query's collection.
// They apply when the collection's replication state is first created; later
// registrations against the same collection share that state unchanged.
type Hooks struct {
	// FetchRemoteIDs overrides the audit's id enumeration for endpoints that
	// cannot enumerate directly, e.g. child resources nested under a parent.
	FetchRemoteIDs func(ctx context.Context) ([]int64, error)
}

// entry pairs one registered query with the plumbing that keeps it synced.
type entry struct {
	query     *query.Query
	repl      *replication.State
	paramsSub *observe.Subscription[query.Params]
	errSub    *observe.Subscription[error]
	index     *search.MemIndex
}

// Manager owns queries keyed by serialized registration key and one
// replication State per collection. Its Errors stream merges every child
// error stream, so one subscription observes everything beneath it.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	errors *observe.Subject[error]

	mu       sync.Mutex
	queries  map[string]*entry
	repls    map[string]*replication.State
	replErrs []*observe.Subscription[error]
	canceled bool
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		errors:  observe.NewSubject[error](),
		queries: make(map[string]*entry),
		repls:   make(map[string]*replication.State),
	}
}

// Errors is the aggregate error stream.
func (m *Manager) Errors() *observe.Subject[error] { return m.errors }

// SerializeQueryKey produces the stable, order-sensitive string identity of a
// registration key. Map keys are sorted by the JSON encoder, so equal keys
// serialize equally regardless of construction order.
func SerializeQueryKey(key any) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to serialize query key: %w", err)
	}
	return string(b), nil
}

// RegisterQuery returns the live query for key, creating it on first use. An
// existing key returns the same instance with its params untouched. A key
// that cannot be serialized is reported on Errors and returns the error.
// hooks may be nil.
func (m *Manager) RegisterQuery(key any, collectionName string, params query.Params, hooks *Hooks) (*query.Query, error) {
	serialized, err := SerializeQueryKey(key)
	if err != nil {
		m.report(err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.canceled {
		err := fmt.Errorf("manager is canceled")
		m.reportLocked(err)
		return nil, err
	}
	if e, ok := m.queries[serialized]; ok {
		return e.query, nil
	}

	coll, err := m.cfg.Store.Collection(collectionName)
	if err != nil {
		err = fmt.Errorf("failed to register query %s: %w", serialized, err)
		m.reportLocked(err)
		return nil, err
	}

	e := &entry{}

	idx := m.cfg.Indexes[collectionName]
	if idx == nil && len(coll.Config().SearchFields) > 0 {
		memIdx := search.NewMemIndex(coll)
		e.index = memIdx
		idx = memIdx
	}

	q := query.New(query.Config{
		Collection: coll,
		Index:      idx,
		PageSize:   m.cfg.PageSize,
		Logger:     m.logger,
	})
	applyParams(q, params)
	e.query = q

	e.repl = m.replicationLocked(coll, hooks)

	// Every parameter change asks replication to pull matching remote data,
	// so the local store converges toward what the query displays.
	e.paramsSub = q.Params().Subscribe()
	go func(repl *replication.State, q *query.Query, sub *observe.Subscription[query.Params]) {
		for range sub.C {
			if err := repl.RunPull(context.Background(), q.APIQueryParams(), nil); err != nil {
				m.logger.Debug("pull for query params failed", "error", err)
			}
		}
	}(e.repl, q, e.paramsSub)

	e.errSub = q.Errors().Subscribe()
	go m.forward(e.errSub)

	m.queries[serialized] = e
	m.logger.Debug("query registered", "key", serialized, "collection", collectionName)
	return q, nil
}

// GetQuery returns the query registered under key. A missing key is reported
// on the aggregate error stream and returned as an error, never as a silent
// nil.
func (m *Manager) GetQuery(key any) (*query.Query, error) {
	serialized, err := SerializeQueryKey(key)
	if err != nil {
		m.report(err)
		return nil, err
	}

	m.mu.Lock()
	e, ok := m.queries[serialized]
	m.mu.Unlock()

	if !ok {
		err := fmt.Errorf("query not found: %s", serialized)
		m.report(err)
		return nil, err
	}
	return e.query, nil
}

// DeregisterQuery cancels and removes the query registered under key. The
// collection's replication state stays; other queries may share it.
func (m *Manager) DeregisterQuery(key any) error {
	serialized, err := SerializeQueryKey(key)
	if err != nil {
		m.report(err)
		return err
	}

	m.mu.Lock()
	e, ok := m.queries[serialized]
	delete(m.queries, serialized)
	m.mu.Unlock()

	if !ok {
		err := fmt.Errorf("query not found: %s", serialized)
		m.report(err)
		return err
	}

	m.teardown(e)
	m.logger.Debug("query deregistered", "key", serialized)
	return nil
}

// Replication returns the replication state for a collection, creating it on
// first use.
func (m *Manager) Replication(collectionName string) (*replication.State, error) {
	coll, err := m.cfg.Store.Collection(collectionName)
	if err != nil {
		m.report(err)
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replicationLocked(coll, nil), nil
}

// Start unpauses every owned replication state.
func (m *Manager) Start() {
	m.mu.Lock()
	states := make([]*replication.State, 0, len(m.repls))
	for _, r := range m.repls {
		states = append(states, r)
	}
	m.mu.Unlock()
	for _, r := range states {
		r.Start()
	}
}

// Cancel tears down every owned query and replication state and completes the
// aggregate error stream. Safe to call more than once.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return
	}
	m.canceled = true
	entries := make([]*entry, 0, len(m.queries))
	for _, e := range m.queries {
		entries = append(entries, e)
	}
	m.queries = make(map[string]*entry)
	states := make([]*replication.State, 0, len(m.repls))
	for _, r := range m.repls {
		states = append(states, r)
	}
	m.repls = make(map[string]*replication.State)
	replErrs := m.replErrs
	m.replErrs = nil
	m.mu.Unlock()

	for _, e := range entries {
		m.teardown(e)
	}
	for _, sub := range replErrs {
		sub.Unsubscribe()
	}
	for _, r := range states {
		r.Cancel()
	}
	m.errors.Complete()
}

// replicationLocked returns the collection's replication state, creating and
// wiring it on first use. Caller holds m.mu.
func (m *Manager) replicationLocked(coll store.Collection, hooks *Hooks) *replication.State {
	if r, ok := m.repls[coll.Name()]; ok {
		return r
	}
	rcfg := replication.Config{
		Collection:   coll,
		Client:       m.cfg.Client,
		PollInterval: m.cfg.PollInterval,
		PageSize:     m.cfg.PageSize,
		Limiter:      m.cfg.Limiter,
		Logger:       m.logger,
	}
	if hooks != nil {
		rcfg.FetchRemoteIDs = hooks.FetchRemoteIDs
	}
	r := replication.New(rcfg)
	m.repls[coll.Name()] = r

	sub := r.Errors.Subscribe()
	m.replErrs = append(m.replErrs, sub)
	go m.forward(sub)

	return r
}

func (m *Manager) teardown(e *entry) {
	e.paramsSub.Unsubscribe()
	e.errSub.Unsubscribe()
	e.query.Cancel()
	if e.index != nil {
		e.index.Close()
	}
}

// forward copies one child error stream onto the aggregate stream.
func (m *Manager) forward(sub *observe.Subscription[error]) {
	for err := range sub.C {
		m.errors.Next(err)
	}
}

func (m *Manager) report(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportLocked(err)
}

func (m *Manager) reportLocked(err error) {
	if m.canceled {
		return
	}
	m.logger.Warn("manager error", "error", err)
	m.errors.Next(err)
}

// applyParams seeds a fresh query with its initial parameters.
func applyParams(q *query.Query, p query.Params) {
	for field, value := range p.Selector {
		q.Where(field, value)
	}
	if p.SortBy != "" {
		q.Sort(p.SortBy, p.SortDirection)
	}
	if p.Search != "" {
		q.Search(p.Search)
	}
}
