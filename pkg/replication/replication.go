// Package replication keeps one local collection consistent with one remote
// endpoint. Each State is an independent machine that reconciles the remote
// identifier set against local documents (audit), pulls changed or missing
// documents, pushes local creates and patches, and prunes local documents the
// remote no longer knows — all serialized through a single-concurrency
// scheduler so network calls for the same collection never race.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/santaclaude2025/storesync/pkg/observe"
	"github.com/santaclaude2025/storesync/pkg/rest"
	"github.com/santaclaude2025/storesync/pkg/scheduler"
	"github.com/santaclaude2025/storesync/pkg/store"
)

// DefaultPollInterval is how often an unpaused State audits and pulls.
const DefaultPollInterval = 5 * time.Minute

// DefaultPageSize caps one pull batch.
const DefaultPageSize = 10

// Lifecycle states.
const (
	StatePaused   = "paused"
	StateIdle     = "idle"
	StateAuditing = "auditing"
	StatePulling  = "pulling"
	StateCanceled = "canceled"
)

const (
	eventStart     = "start"
	eventPause     = "pause"
	eventAudit     = "audit"
	eventAuditDone = "audit_done"
	eventPull      = "pull"
	eventPullDone  = "pull_done"
	eventCancel    = "cancel"
)

// Config configures one replication State.
type Config struct {
	Collection store.Collection
	Client     *rest.Client

	// Endpoint is the remote path; defaults to the collection config's
	// endpoint.
	Endpoint string

	// PollInterval between audit/pull cycles. Default DefaultPollInterval.
	PollInterval time.Duration

	// PageSize caps one pull batch. Default DefaultPageSize.
	PageSize int

	// FetchRemoteIDs overrides the audit's id enumeration for endpoints that
	// cannot enumerate directly (e.g. child resources nested under a parent).
	FetchRemoteIDs func(ctx context.Context) ([]int64, error)

	// Limiter caps the request rate of this State's scheduler. Optional.
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// State is the per-collection replication machine. The exported subjects are
// independently observable; RemoteIDs and LocalIDs are maintained separately
// and their difference drives the next pull.
type State struct {
	cfg    Config
	logger *slog.Logger
	sched  *scheduler.Scheduler

	Active       *observe.BehaviorSubject[bool]
	Paused       *observe.BehaviorSubject[bool]
	Canceled     *observe.BehaviorSubject[bool]
	RemoteIDs    *observe.BehaviorSubject[[]int64]
	LocalIDs     *observe.BehaviorSubject[[]int64]
	LastModified *observe.BehaviorSubject[string]
	Errors       *observe.Subject[error]

	mu        sync.Mutex
	machine   *fsm.FSM
	lastAudit time.Time

	stopCh    chan struct{}
	unpause   chan struct{}
	docsSub   *observe.Subscription[[]store.Document]
	activeSub *observe.Subscription[bool]
	canceled  bool
}

// New constructs a State. RemoteIDs is seeded from the collection's persisted
// audit record, so a restart resumes where the last audit left off. The State
// starts paused; call Start to arm the polling loop.
func New(cfg Config) *State {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Collection.Config().Endpoint
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	logger := cfg.Logger.With("collection", cfg.Collection.Name())

	s := &State{
		cfg:    cfg,
		logger: logger,
		sched:  scheduler.New(cfg.Limiter, logger),

		Active:       observe.NewBehaviorSubject(false),
		Paused:       observe.NewBehaviorSubject(true),
		Canceled:     observe.NewBehaviorSubject(false),
		RemoteIDs:    observe.NewBehaviorSubject[[]int64](nil),
		LocalIDs:     observe.NewBehaviorSubject[[]int64](nil),
		LastModified: observe.NewBehaviorSubject(""),
		Errors:       observe.NewSubject[error](),

		stopCh:  make(chan struct{}),
		unpause: make(chan struct{}, 1),
	}

	s.machine = fsm.NewFSM(
		StatePaused,
		fsm.Events{
			{Name: eventStart, Src: []string{StatePaused}, Dst: StateIdle},
			{Name: eventPause, Src: []string{StateIdle}, Dst: StatePaused},
			// Audits and pulls may be triggered manually while paused.
			{Name: eventAudit, Src: []string{StateIdle, StatePaused}, Dst: StateAuditing},
			{Name: eventAuditDone, Src: []string{StateAuditing}, Dst: StateIdle},
			{Name: eventPull, Src: []string{StateIdle, StatePaused}, Dst: StatePulling},
			{Name: eventPullDone, Src: []string{StatePulling}, Dst: StateIdle},
			{Name: eventCancel, Src: []string{
				StatePaused, StateIdle, StateAuditing, StatePulling,
			}, Dst: StateCanceled},
		},
		fsm.Callbacks{},
	)

	// Seed the remote id set from the persisted audit record.
	if record, ok := cfg.Collection.GetLocal(s.auditKey()); ok {
		s.RemoteIDs.Next(idsFromRecord(record))
	}

	// Derive localIDs and lastModified from the local document set.
	s.docsSub = cfg.Collection.Find(nil)
	go func() {
		for docs := range s.docsSub.C {
			s.onLocalDocs(docs)
		}
	}()

	// The scheduler's activity is this State's activity.
	s.activeSub = s.sched.Active().Subscribe()
	go func() {
		for active := range s.activeSub.C {
			s.Active.Next(active)
		}
	}()

	go s.pollLoop()

	return s
}

// CurrentState returns the machine's lifecycle state.
func (s *State) CurrentState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Start unpauses the State and immediately fires one audit/pull cycle.
func (s *State) Start() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(eventStart)
	s.mu.Unlock()

	s.Paused.Next(false)
	select {
	case s.unpause <- struct{}{}:
	default:
	}
}

// Pause disarms the polling loop. In-flight work completes; no new cycles are
// scheduled until Start.
func (s *State) Pause() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(eventPause)
	s.mu.Unlock()

	s.Paused.Next(true)
}

// UnsyncedRemoteIDs returns remote ids not yet present locally — the set
// difference remoteIDs − localIDs that drives the next pull.
func (s *State) UnsyncedRemoteIDs() []int64 {
	local := make(map[int64]bool)
	for _, id := range s.LocalIDs.Value() {
		local[id] = true
	}
	var unsynced []int64
	for _, id := range s.RemoteIDs.Value() {
		if !local[id] {
			unsynced = append(unsynced, id)
		}
	}
	return unsynced
}

// RunAudit fetches the complete remote identifier set, persists it as the
// audit record, and prunes local documents whose id has disappeared from the
// remote — unless the collection is orphan-tolerant. Guarded to run at most
// once per poll interval.
func (s *State) RunAudit(ctx context.Context) error {
	res := <-s.sched.Schedule(ctx, scheduler.JobSpec{ID: "audit", Priority: scheduler.PriorityAudit}, s.auditJob)
	if res.Err != nil {
		s.report(fmt.Errorf("audit failed: %w", res.Err))
		return res.Err
	}
	return nil
}

func (s *State) auditJob(ctx context.Context) (any, error) {
	// The guard window is slightly under the poll interval so ticker ticks
	// that arrive marginally early still audit.
	s.mu.Lock()
	if time.Since(s.lastAudit) < s.cfg.PollInterval-s.cfg.PollInterval/10 {
		s.mu.Unlock()
		s.logger.Debug("audit skipped, ran within current interval")
		return nil, nil
	}
	s.transitionLocked(eventAudit)
	s.mu.Unlock()
	defer s.settle(eventAuditDone)

	ids, err := s.fetchRemoteIDs(ctx)
	if err != nil {
		return nil, err
	}

	record := map[string]any{"remoteIDs": ids}
	if err := s.cfg.Collection.UpsertLocal(s.auditKey(), record); err != nil {
		return nil, fmt.Errorf("failed to persist audit record: %w", err)
	}
	s.RemoteIDs.Next(ids)

	s.mu.Lock()
	s.lastAudit = time.Now()
	s.mu.Unlock()

	if !s.cfg.Collection.Config().OrphanTolerant {
		s.prune(ids)
	}

	s.logger.Debug("audit complete", "remote_ids", len(ids))
	return ids, nil
}

func (s *State) fetchRemoteIDs(ctx context.Context) ([]int64, error) {
	if s.cfg.FetchRemoteIDs != nil {
		return s.cfg.FetchRemoteIDs(ctx)
	}

	query := url.Values{"posts_per_page": {"-1"}}
	query.Add("fields[]", "id")
	data, err := s.cfg.Client.Get(ctx, s.cfg.Endpoint, query)
	if err != nil {
		return nil, err
	}
	items, err := rest.DataArray(data)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if id, ok := numericID(item["id"]); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// prune removes local documents whose remote id is no longer present
// remotely. Documents without a remote id are local creations awaiting push
// and are never pruned.
func (s *State) prune(remoteIDs []int64) {
	remote := make(map[int64]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = true
	}

	for _, doc := range s.cfg.Collection.FindOnce(nil) {
		id, ok := doc.RemoteID()
		if !ok || remote[id] {
			continue
		}
		if err := s.cfg.Collection.Remove(doc.UUID()); err != nil {
			s.report(fmt.Errorf("failed to prune document %s: %w", doc.UUID(), err))
			continue
		}
		s.logger.Debug("pruned document missing from remote", "remote_id", id)
	}
}

// RunPull fetches matching remote documents into the local store. include is
// forceInclude when non-nil, otherwise the full unsynced remote id set; it is
// honored in full, batched into PageSize-sized requests. An empty include
// with no other query parameters is a no-op: without that guard every
// parameter change on an already-synced collection would fire an empty
// request.
func (s *State) RunPull(ctx context.Context, params url.Values, forceInclude []int64) error {
	include := forceInclude
	if include == nil {
		include = s.UnsyncedRemoteIDs()
	}
	if len(include) == 0 && len(params) == 0 {
		return nil
	}

	res := <-s.sched.Schedule(ctx, scheduler.JobSpec{ID: "pull", Priority: scheduler.PriorityPull}, func(ctx context.Context) (any, error) {
		return nil, s.pullJob(ctx, params, include)
	})
	if res.Err != nil {
		s.report(fmt.Errorf("pull failed: %w", res.Err))
		return res.Err
	}
	return nil
}

func (s *State) pullJob(ctx context.Context, params url.Values, include []int64) error {
	s.mu.Lock()
	s.transitionLocked(eventPull)
	s.mu.Unlock()
	defer s.settle(eventPullDone)

	query := url.Values{}
	for k, vs := range params {
		query[k] = vs
	}
	if query.Get("per_page") == "" {
		query.Set("per_page", fmt.Sprint(s.cfg.PageSize))
	}

	if len(include) == 0 {
		data, err := s.cfg.Client.Get(ctx, s.cfg.Endpoint, query)
		if err != nil {
			return err
		}
		items, err := rest.DataArray(data)
		if err != nil {
			return err
		}
		return s.upsertFetched(items)
	}

	// An explicit id batch travels in a POST body with a method-override
	// header since REST APIs cap querystring id-list length. The whole set is
	// fetched, one PageSize batch per request.
	for start := 0; start < len(include); start += s.cfg.PageSize {
		end := start + s.cfg.PageSize
		if end > len(include) {
			end = len(include)
		}
		data, err := s.cfg.Client.PostOverrideGet(ctx, s.cfg.Endpoint, query, map[string]any{"include": include[start:end]})
		if err != nil {
			return err
		}
		items, err := rest.DataArray(data)
		if err != nil {
			return err
		}
		if err := s.upsertFetched(items); err != nil {
			return err
		}
	}
	return nil
}

// RunLastModifiedPull fetches documents modified since the newest local
// modification timestamp, catching edits to already-synced documents that an
// id-set audit cannot see.
func (s *State) RunLastModifiedPull(ctx context.Context) error {
	since := s.LastModified.Value()
	if since == "" {
		return nil
	}

	res := <-s.sched.Schedule(ctx, scheduler.JobSpec{ID: "lastModified", Priority: scheduler.PriorityLastModified}, func(ctx context.Context) (any, error) {
		query := url.Values{
			"modified_after": {since},
			"posts_per_page": {"-1"},
		}
		data, err := s.cfg.Client.Get(ctx, s.cfg.Endpoint, query)
		if err != nil {
			return nil, err
		}
		items, err := rest.DataArray(data)
		if err != nil {
			return nil, err
		}
		return nil, s.upsertFetched(items)
	})
	if res.Err != nil {
		s.report(fmt.Errorf("last-modified pull failed: %w", res.Err))
		return res.Err
	}
	return nil
}

// NextPage pulls the next batch of unsynced remote ids, for infinite-scroll
// consumers.
func (s *State) NextPage(ctx context.Context, params url.Values) error {
	unsynced := s.UnsyncedRemoteIDs()
	if len(unsynced) == 0 {
		return nil
	}
	if len(unsynced) > s.cfg.PageSize {
		unsynced = unsynced[:s.cfg.PageSize]
	}
	return s.RunPull(ctx, params, unsynced)
}

// upsertFetched normalizes fetched documents, resolves their nested
// references, and upserts the batch. Upsert is idempotent on the remote id.
func (s *State) upsertFetched(items []map[string]any) error {
	docs := make([]store.Document, 0, len(items))
	for _, raw := range items {
		doc := s.cfg.Collection.ParseRestResponse(raw)
		resolved, err := s.cfg.Collection.UpsertRefs(doc)
		if err != nil {
			return fmt.Errorf("failed to resolve references: %w", err)
		}
		docs = append(docs, resolved)
	}
	if err := s.cfg.Collection.BulkUpsert(docs); err != nil {
		return fmt.Errorf("failed to upsert pulled documents: %w", err)
	}
	return nil
}

// RemotePatch pushes a partial update for an already-synced document and
// merges the remote's canonical response back into the local copy.
func (s *State) RemotePatch(ctx context.Context, doc store.Document, data map[string]any) (store.Document, error) {
	id, ok := doc.RemoteID()
	if !ok {
		return nil, fmt.Errorf("document %s has no remote id", doc.UUID())
	}

	jobID := fmt.Sprintf("patch:%d", id)
	res := <-s.sched.Schedule(ctx, scheduler.JobSpec{ID: jobID, Priority: scheduler.PriorityPush}, func(ctx context.Context) (any, error) {
		raw, err := s.cfg.Client.Patch(ctx, fmt.Sprintf("%s/%d", s.cfg.Endpoint, id), data)
		if err != nil {
			return nil, err
		}
		obj, err := rest.DataObject(raw)
		if err != nil {
			return nil, err
		}
		return s.mergeRemote(obj)
	})
	if res.Err != nil {
		s.report(fmt.Errorf("remote patch failed: %w", res.Err))
		return nil, res.Err
	}
	return res.Value.(store.Document), nil
}

// RemoteCreate pushes a locally created document and merges the remote's
// response (which carries the assigned id) into the local copy.
func (s *State) RemoteCreate(ctx context.Context, data map[string]any) (store.Document, error) {
	res := <-s.sched.Schedule(ctx, scheduler.JobSpec{ID: "create", Priority: scheduler.PriorityPush}, func(ctx context.Context) (any, error) {
		raw, err := s.cfg.Client.Post(ctx, s.cfg.Endpoint, data)
		if err != nil {
			return nil, err
		}
		obj, err := rest.DataObject(raw)
		if err != nil {
			return nil, err
		}
		return s.mergeRemote(obj)
	})
	if res.Err != nil {
		s.report(fmt.Errorf("remote create failed: %w", res.Err))
		return nil, res.Err
	}
	return res.Value.(store.Document), nil
}

// mergeRemote lands one remote response document locally: normalize, resolve
// nested sub-entities first so foreign keys exist, then merge.
func (s *State) mergeRemote(obj map[string]any) (store.Document, error) {
	doc := s.cfg.Collection.ParseRestResponse(obj)
	resolved, err := s.cfg.Collection.UpsertRefs(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve references: %w", err)
	}
	if err := s.cfg.Collection.BulkUpsert([]store.Document{resolved}); err != nil {
		return nil, fmt.Errorf("failed to merge remote document: %w", err)
	}
	return s.cfg.Collection.Get(resolved.UUID())
}

// Cancel tears the State down: the polling loop stops, pending scheduler jobs
// are drained unrun, internal subscriptions are released, and every subject
// completes exactly once. An in-flight network call is allowed to finish; its
// result is discarded. Safe to call multiple times.
func (s *State) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.transitionLocked(eventCancel)
	s.mu.Unlock()

	close(s.stopCh)
	s.docsSub.Unsubscribe()
	s.activeSub.Unsubscribe()
	s.sched.Cancel()

	s.Canceled.Next(true)
	s.Active.Complete()
	s.Paused.Complete()
	s.Canceled.Complete()
	s.RemoteIDs.Complete()
	s.LocalIDs.Complete()
	s.LastModified.Complete()
	s.Errors.Complete()
}

// pollLoop drives the fixed-interval audit/pull cycle while unpaused. The
// interval is the retry policy: a failed cycle reports its error and the next
// tick tries again.
func (s *State) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.unpause:
		case <-ticker.C:
			if s.Paused.Value() {
				continue
			}
		}
		s.cycle()
	}
}

// cycle runs one audit + pull pass. Errors are already reported by the
// individual operations.
func (s *State) cycle() {
	ctx := context.Background()
	if err := s.RunAudit(ctx); err != nil {
		return
	}
	_ = s.RunLastModifiedPull(ctx)
	_ = s.RunPull(ctx, nil, nil)
}

// settle returns the machine to idle after a job, restoring paused if the
// State was paused while the job ran.
func (s *State) settle(doneEvent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(doneEvent)
	if s.Paused.Value() && s.machine.Current() == StateIdle {
		s.transitionLocked(eventPause)
	}
}

// transitionLocked fires a machine event, tolerating transitions that are
// invalid for the current state (e.g. pausing an already-paused machine).
func (s *State) transitionLocked(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Debug("state transition skipped", "event", event, "state", s.machine.Current(), "reason", err)
	}
}

// report pushes an error onto the error stream. Errors never cross component
// boundaries as panics or thrown values; consumers subscribe to Errors.
func (s *State) report(err error) {
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		return
	}
	s.logger.Warn("replication error", "error", err)
	s.Errors.Next(err)
}

func (s *State) auditKey() string {
	return "audit_" + s.cfg.Collection.Name()
}

// onLocalDocs recomputes LocalIDs and LastModified from a local snapshot.
func (s *State) onLocalDocs(docs []store.Document) {
	var ids []int64
	var lastModified string
	for _, doc := range docs {
		if id, ok := doc.RemoteID(); ok {
			ids = append(ids, id)
		}
		if mod := doc.DateModifiedGMT(); mod > lastModified {
			lastModified = mod
		}
	}
	s.LocalIDs.Next(ids)
	if lastModified != "" {
		s.LastModified.Next(lastModified)
	}
}

// idsFromRecord reads the audit record's id list. Fresh records hold []int64;
// records reloaded through JSON persistence hold []any of float64.
func idsFromRecord(record map[string]any) []int64 {
	switch raw := record["remoteIDs"].(type) {
	case []int64:
		return raw
	case []any:
		ids := make([]int64, 0, len(raw))
		for _, v := range raw {
			if id, ok := numericID(v); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
