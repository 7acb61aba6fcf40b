package manager

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/santaclaude2025/storesync/internal/remotemock"
	"github.com/santaclaude2025/storesync/pkg/query"
	"github.com/santaclaude2025/storesync/pkg/rest"
	"github.com/santaclaude2025/storesync/pkg/store"
)

func newManager(t *testing.T) (*Manager, *remotemock.Server) {
	t.Helper()

	remote := remotemock.New()
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	st, err := store.Open([]store.CollectionConfig{
		{Name: "sessions", Endpoint: "sessions", RestFields: []string{"id", "title", "status", "date_modified_gmt"}},
		{Name: "notes", Endpoint: "notes", RestFields: []string{"id", "body", "date_modified_gmt"}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := New(Config{
		Store:        st,
		Client:       rest.NewClient(rest.Config{BaseURL: srv.URL, APIKey: "test-key"}, nil),
		PollInterval: time.Minute,
		PageSize:     50,
	})
	t.Cleanup(m.Cancel)

	return m, remote
}

type queryKey struct {
	Collection string `json:"collection"`
	View       string `json:"view"`
}

func TestRegisterQueryDeduplicatesByKey(t *testing.T) {
	m, _ := newManager(t)

	key := queryKey{Collection: "sessions", View: "open"}
	q1, err := m.RegisterQuery(key, "sessions", query.Params{}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	q1.Where("status", "open")

	q2, err := m.RegisterQuery(key, "sessions", query.Params{Search: "ignored"}, nil)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if q1 != q2 {
		t.Fatal("same key returned a different query instance")
	}
	if q2.CurrentParams().Search == "ignored" {
		t.Fatal("re-registration reset existing params")
	}
	if q2.CurrentParams().Selector["status"] != "open" {
		t.Fatal("existing where clause lost on re-registration")
	}
}

func TestSerializeQueryKeyIsOrderStable(t *testing.T) {
	a, err := SerializeQueryKey(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b, err := SerializeQueryKey(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if a != b {
		t.Fatalf("equal keys serialized differently: %q vs %q", a, b)
	}
}

func TestUnserializableKeyReportsOnErrorStream(t *testing.T) {
	m, _ := newManager(t)
	sub := m.Errors().Subscribe()
	defer sub.Unsubscribe()

	type node struct {
		Next *node `json:"next"`
	}
	cyclic := &node{}
	cyclic.Next = cyclic

	q, err := m.RegisterQuery(cyclic, "sessions", query.Params{}, nil)
	if err == nil {
		t.Fatal("cyclic key did not fail")
	}
	if q != nil {
		t.Fatal("cyclic key returned a query")
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("serialization error not reported on aggregate stream")
	}
}

func TestGetQueryReportsNotFound(t *testing.T) {
	m, _ := newManager(t)
	sub := m.Errors().Subscribe()
	defer sub.Unsubscribe()

	if _, err := m.GetQuery(queryKey{Collection: "sessions", View: "missing"}); err == nil {
		t.Fatal("missing key did not return an error")
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("not-found error not reported on aggregate stream")
	}
}

func TestDeregisterCancelsQuery(t *testing.T) {
	m, _ := newManager(t)

	key := queryKey{Collection: "sessions", View: "all"}
	q, err := m.RegisterQuery(key, "sessions", query.Params{}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.DeregisterQuery(key); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !q.Results().Completed() {
		t.Fatal("deregistered query still live")
	}
	if _, err := m.GetQuery(key); err == nil {
		t.Fatal("deregistered key still registered")
	}
}

func TestQueriesShareReplicationPerCollection(t *testing.T) {
	m, _ := newManager(t)

	if _, err := m.RegisterQuery("k1", "sessions", query.Params{}, nil); err != nil {
		t.Fatalf("register k1: %v", err)
	}
	if _, err := m.RegisterQuery("k2", "sessions", query.Params{}, nil); err != nil {
		t.Fatalf("register k2: %v", err)
	}

	m.mu.Lock()
	n := len(m.repls)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("replication states = %d, want 1 shared", n)
	}
}

func TestRegisterQueryHooksOverrideAudit(t *testing.T) {
	m, remote := newManager(t)

	// The override stands in for a child resource whose ids can only be
	// enumerated through its parent.
	_, err := m.RegisterQuery("children", "notes", query.Params{}, &Hooks{
		FetchRemoteIDs: func(ctx context.Context) ([]int64, error) {
			return []int64{7, 8, 9}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r, err := m.Replication("notes")
	if err != nil {
		t.Fatalf("replication: %v", err)
	}
	if err := r.RunAudit(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}

	ids := r.RemoteIDs.Value()
	if len(ids) != 3 || ids[0] != 7 || ids[2] != 9 {
		t.Fatalf("remote ids = %v, want the hook's [7 8 9]", ids)
	}
	if remote.MaxInflight() != 0 {
		t.Fatal("audit hit the enumeration endpoint despite the override hook")
	}
}

func TestParamChangeTriggersPull(t *testing.T) {
	m, remote := newManager(t)
	remote.Seed("sessions",
		map[string]any{"id": int64(1), "title": "a", "status": "open"},
		map[string]any{"id": int64(2), "title": "b", "status": "closed"},
	)

	q, err := m.RegisterQuery("pulls", "sessions", query.Params{}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	sub := q.Results().Subscribe()
	defer sub.Unsubscribe()

	// The where change publishes new params, which the manager answers with
	// a remote pull; the fetched documents then flow through the query.
	q.Where("status", "open")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-sub.C:
			if r.Count == 1 && r.Hits[0].Document["status"] == "open" {
				return
			}
		case <-deadline:
			t.Fatal("param change did not pull matching remote documents")
		}
	}
}

func TestCancelIsIdempotentAndCompletesErrors(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.RegisterQuery("k", "notes", query.Params{}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Cancel()
	m.Cancel()

	if !m.Errors().Completed() {
		t.Fatal("aggregate error stream not completed")
	}
	if _, err := m.RegisterQuery("after", "notes", query.Params{}, nil); err == nil {
		t.Fatal("register after cancel succeeded")
	}
}
