// Package remotemock is an in-memory stand-in for the remote REST backend,
// speaking the conventions the sync engine expects: {"data"} envelopes,
// fields[]=id enumeration, posts_per_page=-1, POST with
// X-HTTP-Method-Override for bulk fetch-by-id, and PATCH/POST writes.
package remotemock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"
)

// Server is an http.Handler simulating one remote site with any number of
// collection endpoints.
type Server struct {
	mu     sync.Mutex
	data   map[string][]map[string]any // endpoint -> documents
	nextID int64

	inflight    int32
	maxInflight int32

	router *chi.Mux
}

// New creates an empty server.
func New() *Server {
	s := &Server{
		data:   make(map[string][]map[string]any),
		nextID: 1000,
	}

	r := chi.NewRouter()
	r.Get("/*", s.handleList)
	r.Post("/*", s.handleCreateOrList)
	r.Patch("/*", s.handlePatch)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cur := atomic.AddInt32(&s.inflight, 1)
	for {
		old := atomic.LoadInt32(&s.maxInflight)
		if cur <= old || atomic.CompareAndSwapInt32(&s.maxInflight, old, cur) {
			break
		}
	}
	defer atomic.AddInt32(&s.inflight, -1)

	s.router.ServeHTTP(w, r)
}

// MaxInflight reports the highest number of concurrently served requests,
// used to assert the at-most-one scheduling guarantee.
func (s *Server) MaxInflight() int {
	return int(atomic.LoadInt32(&s.maxInflight))
}

// Seed adds documents to an endpoint, assigning ids to any without one.
func (s *Server) Seed(endpoint string, docs ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if _, ok := doc["id"]; !ok {
			doc["id"] = s.nextID
			s.nextID++
		}
		if _, ok := doc["date_modified_gmt"]; !ok {
			doc["date_modified_gmt"] = time.Now().UTC().Format("2006-01-02T15:04:05")
		}
		s.data[endpoint] = append(s.data[endpoint], doc)
	}
}

// Delete removes a document from an endpoint by id.
func (s *Server) Delete(endpoint string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.data[endpoint]
	for i, doc := range docs {
		if docID(doc) == id {
			s.data[endpoint] = append(docs[:i], docs[i+1:]...)
			return
		}
	}
}

// Documents returns a copy of an endpoint's documents.
func (s *Server) Documents(endpoint string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.data[endpoint]))
	copy(out, s.data[endpoint])
	return out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.Trim(r.URL.Path, "/")
	s.list(w, r, endpoint, nil)
}

// handleCreateOrList dispatches on the method-override header: a logical GET
// carries an {include} body, anything else is a create.
func (s *Server) handleCreateOrList(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.Trim(r.URL.Path, "/")

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.Header.Get("X-HTTP-Method-Override") == http.MethodGet {
		var filter struct {
			Include []int64 `json:"include"`
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &filter); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		s.list(w, r, endpoint, filter.Include)
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	doc["id"] = s.nextID
	s.nextID++
	doc["date_modified_gmt"] = time.Now().UTC().Format("2006-01-02T15:04:05")
	s.data[endpoint] = append(s.data[endpoint], doc)
	s.mu.Unlock()

	writeData(w, doc)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	endpoint := path[:idx]
	id, err := strconv.ParseInt(path[idx+1:], 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var patch map[string]any
	if err := json.Unmarshal(body, &patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.data[endpoint] {
		if docID(doc) != id {
			continue
		}
		for k, v := range patch {
			doc[k] = v
		}
		doc["date_modified_gmt"] = time.Now().UTC().Format("2006-01-02T15:04:05")
		writeData(w, doc)
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, endpoint string, include []int64) {
	q := r.URL.Query()

	s.mu.Lock()
	docs := make([]map[string]any, len(s.data[endpoint]))
	copy(docs, s.data[endpoint])
	s.mu.Unlock()

	if include != nil {
		docs = filterByID(docs, include)
	}
	if after := q.Get("modified_after"); after != "" {
		var kept []map[string]any
		for _, doc := range docs {
			if mod, _ := doc["date_modified_gmt"].(string); mod > after {
				kept = append(kept, doc)
			}
		}
		docs = kept
	}

	// Identifier enumeration: fields[]=id strips everything else.
	if fields := q["fields[]"]; len(fields) == 1 && fields[0] == "id" {
		out := make([]map[string]any, len(docs))
		for i, doc := range docs {
			out[i] = map[string]any{"id": doc["id"]}
		}
		docs = out
	}

	// posts_per_page=-1 means no limit; otherwise per_page caps the result.
	if q.Get("posts_per_page") != "-1" {
		perPage := 10
		if pp := q.Get("per_page"); pp != "" {
			if n, err := strconv.Atoi(pp); err == nil && n > 0 {
				perPage = n
			}
		}
		if len(docs) > perPage {
			docs = docs[:perPage]
		}
	}

	if docs == nil {
		docs = []map[string]any{}
	}
	writeData(w, docs)
}

// readBody handles the transport's zstd-compressed request bodies.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if r.Header.Get("Content-Encoding") != "zstd" {
		return body, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return out, nil
}

func filterByID(docs []map[string]any, ids []int64) []map[string]any {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []map[string]any
	for _, doc := range docs {
		if want[docID(doc)] {
			out = append(out, doc)
		}
	}
	return out
}

func docID(doc map[string]any) int64 {
	switch n := doc["id"].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func writeData(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": payload})
}
