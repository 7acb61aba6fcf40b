package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/santaclaude2025/storesync/pkg/config"
	"github.com/santaclaude2025/storesync/pkg/logger"
	"github.com/santaclaude2025/storesync/pkg/manager"
	"github.com/santaclaude2025/storesync/pkg/replication"
	"github.com/santaclaude2025/storesync/pkg/rest"
	"github.com/santaclaude2025/storesync/pkg/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon in the foreground. Opens the local store, starts
one replication state per configured collection, and polls the backend until
interrupted. SIGINT or SIGTERM triggers a graceful shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// engine bundles everything a command needs to talk to the backend and the
// local store.
type engine struct {
	cfg     *config.Config
	manager *manager.Manager
	store   store.Store
	client  *rest.Client
	close   func()
}

func openEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logger.New(logger.Options{
		Path:  cfg.LogPath,
		Level: cfg.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	var persist store.Persister
	if cfg.DBPath != "" {
		persist, err = store.OpenSQLite(cfg.DBPath)
		if err != nil {
			logCloser.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	st, err := store.Open(cfg.Collections, persist, log)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	client := rest.NewClient(rest.Config{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.APIKey,
	}, log)

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	m := manager.New(manager.Config{
		Store:        st,
		Client:       client,
		PollInterval: cfg.PollInterval,
		PageSize:     cfg.PageSize,
		Limiter:      limiter,
		Logger:       log,
	})

	return &engine{
		cfg:     cfg,
		manager: m,
		store:   st,
		client:  client,
		close: func() {
			m.Cancel()
			st.Close()
			logCloser.Close()
		},
	}, nil
}

// states builds one replication state per configured collection.
func (e *engine) states() (map[string]*replication.State, error) {
	out := make(map[string]*replication.State, len(e.cfg.Collections))
	for _, col := range e.cfg.Collections {
		r, err := e.manager.Replication(col.Name)
		if err != nil {
			return nil, err
		}
		out[col.Name] = r
	}
	return out, nil
}

// waitForBackend blocks until the backend answers, with exponential backoff
// capped at two minutes of total waiting.
func (e *engine) waitForBackend(ctx context.Context) error {
	endpoint := e.cfg.Collections[0].Endpoint
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(2*time.Minute),
	), ctx)

	return backoff.Retry(func() error {
		_, err := e.client.Get(ctx, endpoint, url.Values{"per_page": {"1"}})
		return err
	}, policy)
}

func runSync() error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	fmt.Fprintf(os.Stderr, "Waiting for backend %s...\n", eng.cfg.BackendURL)
	if err := eng.waitForBackend(ctx); err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}

	states, err := eng.states()
	if err != nil {
		return err
	}

	var statusSrv *http.Server
	if eng.cfg.StatusAddr != "" {
		statusSrv = startStatusServer(eng.cfg.StatusAddr, states)
		defer statusSrv.Shutdown(context.Background())
	}

	eng.manager.Start()
	fmt.Fprintf(os.Stderr, "Syncing %d collections every %v (pid %d)\n",
		len(states), eng.cfg.PollInterval, os.Getpid())

	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "Received %v, shutting down\n", sig)
	return nil
}

// collectionStatus is one row of the status endpoint and the status command.
type collectionStatus struct {
	Collection string `json:"collection"`
	Remote     int    `json:"remote"`
	Local      int    `json:"local"`
	Unsynced   int    `json:"unsynced"`
	Active     bool   `json:"active"`
	Paused     bool   `json:"paused"`
}

func snapshot(states map[string]*replication.State) []collectionStatus {
	out := make([]collectionStatus, 0, len(states))
	for name, r := range states {
		out = append(out, collectionStatus{
			Collection: name,
			Remote:     len(r.RemoteIDs.Value()),
			Local:      len(r.LocalIDs.Value()),
			Unsynced:   len(r.UnsyncedRemoteIDs()),
			Active:     r.Active.Value(),
			Paused:     r.Paused.Value(),
		})
	}
	return out
}

func startStatusServer(addr string, states map[string]*replication.State) *http.Server {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot(states))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "status server error: %v\n", err)
		}
	}()
	return srv
}
