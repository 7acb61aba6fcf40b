package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAtMostOneInFlight(t *testing.T) {
	s := New(nil, nil)
	defer s.Cancel()

	var running, maxRunning int32
	job := func(ctx context.Context) (any, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxRunning)
			if cur <= old || atomic.CompareAndSwapInt32(&maxRunning, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}

	var chans []<-chan Result
	for i, id := range []string{"audit", "pull", "push"} {
		chans = append(chans, s.Schedule(context.Background(), JobSpec{ID: id, Priority: Priority(i)}, job))
	}
	for _, ch := range chans {
		if r := <-ch; r.Err != nil {
			t.Fatalf("job failed: %v", r.Err)
		}
	}

	if got := atomic.LoadInt32(&maxRunning); got != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	s := New(nil, nil)
	defer s.Cancel()

	var mu sync.Mutex
	var order []string
	record := func(id string) func(context.Context) (any, error) {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}
	}

	// Block the worker so the remaining jobs queue up and get reordered.
	release := make(chan struct{})
	gate := s.Schedule(context.Background(), JobSpec{ID: "gate", Priority: PriorityPull}, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	pull := s.Schedule(context.Background(), JobSpec{ID: "pull", Priority: PriorityPull}, record("pull"))
	audit := s.Schedule(context.Background(), JobSpec{ID: "audit", Priority: PriorityAudit}, record("audit"))
	lastMod := s.Schedule(context.Background(), JobSpec{ID: "lastModified", Priority: PriorityLastModified}, record("lastModified"))
	close(release)

	for _, ch := range []<-chan Result{gate, pull, audit, lastMod} {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"audit", "lastModified", "pull"}
	if len(order) != len(want) {
		t.Fatalf("ran %d jobs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestDuplicateInFlightIsCoalesced(t *testing.T) {
	s := New(nil, nil)
	defer s.Cancel()

	var calls int32
	release := make(chan struct{})
	job := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "done", nil
	}

	first := s.Schedule(context.Background(), JobSpec{ID: "pull"}, job)
	// Give the worker a moment to start the first job, then pile on.
	time.Sleep(10 * time.Millisecond)
	second := s.Schedule(context.Background(), JobSpec{ID: "pull"}, job)
	close(release)

	r1, r2 := <-first, <-second
	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("jobs failed: %v, %v", r1.Err, r2.Err)
	}
	if r1.Value != "done" || r2.Value != "done" {
		t.Errorf("coalesced results = %v, %v, want done", r1.Value, r2.Value)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn ran %d times, want 1", got)
	}
}

func TestCancelDrainsPendingJobs(t *testing.T) {
	s := New(nil, nil)

	release := make(chan struct{})
	gate := s.Schedule(context.Background(), JobSpec{ID: "gate"}, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	var ran int32
	pending := s.Schedule(context.Background(), JobSpec{ID: "pending"}, func(ctx context.Context) (any, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	})

	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	s.Cancel() // idempotent
	close(release)

	if r := <-pending; !errors.Is(r.Err, ErrCanceled) {
		t.Errorf("pending job err = %v, want ErrCanceled", r.Err)
	}
	<-gate
	s.Wait()

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("drained job still ran")
	}
	if !s.Active().Completed() {
		t.Error("active subject not completed after Cancel")
	}

	if r := <-s.Schedule(context.Background(), JobSpec{ID: "late"}, nil); !errors.Is(r.Err, ErrCanceled) {
		t.Errorf("post-cancel schedule err = %v, want ErrCanceled", r.Err)
	}
}

func TestActiveTracksRunningJob(t *testing.T) {
	s := New(nil, nil)
	defer s.Cancel()

	sub := s.Active().Subscribe()
	defer sub.Unsubscribe()
	if got := <-sub.C; got {
		t.Fatal("active should start false")
	}

	release := make(chan struct{})
	done := s.Schedule(context.Background(), JobSpec{ID: "pull"}, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	if got := <-sub.C; !got {
		t.Error("active did not flip true when job started")
	}
	close(release)
	<-done
	if got := <-sub.C; got {
		t.Error("active did not flip back false when job finished")
	}
}
