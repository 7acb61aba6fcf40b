// Package scheduler serializes a replication instance's network jobs. At most
// one job runs at a time, jobs are ordered by priority (audit first), and a
// job id already in flight or queued is coalesced instead of duplicated, so
// back-to-back triggers of the same operation cost one network call.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/santaclaude2025/storesync/pkg/observe"
)

// Priority orders queued jobs. Lower runs first.
type Priority int

const (
	PriorityAudit Priority = iota
	PriorityLastModified
	PriorityPull
	PriorityPush = PriorityPull
)

// ErrCanceled is delivered to waiters of jobs drained by Cancel.
var ErrCanceled = errors.New("scheduler: canceled")

// JobSpec identifies a job. ID doubles as the idempotency key: scheduling an
// ID that is already queued or running attaches the caller to the existing
// job's result.
type JobSpec struct {
	ID       string
	Priority Priority
}

// Result carries a finished job's value or error.
type Result struct {
	Value any
	Err   error
}

type job struct {
	spec      JobSpec
	fn        func(context.Context) (any, error)
	ctx       context.Context
	seq       uint64
	waiters   []chan Result
	delivered bool
}

// Scheduler is a single-concurrency priority job queue.
type Scheduler struct {
	mu       sync.Mutex
	queue    []*job
	inflight *job
	seq      uint64
	canceled bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	active  *observe.BehaviorSubject[bool]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Scheduler and starts its worker. limiter is an optional
// request rate cap applied before each job; nil means unlimited. A nil logger
// falls back to slog.Default().
func New(limiter *rate.Limiter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		active:  observe.NewBehaviorSubject(false),
		limiter: limiter,
		logger:  logger,
	}
	go s.run()
	return s
}

// Active is true while a job is running. Replication uses it to drive its
// own active flag.
func (s *Scheduler) Active() *observe.BehaviorSubject[bool] {
	return s.active
}

// Schedule enqueues fn under spec and returns a channel that receives exactly
// one Result and is then closed. If a job with the same ID is already queued
// or in flight, the caller is attached to that job instead and fn is dropped.
func (s *Scheduler) Schedule(ctx context.Context, spec JobSpec, fn func(context.Context) (any, error)) <-chan Result {
	ch := make(chan Result, 1)

	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		ch <- Result{Err: ErrCanceled}
		close(ch)
		return ch
	}

	if s.inflight != nil && s.inflight.spec.ID == spec.ID && !s.inflight.delivered {
		s.inflight.waiters = append(s.inflight.waiters, ch)
		s.mu.Unlock()
		return ch
	}
	for _, queued := range s.queue {
		if queued.spec.ID == spec.ID {
			queued.waiters = append(queued.waiters, ch)
			s.mu.Unlock()
			return ch
		}
	}

	s.seq++
	s.queue = append(s.queue, &job{
		spec:    spec,
		fn:      fn,
		ctx:     ctx,
		seq:     s.seq,
		waiters: []chan Result{ch},
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return ch
}

// Cancel stops the queue: pending jobs are drained without running (their
// waiters receive ErrCanceled) and no further jobs are accepted. An in-flight
// job is allowed to complete; there is no preemption. Idempotent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	drained := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, j := range drained {
		deliver(j, Result{Err: ErrCanceled})
	}
	close(s.done)
}

// Wait blocks until the worker has fully stopped after Cancel.
func (s *Scheduler) Wait() {
	<-s.stopped
}

func (s *Scheduler) run() {
	defer close(s.stopped)
	defer s.active.Complete()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			j := s.pop()
			if j == nil {
				break
			}

			s.active.Next(true)
			if s.limiter != nil {
				if err := s.limiter.Wait(j.ctx); err != nil {
					s.finish(j, Result{Err: err})
					continue
				}
			}

			value, err := j.fn(j.ctx)
			s.finish(j, Result{Value: value, Err: err})
		}
	}
}

// pop removes the highest-priority queued job (FIFO within a priority) and
// marks it in flight.
func (s *Scheduler) pop() *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		s.inflight = nil
		return nil
	}

	best := 0
	for i, j := range s.queue {
		cur := s.queue[best]
		if j.spec.Priority < cur.spec.Priority ||
			(j.spec.Priority == cur.spec.Priority && j.seq < cur.seq) {
			best = i
		}
	}
	j := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	s.inflight = j
	return j
}

func (s *Scheduler) finish(j *job, r Result) {
	s.mu.Lock()
	if s.inflight == j {
		s.inflight = nil
	}
	j.delivered = true
	waiters := j.waiters
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- r
		close(ch)
	}
	s.active.Next(false)

	if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
		s.logger.Debug("job failed", "job", j.spec.ID, "error", r.Err)
	}
}

func deliver(j *job, r Result) {
	for _, ch := range j.waiters {
		ch <- r
		close(ch)
	}
}
