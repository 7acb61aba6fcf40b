// Package observe provides small multicast stream primitives used to push
// state and results between the sync engine's components.
//
// A Subject fans values out to any number of subscribers. A BehaviorSubject
// additionally remembers the latest value and replays it to new subscribers,
// which makes it suitable for state flags (active, paused) where a late
// subscriber still needs the current value.
//
// Delivery is lossy by design: each subscriber has a small buffer and the
// oldest pending value is dropped when the buffer is full. Consumers of state
// subjects only care about the latest value, and result streams re-emit on the
// next change anyway, so a slow subscriber never blocks a producer.
package observe

import "sync"

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// Subscription is a handle to one subscriber of a Subject.
// Values arrive on C. C is closed when the Subject completes or the
// subscription is cancelled.
type Subscription[T any] struct {
	C <-chan T

	once    sync.Once
	detach  func()
	cancels []func()
	mu      sync.Mutex
}

// Unsubscribe detaches from the Subject and closes C.
// Safe to call multiple times.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.mu.Lock()
		cancels := s.cancels
		s.cancels = nil
		s.mu.Unlock()
		for _, f := range cancels {
			f()
		}
	})
}

// OnUnsubscribe registers a cleanup function to run when the subscription is
// cancelled. Used to tie derived resources (timers, nested subscriptions) to
// the lifetime of this one.
func (s *Subscription[T]) OnUnsubscribe(f func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, f)
	s.mu.Unlock()
}

// Subject is a multicast push stream with no initial value.
type Subject[T any] struct {
	mu        sync.Mutex
	subs      map[uint64]chan T
	nextID    uint64
	completed bool
}

// NewSubject creates an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a new subscriber. If the Subject has already completed,
// the returned subscription's channel is closed immediately.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if s.completed {
		close(ch)
		return &Subscription[T]{C: ch}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return &Subscription[T]{
		C: ch,
		detach: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		},
	}
}

// Next pushes a value to all current subscribers.
// No-op after Complete.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	for _, ch := range s.subs {
		send(ch, v)
	}
}

// Complete closes every subscriber channel exactly once. Subsequent calls to
// Next and Complete are no-ops, so double cancellation of an owner never
// re-emits a completion.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Completed reports whether Complete has been called.
func (s *Subject[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// send delivers v without blocking, dropping the oldest buffered value when
// the subscriber is behind.
func send[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// BehaviorSubject is a Subject that holds a current value and replays it to
// new subscribers.
type BehaviorSubject[T any] struct {
	mu        sync.Mutex
	subs      map[uint64]chan T
	nextID    uint64
	completed bool
	value     T
}

// NewBehaviorSubject creates a BehaviorSubject seeded with initial.
func NewBehaviorSubject[T any](initial T) *BehaviorSubject[T] {
	return &BehaviorSubject[T]{subs: make(map[uint64]chan T), value: initial}
}

// Value returns the current value.
func (s *BehaviorSubject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers a subscriber and immediately delivers the current value.
func (s *BehaviorSubject[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if s.completed {
		close(ch)
		return &Subscription[T]{C: ch}
	}

	ch <- s.value
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return &Subscription[T]{
		C: ch,
		detach: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		},
	}
}

// Next updates the current value and pushes it to all subscribers.
// No-op after Complete.
func (s *BehaviorSubject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.value = v
	for _, ch := range s.subs {
		send(ch, v)
	}
}

// Complete closes every subscriber channel exactly once; idempotent.
func (s *BehaviorSubject[T]) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Completed reports whether Complete has been called.
func (s *BehaviorSubject[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
