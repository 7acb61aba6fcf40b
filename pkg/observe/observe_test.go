package observe

import (
	"testing"
	"time"
)

func TestSubjectFanOut(t *testing.T) {
	s := NewSubject[int]()
	a := s.Subscribe()
	b := s.Subscribe()

	s.Next(1)
	s.Next(2)

	for _, sub := range []*Subscription[int]{a, b} {
		if got := <-sub.C; got != 1 {
			t.Errorf("first value = %d, want 1", got)
		}
		if got := <-sub.C; got != 2 {
			t.Errorf("second value = %d, want 2", got)
		}
	}
}

func TestSubjectCompleteIsIdempotent(t *testing.T) {
	s := NewSubject[int]()
	sub := s.Subscribe()

	s.Complete()
	s.Complete() // must not panic or re-close

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Complete")
	}
	if !s.Completed() {
		t.Error("Completed() = false after Complete")
	}

	// Next after Complete is a no-op.
	s.Next(42)
}

func TestSubscribeAfterComplete(t *testing.T) {
	s := NewSubject[string]()
	s.Complete()

	sub := s.Subscribe()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel for late subscriber")
		}
	case <-time.After(time.Second):
		t.Error("late subscriber channel never closed")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject[int]()
	sub := s.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	s.Next(1)
	if _, ok := <-sub.C; ok {
		t.Error("received value after Unsubscribe")
	}
}

func TestOnUnsubscribeRuns(t *testing.T) {
	s := NewSubject[int]()
	sub := s.Subscribe()

	ran := false
	sub.OnUnsubscribe(func() { ran = true })
	sub.Unsubscribe()

	if !ran {
		t.Error("OnUnsubscribe hook did not run")
	}
}

func TestBehaviorSubjectReplaysCurrentValue(t *testing.T) {
	s := NewBehaviorSubject(10)

	if got := s.Value(); got != 10 {
		t.Fatalf("Value() = %d, want 10", got)
	}

	s.Next(20)
	sub := s.Subscribe()
	if got := <-sub.C; got != 20 {
		t.Errorf("replayed value = %d, want 20", got)
	}

	s.Next(30)
	if got := <-sub.C; got != 30 {
		t.Errorf("pushed value = %d, want 30", got)
	}
	if got := s.Value(); got != 30 {
		t.Errorf("Value() = %d, want 30", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	s := NewSubject[int]()
	sub := s.Subscribe()

	// Overfill the buffer; producer must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		s.Next(i)
	}

	// The newest value must still be present somewhere in the buffer.
	last := -1
	for {
		select {
		case v := <-sub.C:
			last = v
			continue
		default:
		}
		break
	}
	if last != subscriberBuffer*2-1 {
		t.Errorf("newest buffered value = %d, want %d", last, subscriberBuffer*2-1)
	}
}
