package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		if e.Type != StreamGaveUp {
			t.Errorf("expected StreamGaveUp, got %s", e.Type)
		}
		called.Store(true)
	}, StreamGaveUp)

	bus.Publish(Event{Type: StreamGaveUp, Message: "test"})

	if !called.Load() {
		t.Error("subscriber was not called")
	}
}

func TestSubscriberIgnoresUnmatchedTypes(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		called.Store(true)
	}, StreamGaveUp)

	bus.Publish(Event{Type: MachineUpdated, Message: "update"})

	if called.Load() {
		t.Error("subscriber should not have been called for MachineUpdated")
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	bus.Subscribe(func(e Event) {
		count.Add(1)
	})

	bus.Publish(Event{Type: StreamConnected, Message: "a"})
	bus.Publish(Event{Type: BackendDown, Message: "b"})
	bus.Publish(Event{Type: MachineStopped, Message: "c"})

	if count.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", count.Load())
	}
}

func TestSubscribeSeverityFilters(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	bus.SubscribeSeverity(SeverityWarning, func(e Event) {
		count.Add(1)
	})

	bus.Publish(Event{Type: MachineUpdated, Severity: SeverityInfo})
	bus.Publish(Event{Type: MachineRisky, Severity: SeverityWarning})
	bus.Publish(Event{Type: StreamGaveUp, Severity: SeverityCritical})

	if count.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", count.Load())
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()
	var got time.Time

	bus.Subscribe(func(e Event) {
		got = e.Timestamp
	})

	bus.Publish(Event{Type: StreamConnected, Message: "ts"})

	if got.IsZero() {
		t.Error("timestamp was not set")
	}
}

func TestSubscriberPanicDoesNotPropagate(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		panic("boom")
	})
	bus.Subscribe(func(e Event) {
		called.Store(true)
	})

	bus.Publish(Event{Type: StreamLost, Message: "x"})

	if !called.Load() {
		t.Error("second subscriber should still run after a panic")
	}
}
