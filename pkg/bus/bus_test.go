package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishInvokesSubscriber(t *testing.T) {
	b := New(nil)
	var got Event
	var mu sync.Mutex

	b.Subscribe(WakeWordDetected, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = ev
	})

	b.Publish(Event{Type: WakeWordDetected, WakeWord: "porcupine"})

	mu.Lock()
	defer mu.Unlock()
	if got.Type != WakeWordDetected {
		t.Fatalf("expected WakeWordDetected, got %v", got.Type)
	}
	if got.WakeWord != "porcupine" {
		t.Fatalf("expected wake word porcupine, got %q", got.WakeWord)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected Publish to stamp a timestamp")
	}
}

func TestSubscribeDuplicateIsIdempotent(t *testing.T) {
	b := New(nil)
	var calls int32
	handler := func(Event) { atomic.AddInt32(&calls, 1) }

	b.Subscribe(SystemOk, handler)
	b.Subscribe(SystemOk, handler)
	b.Publish(Event{Type: SystemOk})

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected handler invoked once, got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	var calls int32
	handler := func(Event) { atomic.AddInt32(&calls, 1) }

	b.Subscribe(Shutdown, handler)
	b.Unsubscribe(Shutdown, handler)
	b.Publish(Event{Type: Shutdown})

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", n)
	}
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := New(nil)
	var secondCalled bool

	b.Subscribe(SystemError, func(Event) { panic("boom") })
	b.Subscribe(SystemError, func(Event) { secondCalled = true })

	// Must not panic.
	b.Publish(Event{Type: SystemError, Message: "disk full"})

	if !secondCalled {
		t.Fatalf("expected second handler to still run after first panicked")
	}
}

func TestReSubscribeFromHandlerDoesNotDeadlock(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})

	var inner Handler = func(Event) {}
	var outer Handler
	outer = func(Event) {
		b.Subscribe(NoiseDetected, inner)
		close(done)
	}
	b.Subscribe(SilenceDetected, outer)

	go b.Publish(Event{Type: SilenceDetected})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deadlock: handler re-subscribing blocked Publish")
	}
}

func TestFromSenderStampsTimestamp(t *testing.T) {
	ev := FromSender(WakeWordDetected, "agent-1")
	if ev.Sender != "agent-1" {
		t.Fatalf("expected sender agent-1, got %v", ev.Sender)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected FromSender to stamp a timestamp")
	}
}
