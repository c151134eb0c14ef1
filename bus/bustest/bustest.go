// Package bustest holds the conformance suite every bus.Bus implementation
// is expected to pass.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/quizrace/bus"
	"github.com/ggoodman/quizrace/event"
	"github.com/ggoodman/quizrace/quiz"
)

// BusFactory is a function that creates a new bus instance for testing.
type BusFactory func(t *testing.T) bus.Bus

var seq atomic.Int64

// sessionID returns a channel name unique to this process run so that suites
// sharing a real server do not observe each other's traffic.
func sessionID(name string) string {
	return fmt.Sprintf("bustest-%s-%d-%d", name, time.Now().UnixNano(), seq.Add(1))
}

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishAndReceive", func(t *testing.T) { testPublishAndReceive(t, factory) })
	t.Run("ReceiveTimesOutWithoutError", func(t *testing.T) { testReceiveTimeout(t, factory) })
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("OrderPreservedPerSubscriber", func(t *testing.T) { testOrder(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("NonDurable", func(t *testing.T) { testNonDurable(t, factory) })
	t.Run("ClosedSubscription", func(t *testing.T) { testClosedSubscription(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("TypedEvents", func(t *testing.T) { testTypedEvents(t, factory) })
}

func subscribe(t *testing.T, b bus.Bus, id string) bus.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func mustReceive(t *testing.T, sub bus.Subscription) []byte {
	t.Helper()
	data, err := sub.Receive(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if data == nil {
		t.Fatal("Receive timed out")
	}
	return data
}

func testPublishAndReceive(t *testing.T, factory BusFactory) {
	b := factory(t)
	id := sessionID("pubrecv")
	sub := subscribe(t, b, id)

	if err := b.Publish(context.Background(), id, []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := mustReceive(t, sub); string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func testReceiveTimeout(t *testing.T, factory BusFactory) {
	b := factory(t)
	sub := subscribe(t, b, sessionID("timeout"))

	start := time.Now()
	data, err := sub.Receive(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if data != nil {
		t.Fatalf("expected no data, got %q", data)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("Receive returned too early after %s", elapsed)
	}
}

func testFanOut(t *testing.T, factory BusFactory) {
	b := factory(t)
	id := sessionID("fanout")
	sub1 := subscribe(t, b, id)
	sub2 := subscribe(t, b, id)

	if err := b.Publish(context.Background(), id, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := mustReceive(t, sub1); string(got) != "x" {
		t.Fatalf("sub1 got %q", got)
	}
	if got := mustReceive(t, sub2); string(got) != "x" {
		t.Fatalf("sub2 got %q", got)
	}
}

func testOrder(t *testing.T, factory BusFactory) {
	b := factory(t)
	id := sessionID("order")
	sub := subscribe(t, b, id)

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), id, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if got := mustReceive(t, sub); string(got) != strconv.Itoa(i) {
			t.Fatalf("message %d out of order: got %q", i, got)
		}
	}
}

func testIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	idA, idB := sessionID("iso-a"), sessionID("iso-b")
	subA := subscribe(t, b, idA)
	subB := subscribe(t, b, idB)

	if err := b.Publish(context.Background(), idA, []byte("for-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := mustReceive(t, subA); string(got) != "for-a" {
		t.Fatalf("subA got %q", got)
	}
	data, err := subB.Receive(context.Background(), 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if data != nil {
		t.Fatalf("session B observed session A traffic: %q", data)
	}
}

func testNonDurable(t *testing.T, factory BusFactory) {
	b := factory(t)
	id := sessionID("nondurable")

	if err := b.Publish(context.Background(), id, []byte("lost")); err != nil {
		t.Fatalf("Publish without subscribers should not fail: %v", err)
	}
	sub := subscribe(t, b, id)
	if err := b.Publish(context.Background(), id, []byte("seen")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := mustReceive(t, sub); string(got) != "seen" {
		t.Fatalf("expected only the message published after subscribe, got %q", got)
	}
}

func testClosedSubscription(t *testing.T, factory BusFactory) {
	b := factory(t)
	sub, err := b.Subscribe(context.Background(), sessionID("closed"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if _, err := sub.Receive(context.Background(), 50*time.Millisecond); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func testContextCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	sub := subscribe(t, b, sessionID("cancel"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := sub.Receive(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testTypedEvents(t *testing.T, factory BusFactory) {
	b := factory(t)
	id := sessionID("typed")
	sub := subscribe(t, b, id)

	ctx := context.Background()
	if err := bus.PublishEvent(ctx, b, id, event.StatusUpdate{Status: quiz.StatusStarted}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if err := b.Publish(ctx, id, []byte("garbage")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, err := bus.ReceiveEvent(ctx, sub, 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveEvent: %v", err)
	}
	su, ok := ev.(event.StatusUpdate)
	if !ok || su.Status != quiz.StatusStarted {
		t.Fatalf("unexpected event %#v", ev)
	}

	if _, err := bus.ReceiveEvent(ctx, sub, 2*time.Second); !errors.Is(err, event.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
