package event

import (
	"bytes"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/loopguard/internal/logging"
)

func TestBus_PublishToExactType(t *testing.T) {
	bus := NewBus()

	var got []Event
	id := bus.Subscribe(TypeLoopState, func(e Event) { got = append(got, e) })
	if id == "" {
		t.Fatal("Subscribe returned an empty id")
	}

	bus.Publish(NewLoopStateEvent("proj", "t1", 0, "planning", "guarding"))
	bus.Publish(NewAdmissionDeniedEvent("proj", "t1", "cap_exceeded", 3, 3))

	if len(got) != 1 {
		t.Fatalf("handler saw %d events, want 1", len(got))
	}
	state, ok := got[0].(LoopStateEvent)
	if !ok {
		t.Fatalf("got %T, want LoopStateEvent", got[0])
	}
	if state.TaskID != "t1" || state.From != "planning" || state.To != "guarding" {
		t.Errorf("unexpected payload: %+v", state)
	}
}

func TestBus_CategoryAndWildcardOrder(t *testing.T) {
	bus := NewBus()

	var calls []string
	record := func(name string) Handler {
		return func(e Event) { calls = append(calls, name+":"+e.EventType()) }
	}
	// Registered in reverse of delivery order.
	bus.SubscribeAll(record("all"))
	bus.Subscribe("checkpoint.*", record("category"))
	bus.Subscribe(TypeCheckpointResolved, record("exact"))

	bus.Publish(NewCheckpointResolvedEvent("proj", "t1", "cp-1", "deploy", true, false, ""))
	bus.Publish(NewCheckpointOpenedEvent("proj", "t1", "cp-2", "merge", "hard"))
	bus.Publish(NewConfigReloadedEvent("/tmp/config.yaml"))

	want := []string{
		"exact:checkpoint.resolved",
		"category:checkpoint.resolved",
		"all:checkpoint.resolved",
		"category:checkpoint.opened",
		"all:checkpoint.opened",
		"all:config.reloaded",
	}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v\nwant %v", calls, want)
	}
}

func TestBus_CategoryDoesNotMatchSiblingPrefix(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("loop.*", func(e Event) {
		t.Errorf("loop.* matched %q", e.EventType())
	})
	bus.Publish(newBaseEvent("loopback.ping"))
	bus.Publish(newBaseEvent("guard.verdict"))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	first := bus.Subscribe(TypeGuardVerdict, func(Event) { calls++ })
	bus.Subscribe(TypeGuardVerdict, func(Event) { calls += 10 })

	if !bus.Unsubscribe(first) {
		t.Fatal("Unsubscribe(existing) = false")
	}
	if bus.Unsubscribe(first) {
		t.Error("second Unsubscribe of the same id should report false")
	}
	if bus.Unsubscribe("sub-404") {
		t.Error("Unsubscribe(unknown) = true")
	}

	bus.Publish(NewGuardVerdictEvent("proj", "t1", 1, "warn", 0.9))
	if calls != 10 {
		t.Errorf("calls = %d, want only the remaining handler", calls)
	}

	bus.Clear()
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount after Clear = %d", n)
	}
}

func TestBus_HandlerPanicIsRecoveredAndLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewLoggerWithWriter(&buf, logging.LevelDebug)))

	reached := false
	bus.Subscribe(TypeDelegation, func(Event) { panic("boom") })
	bus.Subscribe(TypeDelegation, func(Event) { reached = true })

	bus.Publish(NewDelegationEvent("proj", "t1", "edge-1", "ash", "critic", 1))

	if !reached {
		t.Error("handler after the panicking one was not called")
	}
	out := buf.String()
	if !strings.Contains(out, "event handler panicked") || !strings.Contains(out, `"panic":"boom"`) {
		t.Errorf("panic was not logged: %s", out)
	}
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe("failure.*", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ids := make(chan string, 50)
	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(NewFailureClassifiedEvent("proj", "t1", 0, "timeout", "executor"))
		})
	}
	for range 50 {
		wg.Go(func() {
			id := bus.Subscribe(TypeLoopState, func(Event) {})
			ids <- id
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()
	close(ids)

	if calls != 100 {
		t.Errorf("calls = %d, want 100", calls)
	}
	if n := bus.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", n)
	}
	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate subscription id %s", id)
		}
		seen[id] = true
	}
}
