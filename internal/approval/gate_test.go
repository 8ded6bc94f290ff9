package approval

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
)

// eventCollector gathers events from the bus for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *eventCollector) handler(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) findByType(eventType string) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found []event.Event
	for _, e := range c.events {
		if e.EventType() == eventType {
			found = append(found, e)
		}
	}
	return found
}

var (
	task  = ledger.Key("proj", "t2")
	fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestGate(t *testing.T, policy Policy) (*Gate, *ledger.MemoryStore, *eventCollector) {
	t.Helper()
	store := ledger.NewMemoryStore()
	bus := event.NewBus()
	collector := &eventCollector{}
	bus.SubscribeAll(collector.handler)

	var mu sync.Mutex
	n := 0
	gate := NewGate(store, bus, policy,
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("cp-%d", n)
		}),
	)
	return gate, store, collector
}

func TestGate_OpenHard(t *testing.T) {
	gate, _, collector := newTestGate(t, Policy{})
	ctx := context.Background()

	cp, err := gate.Open(ctx, task, "design_review", ledger.KindHard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if cp.ID != "cp-1" || cp.Status != ledger.CheckpointPending || !cp.CreatedAt.Equal(fixed) {
		t.Errorf("Open() = %+v, want pending cp-1", cp)
	}

	blocking, err := gate.IsBlocking(ctx, task)
	if err != nil {
		t.Fatalf("IsBlocking: %v", err)
	}
	if !blocking {
		t.Error("pending hard checkpoint should block")
	}

	if got := collector.findByType(event.TypeCheckpointOpened); len(got) != 1 {
		t.Errorf("got %d opened events, want 1", len(got))
	}
	if got := collector.findByType(event.TypeCheckpointResolved); len(got) != 0 {
		t.Errorf("hard checkpoint should not resolve on open, got %d resolved events", len(got))
	}
}

func TestGate_OpenSoft(t *testing.T) {
	t.Run("auto-approves", func(t *testing.T) {
		gate, _, collector := newTestGate(t, Policy{})
		cp, err := gate.Open(context.Background(), task, "lint", ledger.KindSoft)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if cp.Status != ledger.CheckpointApproved || cp.Note != AutoApproveNote || !cp.ResolvedAt.Equal(fixed) {
			t.Errorf("soft checkpoint = %+v, want auto-approved", cp)
		}

		resolved := collector.findByType(event.TypeCheckpointResolved)
		if len(resolved) != 1 {
			t.Fatalf("got %d resolved events, want 1", len(resolved))
		}
		if e := resolved[0].(event.CheckpointResolvedEvent); !e.Auto || !e.Approved {
			t.Errorf("resolved event = %+v, want auto approval", e)
		}
	})

	t.Run("manual review keeps it pending but not blocking", func(t *testing.T) {
		gate, _, _ := newTestGate(t, Policy{SoftManualReview: true})
		ctx := context.Background()
		cp, err := gate.Open(ctx, task, "lint", ledger.KindSoft)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if cp.Status != ledger.CheckpointPending {
			t.Errorf("Status = %s, want pending", cp.Status)
		}
		if blocking, _ := gate.IsBlocking(ctx, task); blocking {
			t.Error("soft checkpoints never block")
		}
	})

	t.Run("per-call override", func(t *testing.T) {
		gate, _, _ := newTestGate(t, Policy{})
		cp, err := gate.OpenWith(context.Background(), task, "lint", ledger.KindSoft, true)
		if err != nil {
			t.Fatalf("OpenWith: %v", err)
		}
		if cp.Status != ledger.CheckpointPending {
			t.Errorf("Status = %s, want pending", cp.Status)
		}
		if gate.Policy().SoftManualReview {
			t.Error("OpenWith mutated the gate policy")
		}
	})
}

func TestGate_Open_Validation(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()

	tests := []struct {
		name string
		task ledger.TaskKey
		cp   string
		kind ledger.CheckpointKind
	}{
		{"blank name", task, "  ", ledger.KindHard},
		{"bad kind", task, "review", ledger.CheckpointKind("medium")},
		{"blank task", ledger.Key("p", ""), "review", ledger.KindHard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := gate.Open(ctx, tt.task, tt.cp, tt.kind); !errors.IsValidation(err) {
				t.Errorf("Open() error = %v, want validation error", err)
			}
		})
	}
}

func TestGate_Resolve(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		want     ledger.CheckpointStatus
		halted   bool
	}{
		{"approve", true, ledger.CheckpointApproved, false},
		{"reject", false, ledger.CheckpointRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, collector := newTestGate(t, Policy{})
			ctx := context.Background()
			cp, _ := gate.Open(ctx, task, "design_review", ledger.KindHard)

			resolved, err := gate.Resolve(ctx, cp.ID, tt.approved, "reviewed")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if resolved.Status != tt.want || resolved.Note != "reviewed" {
				t.Errorf("Resolve() = %+v, want %s", resolved, tt.want)
			}

			if blocking, _ := gate.IsBlocking(ctx, task); blocking {
				t.Error("resolved checkpoint should not block")
			}
			halting, err := gate.Halting(ctx, task)
			if err != nil {
				t.Fatalf("Halting: %v", err)
			}
			if (halting != nil) != tt.halted {
				t.Errorf("Halting() = %v, want halted=%v", halting, tt.halted)
			}

			events := collector.findByType(event.TypeCheckpointResolved)
			if len(events) != 1 || events[0].(event.CheckpointResolvedEvent).Approved != tt.approved {
				t.Errorf("resolved events = %+v", events)
			}
		})
	}
}

func TestGate_Resolve_Twice(t *testing.T) {
	gate, _, collector := newTestGate(t, Policy{})
	ctx := context.Background()
	cp, _ := gate.Open(ctx, task, "design_review", ledger.KindHard)

	if _, err := gate.Resolve(ctx, cp.ID, true, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_, err := gate.Resolve(ctx, cp.ID, false, "too late")
	if !errors.IsIntegrity(err) || !errors.Is(err, errors.ErrCheckpointResolved) {
		t.Errorf("second Resolve error = %v, want checkpoint resolved integrity error", err)
	}

	got, _ := gate.Get(ctx, cp.ID)
	if got.Status != ledger.CheckpointApproved {
		t.Errorf("status after rejected resolve = %s, want approved", got.Status)
	}
	if n := len(collector.findByType(event.TypeCheckpointResolved)); n != 1 {
		t.Errorf("got %d resolved events, want 1", n)
	}
}

func TestGate_Resolve_AutoApprovedSoft(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()
	cp, _ := gate.Open(ctx, task, "lint", ledger.KindSoft)

	if _, err := gate.Resolve(ctx, cp.ID, false, ""); !errors.IsIntegrity(err) {
		t.Errorf("resolving an auto-approved checkpoint error = %v, want integrity error", err)
	}
}

func TestGate_Resolve_NotFound(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	if _, err := gate.Resolve(context.Background(), "nope", true, ""); !errors.IsNotFound(err) {
		t.Errorf("Resolve(nope) error = %v, want not found", err)
	}
}

func TestGate_MultipleHardCheckpoints(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()
	a, _ := gate.Open(ctx, task, "design_review", ledger.KindHard)
	b, _ := gate.Open(ctx, task, "security_review", ledger.KindHard)

	_, _ = gate.Resolve(ctx, a.ID, true, "")
	if blocking, _ := gate.IsBlocking(ctx, task); !blocking {
		t.Error("task should stay blocked while any hard checkpoint is pending")
	}

	list, _ := gate.Blocking(ctx, task)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("Blocking() = %v, want only %s", list, b.ID)
	}

	_, _ = gate.Resolve(ctx, b.ID, true, "")
	if blocking, _ := gate.IsBlocking(ctx, task); blocking {
		t.Error("task should be unblocked once every hard checkpoint resolves")
	}
}

func TestGate_Find(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()

	if _, ok, _ := gate.Find(ctx, task, "design_review"); ok {
		t.Error("Find should miss before any checkpoint is opened")
	}
	cp, _ := gate.Open(ctx, task, "design_review", ledger.KindHard)
	got, ok, err := gate.Find(ctx, task, " design_review ")
	if err != nil || !ok || got.ID != cp.ID {
		t.Errorf("Find() = %+v, %v, %v; want %s", got, ok, err, cp.ID)
	}
}

func TestGate_ScopedPerTask(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()
	_, _ = gate.Open(ctx, task, "design_review", ledger.KindHard)

	other := ledger.Key("proj", "other")
	if blocking, _ := gate.IsBlocking(ctx, other); blocking {
		t.Error("a checkpoint on one task must not block another")
	}
}

func TestGate_ConcurrentOperations(t *testing.T) {
	gate, _, _ := newTestGate(t, Policy{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := range 20 {
		wg.Go(func() {
			cp, err := gate.Open(ctx, task, fmt.Sprintf("cp-%d", i), ledger.KindHard)
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			ids <- cp.ID
		})
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		wg.Go(func() {
			if _, err := gate.Resolve(ctx, id, true, ""); err != nil {
				t.Errorf("Resolve(%s): %v", id, err)
			}
		})
	}
	wg.Wait()

	if blocking, _ := gate.IsBlocking(ctx, task); blocking {
		t.Error("all checkpoints resolved, task should not block")
	}
}

// countingStore counts checkpoint list reads.
type countingStore struct {
	Store
	reads atomic.Int32
}

func (s *countingStore) Checkpoints(ctx context.Context, task ledger.TaskKey) ([]ledger.Checkpoint, error) {
	s.reads.Add(1)
	return s.Store.Checkpoints(ctx, task)
}

func TestGate_Hold(t *testing.T) {
	store := &countingStore{Store: ledger.NewMemoryStore()}
	n := 0
	gate := NewGate(store, event.NewBus(), Policy{},
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("cp-%d", n) }),
	)
	ctx := context.Background()

	h, err := gate.Hold(ctx, task)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if h.Held() {
		t.Errorf("Hold() on a task without checkpoints = %+v, want free", h)
	}

	design, _ := gate.Open(ctx, task, "design_review", ledger.KindHard)
	security, _ := gate.Open(ctx, task, "security_review", ledger.KindHard)
	_, _ = gate.Open(ctx, task, "lint", ledger.KindSoft)
	if _, err := gate.Resolve(ctx, design.ID, false, "no"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	before := store.reads.Load()
	h, err = gate.Hold(ctx, task)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if got := store.reads.Load() - before; got != 1 {
		t.Errorf("Hold read checkpoints %d times, want 1", got)
	}
	if !h.Held() {
		t.Error("Hold() should deny a loop")
	}
	if h.Rejected == nil || h.Rejected.ID != design.ID {
		t.Errorf("Rejected = %+v, want %s", h.Rejected, design.ID)
	}
	if len(h.Blocking) != 1 || h.Blocking[0].ID != security.ID {
		t.Errorf("Blocking = %+v, want only %s", h.Blocking, security.ID)
	}
}
