package budget

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
)

var task = ledger.Key("proj", "t1")

func addAttempts(t *testing.T, store *ledger.MemoryStore, n int) {
	t.Helper()
	existing, _ := store.Attempts(context.Background(), task)
	start := len(existing)
	for i := start; i < start+n; i++ {
		err := store.AppendAttempt(context.Background(), ledger.LoopAttempt{Task: task, Index: i, StartedAt: time.Now()})
		if err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}
	}
}

func addEdge(t *testing.T, store *ledger.MemoryStore, from, to string, depth int) {
	t.Helper()
	err := store.AppendEdge(context.Background(), ledger.DelegationEdge{
		ID: fmt.Sprintf("%s-%s", from, to), Task: task, From: from, To: to, Depth: depth, CreatedAt: time.Now(),
	}, depth)
	if err != nil {
		t.Fatalf("AppendEdge: %v", err)
	}
}

func TestNewManager(t *testing.T) {
	mgr := NewManager(Limits{MaxLoopsPerTask: 5, MaxDelegationDepth: 1}, ledger.NewMemoryStore(), Callbacks{}, nil)
	if mgr == nil {
		t.Fatal("NewManager returned nil")
	}
	if got := mgr.Limits(); got.MaxLoopsPerTask != 5 || got.MaxDelegationDepth != 1 {
		t.Errorf("Limits() = %+v", got)
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	appCfg := &config.Config{
		Caps: config.CapsConfig{MaxLoopsPerTask: 7, MaxDelegationDepth: 4},
	}
	mgr := NewManagerFromConfig(appCfg, ledger.NewMemoryStore(), Callbacks{}, nil)
	if got := mgr.Limits(); got.MaxLoopsPerTask != 7 || got.MaxDelegationDepth != 4 {
		t.Errorf("Limits() = %+v, want {7 4}", got)
	}

	mgr = NewManagerFromConfig(nil, ledger.NewMemoryStore(), Callbacks{}, nil)
	if got := mgr.Limits(); got != DefaultLimits() {
		t.Errorf("Limits() with nil config = %+v, want defaults", got)
	}
}

func TestAdmitLoop(t *testing.T) {
	store := ledger.NewMemoryStore()

	var denied []int
	mgr := NewManager(Limits{MaxLoopsPerTask: 2, MaxDelegationDepth: 2}, store, Callbacks{
		OnLoopDenied: func(_ ledger.TaskKey, current, _ int) { denied = append(denied, current) },
	}, nil)
	ctx := context.Background()

	d, err := mgr.AdmitLoop(ctx, task)
	if err != nil {
		t.Fatalf("AdmitLoop: %v", err)
	}
	if !d.Allowed || d.NextIndex != 0 || d.Current != 0 || d.Err() != nil {
		t.Errorf("first AdmitLoop = %+v, want allowed at index 0", d)
	}

	addAttempts(t, store, 1)
	d, _ = mgr.AdmitLoop(ctx, task)
	if !d.Allowed || d.NextIndex != 1 {
		t.Errorf("second AdmitLoop = %+v, want allowed at index 1", d)
	}

	addAttempts(t, store, 1)
	d, _ = mgr.AdmitLoop(ctx, task)
	if d.Allowed || d.Reason != errors.ReasonCapExceeded || d.Current != 2 || d.Limit != 2 {
		t.Errorf("third AdmitLoop = %+v, want cap_exceeded 2/2", d)
	}

	var adm *errors.AdmissionError
	if !errors.As(d.Err(), &adm) || adm.Reason != errors.ReasonCapExceeded {
		t.Errorf("Err() = %v, want admission error", d.Err())
	}
	if len(denied) != 1 || denied[0] != 2 {
		t.Errorf("OnLoopDenied calls = %v, want [2]", denied)
	}
}

func TestAdmitLoop_Monotonic(t *testing.T) {
	store := ledger.NewMemoryStore()
	mgr := NewManager(Limits{MaxLoopsPerTask: 3}, store, Callbacks{}, nil)
	ctx := context.Background()

	addAttempts(t, store, 3)
	for n := 3; n < 10; n++ {
		d, err := mgr.AdmitLoop(ctx, task)
		if err != nil {
			t.Fatalf("AdmitLoop: %v", err)
		}
		if d.Allowed {
			t.Fatalf("AdmitLoop allowed at count %d with cap 3", n)
		}
		// Records written by callers that bypass the check must not
		// reopen admission.
		addAttempts(t, store, 1)
	}
}

func TestAdmitLoopWith_OverrideDoesNotMutate(t *testing.T) {
	store := ledger.NewMemoryStore()
	mgr := NewManager(DefaultLimits(), store, Callbacks{}, nil)
	addAttempts(t, store, 1)

	d, _ := mgr.AdmitLoopWith(context.Background(), Limits{MaxLoopsPerTask: 1}, task)
	if d.Allowed {
		t.Error("override with cap 1 should deny after one attempt")
	}
	if mgr.Limits() != DefaultLimits() {
		t.Error("override mutated the default limits")
	}
	d, _ = mgr.AdmitLoop(context.Background(), task)
	if !d.Allowed {
		t.Error("default limits should still allow")
	}
}

func TestAdmitLoop_ZeroCapDeniesEverything(t *testing.T) {
	mgr := NewManager(Limits{}, ledger.NewMemoryStore(), Callbacks{}, nil)
	d, _ := mgr.AdmitLoop(context.Background(), task)
	if d.Allowed {
		t.Error("zero loop cap should deny the first loop")
	}
}

func TestAdmitDelegation_Chain(t *testing.T) {
	store := ledger.NewMemoryStore()
	var denied []int
	mgr := NewManager(DefaultLimits(), store, Callbacks{
		OnDelegationDenied: func(_ ledger.TaskKey, depth, _ int) { denied = append(denied, depth) },
	}, nil)
	ctx := context.Background()

	// hal -> ash declared at depth 1.
	d, err := mgr.AdmitDelegation(ctx, task, "hal", 1)
	if err != nil {
		t.Fatalf("AdmitDelegation: %v", err)
	}
	if !d.Allowed || d.Current != 1 || d.Parent != nil {
		t.Fatalf("hal->ash = %+v, want allowed at depth 1 without parent", d)
	}
	addEdge(t, store, "hal", "ash", d.Current)

	// ash -> nova reaches the ceiling.
	d, _ = mgr.AdmitDelegation(ctx, task, "ash", 2)
	if !d.Allowed || d.Current != 2 || d.Parent == nil || d.Parent.To != "ash" {
		t.Fatalf("ash->nova = %+v, want allowed at depth 2 under hal->ash", d)
	}
	addEdge(t, store, "ash", "nova", d.Current)

	// nova -> critic would exceed it.
	d, _ = mgr.AdmitDelegation(ctx, task, "nova", 3)
	if d.Allowed || d.Reason != errors.ReasonDepthExceeded || d.Current != 3 || d.Limit != 2 {
		t.Errorf("nova->critic = %+v, want depth_exceeded 3/2", d)
	}
	if len(denied) != 1 || denied[0] != 3 {
		t.Errorf("OnDelegationDenied calls = %v, want [3]", denied)
	}
}

func TestAdmitDelegation_DepthDerivation(t *testing.T) {
	store := ledger.NewMemoryStore()
	mgr := NewManager(DefaultLimits(), store, Callbacks{}, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		from     string
		proposed int
		want     int
	}{
		{"root derives zero", "hal", -1, 0},
		{"root keeps proposed", "hal", 1, 1},
		{"child derives parent plus one", "ash", -1, 2},
		{"understated depth is raised", "ash", 0, 2},
		{"overstated depth is kept", "ash", 2, 2},
	}

	addEdge(t, store, "hal", "ash", 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := mgr.AdmitDelegation(ctx, task, tt.from, tt.proposed)
			if err != nil {
				t.Fatalf("AdmitDelegation: %v", err)
			}
			if d.Current != tt.want {
				t.Errorf("effective depth = %d, want %d", d.Current, tt.want)
			}
		})
	}
}

func TestAdmitDelegation_NeverExceedsCeiling(t *testing.T) {
	for ceiling := 0; ceiling <= 4; ceiling++ {
		store := ledger.NewMemoryStore()
		mgr := NewManager(Limits{MaxLoopsPerTask: 3, MaxDelegationDepth: ceiling}, store, Callbacks{}, nil)
		ctx := context.Background()

		from := "agent-0"
		for i := 1; i < 10; i++ {
			to := fmt.Sprintf("agent-%d", i)
			d, err := mgr.AdmitDelegation(ctx, task, from, -1)
			if err != nil {
				t.Fatalf("AdmitDelegation: %v", err)
			}
			if !d.Allowed {
				if d.Current != ceiling+1 {
					t.Errorf("ceiling %d: first denial at depth %d, want %d", ceiling, d.Current, ceiling+1)
				}
				break
			}
			if d.Current > ceiling {
				t.Fatalf("ceiling %d: admitted depth %d", ceiling, d.Current)
			}
			addEdge(t, store, from, to, d.Current)
			from = to
		}
	}
}

func TestLimits_Validate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v", err)
	}
	if err := (Limits{MaxLoopsPerTask: -1}).Validate(); !errors.IsValidation(err) {
		t.Errorf("negative loop cap error = %v, want validation error", err)
	}
	if err := (Limits{MaxDelegationDepth: -1}).Validate(); !errors.IsValidation(err) {
		t.Errorf("negative depth error = %v, want validation error", err)
	}
}

type brokenLedger struct{}

func (brokenLedger) Attempts(context.Context, ledger.TaskKey) ([]ledger.LoopAttempt, error) {
	return nil, errors.New("unavailable")
}

func (brokenLedger) Edges(context.Context, ledger.TaskKey) ([]ledger.DelegationEdge, error) {
	return nil, errors.New("unavailable")
}

func TestAdmit_LedgerErrors(t *testing.T) {
	mgr := NewManager(DefaultLimits(), brokenLedger{}, Callbacks{}, nil)
	if _, err := mgr.AdmitLoop(context.Background(), task); err == nil {
		t.Error("AdmitLoop should surface ledger errors")
	}
	if _, err := mgr.AdmitDelegation(context.Background(), task, "hal", -1); err == nil {
		t.Error("AdmitDelegation should surface ledger errors")
	}
}
