package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

var (
	taskA = Key("proj", "t1")
	taskB = Key("proj", "t2")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func attempt(task TaskKey, index int) LoopAttempt {
	p := plan.New("ash", fmt.Sprintf("attempt %d", index))
	return LoopAttempt{
		Task:        task,
		Index:       index,
		Fingerprint: plan.Fingerprint(p),
		Summary:     p.Summary(),
		Agent:       "ash",
		StartedAt:   t0.Add(time.Duration(index) * time.Minute),
	}
}

func TestStore_Attempts(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, i := range []int{0, 1, 4} {
			if err := s.AppendAttempt(ctx, attempt(taskA, i)); err != nil {
				t.Fatalf("AppendAttempt(%d): %v", i, err)
			}
		}

		got, err := s.Attempts(ctx, taskA)
		if err != nil {
			t.Fatalf("Attempts: %v", err)
		}
		want := []LoopAttempt{attempt(taskA, 0), attempt(taskA, 1), attempt(taskA, 4)}
		for i := range want {
			want[i].Outcome = OutcomePending
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Attempts mismatch (-want +got):\n%s", diff)
		}

		one, err := s.Attempt(ctx, taskA, 1)
		if err != nil {
			t.Fatalf("Attempt: %v", err)
		}
		if diff := cmp.Diff(want[1], one); diff != "" {
			t.Errorf("Attempt mismatch (-want +got):\n%s", diff)
		}

		if other, _ := s.Attempts(ctx, taskB); len(other) != 0 {
			t.Errorf("Attempts(taskB) = %v, want none", other)
		}
	})
}

func TestStore_LoopIndexNeverReused(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.AppendAttempt(ctx, attempt(taskA, 2)); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}

		for _, idx := range []int{2, 1, 0} {
			err := s.AppendAttempt(ctx, attempt(taskA, idx))
			if !errors.IsIntegrity(err) || !errors.Is(err, errors.ErrLoopIndexReused) {
				t.Errorf("AppendAttempt(%d) error = %v, want loop index integrity error", idx, err)
			}
		}

		// Indexes are scoped per task.
		if err := s.AppendAttempt(ctx, attempt(taskB, 0)); err != nil {
			t.Errorf("AppendAttempt on another task: %v", err)
		}
	})
}

func TestStore_SetOutcome(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.AppendAttempt(ctx, attempt(taskA, 0)); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}

		done := t0.Add(time.Hour)
		got, err := s.SetOutcome(ctx, taskA, 0, OutcomeFailed, done)
		if err != nil {
			t.Fatalf("SetOutcome: %v", err)
		}
		if got.Outcome != OutcomeFailed || !got.FinishedAt.Equal(done) {
			t.Errorf("SetOutcome returned %+v", got)
		}

		_, err = s.SetOutcome(ctx, taskA, 0, OutcomeSuccess, done)
		if !errors.Is(err, errors.ErrOutcomeFinal) {
			t.Errorf("second SetOutcome error = %v, want ErrOutcomeFinal", err)
		}

		stored, _ := s.Attempt(ctx, taskA, 0)
		if stored.Outcome != OutcomeFailed {
			t.Errorf("outcome changed after rejected transition: %s", stored.Outcome)
		}

		if _, err := s.SetOutcome(ctx, taskA, 9, OutcomeFailed, done); !errors.IsNotFound(err) {
			t.Errorf("SetOutcome on missing attempt error = %v, want not found", err)
		}
		if _, err := s.SetOutcome(ctx, taskA, 0, OutcomePending, done); !errors.IsValidation(err) {
			t.Errorf("SetOutcome(pending) error = %v, want validation error", err)
		}
	})
}

func TestStore_Edges(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		edges := []DelegationEdge{
			{ID: "e1", Task: taskA, From: "hal", To: "ash", Depth: 1, CreatedAt: t0},
			{ID: "e2", Task: taskA, From: "ash", To: "nova", Depth: 2, ParentID: "e1", CreatedAt: t0.Add(time.Second)},
		}
		for _, e := range edges {
			if err := s.AppendEdge(ctx, e, 2); err != nil {
				t.Fatalf("AppendEdge(%s): %v", e.ID, err)
			}
		}

		got, err := s.Edges(ctx, taskA)
		if err != nil {
			t.Fatalf("Edges: %v", err)
		}
		if diff := cmp.Diff(edges, got); diff != "" {
			t.Errorf("Edges mismatch (-want +got):\n%s", diff)
		}

		if err := s.AppendEdge(ctx, edges[0], 2); !errors.Is(err, errors.ErrDuplicateRecord) {
			t.Errorf("duplicate edge error = %v, want ErrDuplicateRecord", err)
		}
		bad := DelegationEdge{ID: "e3", Task: taskA, From: "a", To: "b", Depth: -1}
		if err := s.AppendEdge(ctx, bad, 2); !errors.IsValidation(err) {
			t.Errorf("negative depth error = %v, want validation error", err)
		}
		deep := DelegationEdge{ID: "e4", Task: taskA, From: "nova", To: "hal", Depth: 3, ParentID: "e2", CreatedAt: t0}
		if err := s.AppendEdge(ctx, deep, 2); !errors.Is(err, errors.ErrDepthExceeded) || !errors.IsIntegrity(err) {
			t.Errorf("edge above ceiling error = %v, want ErrDepthExceeded integrity error", err)
		}
		if got, _ := s.Edges(ctx, taskA); len(got) != 2 {
			t.Errorf("edge above ceiling was recorded: %d edges", len(got))
		}
	})
}

func TestStore_Rejections(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := RejectedPlan{
			Task:        taskA,
			LoopIndex:   0,
			Fingerprint: plan.Fingerprint(plan.New("ash", "fix login")),
			Summary:     "ash: fix login",
			Reason:      "timeout",
			Source:      SourceExecutor,
			RejectedAt:  t0,
		}
		if err := s.AppendRejection(ctx, r); err != nil {
			t.Fatalf("AppendRejection: %v", err)
		}
		if err := s.AppendRejection(ctx, r); !errors.Is(err, errors.ErrDuplicateRecord) {
			t.Errorf("second rejection for same index error = %v, want ErrDuplicateRecord", err)
		}

		got, err := s.Rejections(ctx, taskA)
		if err != nil {
			t.Fatalf("Rejections: %v", err)
		}
		if diff := cmp.Diff([]RejectedPlan{r}, got); diff != "" {
			t.Errorf("Rejections mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_Checkpoints(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cp := Checkpoint{ID: "cp-1", Task: taskA, Name: "design_review", Kind: KindHard, Status: CheckpointPending, CreatedAt: t0}
		if err := s.AppendCheckpoint(ctx, cp); err != nil {
			t.Fatalf("AppendCheckpoint: %v", err)
		}
		if err := s.AppendCheckpoint(ctx, cp); !errors.Is(err, errors.ErrDuplicateRecord) {
			t.Errorf("duplicate checkpoint error = %v, want ErrDuplicateRecord", err)
		}

		resolved, err := s.ResolveCheckpoint(ctx, "cp-1", CheckpointApproved, "lgtm", t0.Add(time.Minute))
		if err != nil {
			t.Fatalf("ResolveCheckpoint: %v", err)
		}
		want := cp
		want.Status = CheckpointApproved
		want.Note = "lgtm"
		want.ResolvedAt = t0.Add(time.Minute)
		if diff := cmp.Diff(want, resolved); diff != "" {
			t.Errorf("ResolveCheckpoint mismatch (-want +got):\n%s", diff)
		}

		_, err = s.ResolveCheckpoint(ctx, "cp-1", CheckpointRejected, "", t0)
		if !errors.IsIntegrity(err) || !errors.Is(err, errors.ErrCheckpointResolved) {
			t.Errorf("double resolve error = %v, want checkpoint resolved integrity error", err)
		}

		got, err := s.Checkpoint(ctx, "cp-1")
		if err != nil {
			t.Fatalf("Checkpoint: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Checkpoint mismatch (-want +got):\n%s", diff)
		}

		list, _ := s.Checkpoints(ctx, taskA)
		if len(list) != 1 {
			t.Errorf("Checkpoints() len = %d, want 1", len(list))
		}

		if _, err := s.Checkpoint(ctx, "missing"); !errors.Is(err, errors.ErrCheckpointNotFound) {
			t.Errorf("Checkpoint(missing) error = %v, want ErrCheckpointNotFound", err)
		}
		if _, err := s.ResolveCheckpoint(ctx, "missing", CheckpointApproved, "", t0); !errors.IsNotFound(err) {
			t.Errorf("ResolveCheckpoint(missing) error = %v, want not found", err)
		}
	})
}

func TestStore_FailuresAndAdvisories(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := FailureReport{
			Task:           taskA,
			LoopIndex:      0,
			Type:           "timeout",
			RuleID:         "timeout",
			Evidence:       "context deadline exceeded",
			SuggestedAgent: "ash",
			PatchPlan:      []string{"split the step", "raise the deadline"},
			CreatedAt:      t0,
		}
		if err := s.AppendFailure(ctx, f); err != nil {
			t.Fatalf("AppendFailure: %v", err)
		}
		if err := s.AppendFailure(ctx, f); !errors.Is(err, errors.ErrDuplicateRecord) {
			t.Errorf("duplicate failure error = %v, want ErrDuplicateRecord", err)
		}
		failures, err := s.Failures(ctx, taskA)
		if err != nil {
			t.Fatalf("Failures: %v", err)
		}
		if diff := cmp.Diff([]FailureReport{f}, failures); diff != "" {
			t.Errorf("Failures mismatch (-want +got):\n%s", diff)
		}

		a := Advisory{
			ID:                 "adv-1",
			Task:               taskA,
			LoopIndex:          1,
			Verdict:            VerdictBlock,
			Score:              0.97,
			NearestLoopIndex:   0,
			NearestFingerprint: plan.Fingerprint(plan.New("ash", "fix login")),
			NearestReason:      "timeout",
			CreatedAt:          t0,
		}
		if err := s.AppendAdvisory(ctx, a); err != nil {
			t.Fatalf("AppendAdvisory: %v", err)
		}
		advisories, err := s.Advisories(ctx, taskA)
		if err != nil {
			t.Fatalf("Advisories: %v", err)
		}
		if diff := cmp.Diff([]Advisory{a}, advisories); diff != "" {
			t.Errorf("Advisories mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_Tasks(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_ = s.AppendAttempt(ctx, attempt(taskB, 0))
		_ = s.AppendEdge(ctx, DelegationEdge{ID: "e", Task: taskA, From: "a", To: "b", CreatedAt: t0}, 1)
		_ = s.AppendAttempt(ctx, attempt(Key("", "solo"), 0))

		got, err := s.Tasks(ctx)
		if err != nil {
			t.Fatalf("Tasks: %v", err)
		}
		want := []TaskKey{Key("", "solo"), taskA, taskB}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Tasks mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_RejectsBlankTask(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.AppendAttempt(context.Background(), attempt(Key("p", " "), 0))
		if !errors.IsValidation(err) {
			t.Errorf("AppendAttempt with blank task error = %v, want validation error", err)
		}
	})
}

func TestStore_ConcurrentAppendsAcrossTasks(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const tasks, loops = 8, 5

		var wg sync.WaitGroup
		errs := make(chan error, tasks*loops)
		for i := 0; i < tasks; i++ {
			wg.Add(1)
			go func(task TaskKey) {
				defer wg.Done()
				for j := 0; j < loops; j++ {
					if err := s.AppendAttempt(ctx, attempt(task, j)); err != nil {
						errs <- err
					}
				}
			}(Key("proj", fmt.Sprintf("task-%d", i)))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent append: %v", err)
		}

		keys, _ := s.Tasks(ctx)
		if len(keys) != tasks {
			t.Fatalf("Tasks() len = %d, want %d", len(keys), tasks)
		}
		for _, k := range keys {
			got, _ := s.Attempts(ctx, k)
			if len(got) != loops {
				t.Errorf("task %s has %d attempts, want %d", k, len(got), loops)
			}
		}
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()
	if err := s.AppendAttempt(context.Background(), attempt(taskA, 0)); err == nil {
		t.Error("AppendAttempt after Close should fail")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.AppendFailure(ctx, FailureReport{Task: taskA, PatchPlan: []string{"a"}})

	got, _ := s.Failures(ctx, taskA)
	got[0].PatchPlan[0] = "mutated"

	again, _ := s.Failures(ctx, taskA)
	if again[0].PatchPlan[0] != "a" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestParseCheckpointKind(t *testing.T) {
	tests := map[string]CheckpointKind{"hard": KindHard, "SOFT": KindSoft, " hard ": KindHard}
	for in, want := range tests {
		got, err := ParseCheckpointKind(in)
		if err != nil || got != want {
			t.Errorf("ParseCheckpointKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCheckpointKind("medium"); !errors.IsValidation(err) {
		t.Errorf("ParseCheckpointKind(medium) error = %v, want validation error", err)
	}
}

func TestTaskKey_String(t *testing.T) {
	if got := Key("p", "t").String(); got != "p/t" {
		t.Errorf("String() = %q, want p/t", got)
	}
	if got := Key("", "t").String(); got != "t" {
		t.Errorf("String() = %q, want t", got)
	}
}

func TestStore_RecordAttemptWritesRecordsTogether(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := attempt(taskA, 0)
		a.Outcome = OutcomeBlocked
		a.GuardVerdict = VerdictBlock
		rej := RejectedPlan{
			Task: taskA, LoopIndex: 0, Fingerprint: a.Fingerprint, Summary: a.Summary,
			Reason: "guard block", Source: SourceGuard, RejectedAt: t0,
		}
		adv := Advisory{
			ID: "adv-1", Task: taskA, LoopIndex: 0, Verdict: VerdictBlock, Score: 0.99,
			NearestFingerprint: a.Fingerprint, NearestReason: "timeout", CreatedAt: t0,
		}

		// The advisory id is already taken, so nothing from this call may land.
		if err := s.AppendAdvisory(ctx, Advisory{ID: "adv-1", Task: taskB, LoopIndex: 3, Verdict: VerdictWarn, CreatedAt: t0}); err != nil {
			t.Fatalf("AppendAdvisory: %v", err)
		}
		err := s.RecordAttempt(ctx, a, AttemptRecords{Rejection: &rej, Advisory: &adv})
		if !errors.Is(err, errors.ErrDuplicateRecord) {
			t.Fatalf("RecordAttempt with taken advisory id error = %v, want ErrDuplicateRecord", err)
		}
		if got, _ := s.Attempts(ctx, taskA); len(got) != 0 {
			t.Errorf("attempt recorded despite failed write: %d", len(got))
		}
		if got, _ := s.Rejections(ctx, taskA); len(got) != 0 {
			t.Errorf("rejection recorded despite failed write: %d", len(got))
		}

		adv.ID = "adv-2"
		if err := s.RecordAttempt(ctx, a, AttemptRecords{Rejection: &rej, Advisory: &adv}); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		attempts, err := s.Attempts(ctx, taskA)
		if err != nil {
			t.Fatalf("Attempts: %v", err)
		}
		if len(attempts) != 1 || attempts[0].Outcome != OutcomeBlocked {
			t.Errorf("Attempts = %+v, want one blocked attempt", attempts)
		}
		if got, _ := s.Rejections(ctx, taskA); len(got) != 1 || got[0].Source != SourceGuard {
			t.Errorf("Rejections = %+v, want one guard rejection", got)
		}
		if got, _ := s.Advisories(ctx, taskA); len(got) != 1 || got[0].ID != "adv-2" {
			t.Errorf("Advisories = %+v, want adv-2", got)
		}
	})
}

func TestStore_CloseAttemptWritesRecordsTogether(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, i := range []int{0, 1} {
			if err := s.AppendAttempt(ctx, attempt(taskA, i)); err != nil {
				t.Fatalf("AppendAttempt(%d): %v", i, err)
			}
		}
		rejection := func(i int) *RejectedPlan {
			a := attempt(taskA, i)
			return &RejectedPlan{
				Task: taskA, LoopIndex: i, Fingerprint: a.Fingerprint, Summary: a.Summary,
				Reason: "timeout", Source: SourceExecutor, RejectedAt: t0,
			}
		}
		failure := func(i int) *FailureReport {
			return &FailureReport{
				Task: taskA, LoopIndex: i, Type: "timeout", RuleID: "timeout",
				PatchPlan: []string{"split the step"}, CreatedAt: t0,
			}
		}

		if err := s.AppendRejection(ctx, *rejection(1)); err != nil {
			t.Fatalf("AppendRejection: %v", err)
		}
		_, err := s.CloseAttempt(ctx, taskA, 1, OutcomeFailed, t0,
			AttemptRecords{Rejection: rejection(1), Failure: failure(1)})
		if !errors.Is(err, errors.ErrDuplicateRecord) || !errors.IsIntegrity(err) {
			t.Fatalf("CloseAttempt with duplicate rejection error = %v, want integrity ErrDuplicateRecord", err)
		}
		if got, _ := s.Attempt(ctx, taskA, 1); got.Outcome != OutcomePending {
			t.Errorf("attempt 1 outcome = %s after failed close, want pending", got.Outcome)
		}
		if got, _ := s.Failures(ctx, taskA); len(got) != 0 {
			t.Errorf("failure report written by failed close: %d", len(got))
		}

		_, err = s.CloseAttempt(ctx, taskA, 0, OutcomeFailed, t0, AttemptRecords{Failure: failure(1)})
		if !errors.IsValidation(err) {
			t.Errorf("CloseAttempt with record for another loop error = %v, want validation error", err)
		}

		got, err := s.CloseAttempt(ctx, taskA, 0, OutcomeFailed, t0,
			AttemptRecords{Rejection: rejection(0), Failure: failure(0)})
		if err != nil {
			t.Fatalf("CloseAttempt: %v", err)
		}
		if got.Outcome != OutcomeFailed || !got.FinishedAt.Equal(t0) {
			t.Errorf("closed attempt = %+v, want failed at %v", got, t0)
		}
		if rs, _ := s.Rejections(ctx, taskA); len(rs) != 2 {
			t.Errorf("Rejections = %d, want 2", len(rs))
		}
		fs, err := s.Failures(ctx, taskA)
		if err != nil {
			t.Fatalf("Failures: %v", err)
		}
		if diff := cmp.Diff([]FailureReport{*failure(0)}, fs); diff != "" {
			t.Errorf("Failures mismatch (-want +got):\n%s", diff)
		}
	})
}
