// Package ledger is the append-only history shared by every loopguard
// component: loop attempts, delegation edges, rejected plans, checkpoints,
// failure reports and guard advisories.
//
// Records are plain values. Once appended they are never deleted, and the
// only mutations a Store permits are the two state transitions the data
// model allows: a loop attempt's outcome leaving pending, and a checkpoint
// being resolved. Both are enforced by the store and reported as
// integrity errors when violated.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// TaskKey identifies the unit under recursion control.
type TaskKey struct {
	ProjectID string `json:"project_id" yaml:"project_id"`
	TaskID    string `json:"task_id" yaml:"task_id"`
}

// Key builds a TaskKey.
func Key(projectID, taskID string) TaskKey {
	return TaskKey{ProjectID: projectID, TaskID: taskID}
}

// String renders the key as "project/task", or just the task id when the
// project is empty.
func (k TaskKey) String() string {
	if k.ProjectID == "" {
		return k.TaskID
	}
	return k.ProjectID + "/" + k.TaskID
}

// Validate requires a non-blank task id.
func (k TaskKey) Validate() error {
	if strings.TrimSpace(k.TaskID) == "" {
		return errors.NewValidationError("task_id is required").WithField("task_id")
	}
	return nil
}

// Outcome is the result of a loop attempt.
type Outcome string

// Loop attempt outcomes.
const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeBlocked Outcome = "blocked"
)

// IsTerminal reports whether the outcome can no longer change.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailed || o == OutcomeBlocked
}

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomePending || o.IsTerminal()
}

// Verdict is the delusion guard's decision for a plan.
type Verdict string

// Guard verdicts. VerdictNone marks an attempt that was never checked,
// e.g. because the guard is disabled.
const (
	VerdictNone  Verdict = ""
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// LoopAttempt is one execution cycle of a task's plan.
type LoopAttempt struct {
	Task         TaskKey     `json:"task"`
	Index        int         `json:"loop_index"`
	Fingerprint  plan.Digest `json:"-"`
	Summary      string      `json:"summary"`
	Agent        string      `json:"agent"`
	GuardVerdict Verdict     `json:"guard_verdict,omitempty"`
	GuardScore   float64     `json:"guard_score"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at,omitzero"`
	Outcome      Outcome     `json:"outcome"`
}

// DelegationEdge is a single hand-off of work between executor roles.
type DelegationEdge struct {
	ID        string    `json:"id"`
	Task      TaskKey   `json:"task"`
	From      string    `json:"from_agent"`
	To        string    `json:"to_agent"`
	Depth     int       `json:"depth"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RejectionSource records which component abandoned a plan.
type RejectionSource string

// Rejection sources.
const (
	SourceGuard    RejectionSource = "guard"
	SourceExecutor RejectionSource = "executor"
	SourceOperator RejectionSource = "operator"
)

// RejectedPlan is a plan that was blocked before execution or failed
// during it. Future plans for the task are compared against these.
type RejectedPlan struct {
	Task        TaskKey         `json:"task"`
	LoopIndex   int             `json:"loop_index"`
	Fingerprint plan.Digest     `json:"-"`
	Summary     string          `json:"summary"`
	Reason      string          `json:"reason"`
	Source      RejectionSource `json:"source"`
	RejectedAt  time.Time       `json:"rejected_at"`
}

// CheckpointKind distinguishes checkpoints that need an external approval
// from those that auto-approve.
type CheckpointKind string

// Checkpoint kinds.
const (
	KindHard CheckpointKind = "hard"
	KindSoft CheckpointKind = "soft"
)

// ParseCheckpointKind parses "hard" or "soft", case-insensitively.
func ParseCheckpointKind(s string) (CheckpointKind, error) {
	switch CheckpointKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindHard:
		return KindHard, nil
	case KindSoft:
		return KindSoft, nil
	}
	return "", errors.NewValidationError("checkpoint kind must be hard or soft").WithField("kind").WithValue(s)
}

// CheckpointStatus is the lifecycle state of a checkpoint.
type CheckpointStatus string

// Checkpoint statuses.
const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
)

// IsTerminal reports whether the status is approved or rejected.
func (s CheckpointStatus) IsTerminal() bool {
	return s == CheckpointApproved || s == CheckpointRejected
}

// Checkpoint is a named synchronization point for a task.
type Checkpoint struct {
	ID         string           `json:"checkpoint_id"`
	Task       TaskKey          `json:"task"`
	Name       string           `json:"name"`
	Kind       CheckpointKind   `json:"kind"`
	Status     CheckpointStatus `json:"status"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitzero"`
}

// Blocking reports whether the checkpoint halts new loop attempts.
func (c Checkpoint) Blocking() bool {
	return c.Kind == KindHard && c.Status == CheckpointPending
}

// FailureReport is the classified outcome of an abnormal halt.
type FailureReport struct {
	Task           TaskKey   `json:"task"`
	LoopIndex      int       `json:"loop_index"`
	Type           string    `json:"failure_type"`
	RuleID         string    `json:"rule_id"`
	Evidence       string    `json:"evidence"`
	SuggestedAgent string    `json:"suggested_agent"`
	PatchPlan      []string  `json:"suggested_patch_plan"`
	CreatedAt      time.Time `json:"created_at"`
}

// Advisory records a guard warning or block and the rejected plan it
// matched.
type Advisory struct {
	ID                 string      `json:"id"`
	Task               TaskKey     `json:"task"`
	LoopIndex          int         `json:"loop_index"`
	Verdict            Verdict     `json:"verdict"`
	Score              float64     `json:"score"`
	NearestLoopIndex   int         `json:"nearest_loop_index"`
	NearestFingerprint plan.Digest `json:"-"`
	NearestReason      string      `json:"nearest_reason"`
	CreatedAt          time.Time   `json:"created_at"`
}

// AttemptRecords are written in the same step that appends or closes a loop
// attempt, so a store never holds one without the other. Nil fields are
// skipped.
type AttemptRecords struct {
	Rejection *RejectedPlan
	Failure   *FailureReport
	Advisory  *Advisory
}

// validate requires every record to belong to the attempt at task/index.
func (r AttemptRecords) validate(task TaskKey, index int) error {
	owned := func(kind string, t TaskKey, i int) error {
		if t != task || i != index {
			return errors.NewValidationError(kind+" does not belong to the attempt").
				WithField(kind).WithValue(fmt.Sprintf("%s#%d", t, i))
		}
		return nil
	}
	if r.Rejection != nil {
		if err := owned("rejection", r.Rejection.Task, r.Rejection.LoopIndex); err != nil {
			return err
		}
	}
	if r.Failure != nil {
		if err := owned("failure", r.Failure.Task, r.Failure.LoopIndex); err != nil {
			return err
		}
	}
	if r.Advisory != nil {
		if err := owned("advisory", r.Advisory.Task, r.Advisory.LoopIndex); err != nil {
			return err
		}
		return requireID("advisory", r.Advisory.ID)
	}
	return nil
}

func integrity(op string, cause error, format string, args ...any) error {
	return errors.NewIntegrityError(op, fmt.Errorf("%w: %s", cause, fmt.Sprintf(format, args...)))
}
