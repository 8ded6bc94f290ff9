package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/loopguard/internal/delusion"
	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/plan"
	"github.com/Iron-Ham/loopguard/internal/tracing"
)

// NoIndexHint asks the coordinator to pick the next loop index.
const NoIndexHint = -1

// SubmitRequest asks for a new loop attempt.
type SubmitRequest struct {
	Task ledger.TaskKey
	Plan plan.Plan
	// LoopIndexHint, when not negative, is the index the caller expects
	// the attempt to get. A hint below the next free index is rejected;
	// a hint above it is used as given.
	LoopIndexHint int
	Overrides     Overrides
}

// SubmitStatus is the outcome of a submit.
type SubmitStatus string

// Submit outcomes.
const (
	SubmitExecuting SubmitStatus = "executing"
	SubmitBlocked   SubmitStatus = "blocked"
	SubmitDenied    SubmitStatus = "denied"
)

// SubmitResult reports what happened to a submitted plan.
type SubmitResult struct {
	Status    SubmitStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	LoopIndex int          `json:"loop_index"`
	// Current and Limit carry the counters behind a denial.
	Current int `json:"current_count,omitempty"`
	Limit   int `json:"limit,omitempty"`
	// Verdict and Score are the delusion guard's decision.
	Verdict ledger.Verdict `json:"guard_verdict,omitempty"`
	Score   float64        `json:"guard_score,omitempty"`
	// Advisory is set when the guard warned or blocked.
	Advisory *ledger.Advisory `json:"advisory,omitempty"`
	// Checkpoint is the checkpoint behind a checkpoint denial.
	Checkpoint *ledger.Checkpoint `json:"checkpoint,omitempty"`
}

// Err returns a denial as an AdmissionError. Executing and blocked results
// return nil.
func (r SubmitResult) Err() error {
	if r.Status != SubmitDenied {
		return nil
	}
	return errors.NewAdmissionError(r.Reason, r.Current, r.Limit)
}

// Submit runs a plan through the admission checks and, if they pass,
// records a pending loop attempt for the caller's executor to run.
//
// Denials (pending or rejected checkpoint, loop cap) create no attempt. A
// delusion block records a blocked attempt and a rejected plan without
// executing. The returned error is reserved for invalid input, integrity
// violations and ledger failures.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (res SubmitResult, err error) {
	ctx, span := c.startSpan(ctx, "submit", req.Task)
	defer func() {
		span.SetAttributes(
			attribute.String(tracing.AttrStatus, string(res.Status)),
			attribute.String(tracing.AttrReason, res.Reason),
			attribute.Int(tracing.AttrLoopIndex, res.LoopIndex),
		)
		endSpan(span, err)
	}()

	if err := req.Plan.Validate(); err != nil {
		return SubmitResult{}, err
	}
	limits, guardCfg, err := c.resolve(req.Overrides)
	if err != nil {
		return SubmitResult{}, err
	}

	unlock, err := c.lock(ctx, req.Task, "submit")
	if err != nil {
		return SubmitResult{}, err
	}
	defer unlock()

	task := req.Task
	logger := c.taskLogger(task)

	if err := c.requireNoPending(ctx, task); err != nil {
		return SubmitResult{}, err
	}
	c.rewind(task)

	// idle → planning
	hold, err := c.gate.Hold(ctx, task)
	if err != nil {
		return SubmitResult{}, err
	}
	if hold.Rejected != nil {
		return c.deny(task, SubmitResult{
			Status:     SubmitDenied,
			Reason:     errors.ReasonCheckpointRejected,
			LoopIndex:  NoIndexHint,
			Checkpoint: hold.Rejected,
		}), nil
	}
	if len(hold.Blocking) > 0 {
		cp := hold.Blocking[0]
		return c.deny(task, SubmitResult{
			Status:     SubmitDenied,
			Reason:     errors.ReasonCheckpointPending,
			LoopIndex:  NoIndexHint,
			Current:    len(hold.Blocking),
			Checkpoint: &cp,
		}), nil
	}

	decision, err := c.budget.AdmitLoopWith(ctx, limits, task)
	if err != nil {
		return SubmitResult{}, err
	}
	index := decision.NextIndex
	if req.LoopIndexHint >= 0 {
		if req.LoopIndexHint < index {
			return SubmitResult{}, errors.NewIntegrityError("submit loop",
				fmt.Errorf("%w: hint %d, next index %d", errors.ErrLoopIndexReused, req.LoopIndexHint, index))
		}
		index = req.LoopIndexHint
	}
	c.transition(task, index, StatePlanning)

	// planning → guarding
	if !decision.Allowed {
		c.transition(task, index, StateBlocked)
		return SubmitResult{
			Status:    SubmitDenied,
			Reason:    decision.Reason,
			LoopIndex: index,
			Current:   decision.Current,
			Limit:     decision.Limit,
		}, nil
	}
	c.transition(task, index, StateGuarding)

	// guarding → executing | blocked
	verdict, err := c.guard.CheckWith(ctx, guardCfg, task, index, req.Plan)
	if err != nil {
		c.rewind(task)
		return SubmitResult{}, err
	}

	now := c.now()
	attempt := ledger.LoopAttempt{
		Task:         task,
		Index:        index,
		Fingerprint:  verdict.Fingerprint,
		Summary:      req.Plan.Summary(),
		Agent:        req.Plan.FirstAgent(),
		GuardVerdict: verdict.Status,
		GuardScore:   verdict.Score,
		StartedAt:    now,
		Outcome:      ledger.OutcomePending,
	}
	if verdict.Skipped {
		attempt.GuardVerdict = ledger.VerdictNone
	}
	res = SubmitResult{
		LoopIndex: index,
		Verdict:   attempt.GuardVerdict,
		Score:     verdict.Score,
		Advisory:  verdict.Advisory,
	}

	recs := ledger.AttemptRecords{Advisory: verdict.Advisory}
	if !verdict.Proceed() {
		attempt.Outcome = ledger.OutcomeBlocked
		attempt.FinishedAt = now
		recs.Rejection = &ledger.RejectedPlan{
			Task:        task,
			LoopIndex:   index,
			Fingerprint: verdict.Fingerprint,
			Summary:     attempt.Summary,
			Reason:      blockReason(verdict),
			Source:      ledger.SourceGuard,
			RejectedAt:  now,
		}
		if err := c.store.RecordAttempt(ctx, attempt, recs); err != nil {
			c.rewind(task)
			return SubmitResult{}, err
		}
		c.publishVerdict(task, index, verdict)
		c.transition(task, index, StateBlocked)
		logger.WithLoop(index).Warn("loop blocked by delusion guard",
			"score", verdict.Score,
			"nearest_loop_index", verdict.Nearest.LoopIndex,
		)
		res.Status = SubmitBlocked
		res.Reason = errors.ReasonDelusionBlock
		return res, nil
	}

	if err := c.store.RecordAttempt(ctx, attempt, recs); err != nil {
		c.rewind(task)
		return SubmitResult{}, err
	}
	c.publishVerdict(task, index, verdict)
	c.transition(task, index, StateExecuting)
	logger.WithLoop(index).Info("loop attempt executing",
		"agent", attempt.Agent,
		"guard_verdict", string(attempt.GuardVerdict),
		"guard_score", attempt.GuardScore,
	)
	res.Status = SubmitExecuting
	return res, nil
}

// deny publishes and logs a checkpoint denial. The task stays idle.
func (c *Coordinator) deny(task ledger.TaskKey, res SubmitResult) SubmitResult {
	attrs := []any{"reason", res.Reason}
	if res.Checkpoint != nil {
		attrs = append(attrs, "checkpoint_id", res.Checkpoint.ID, "checkpoint", res.Checkpoint.Name)
	}
	c.taskLogger(task).Info("loop admission denied", attrs...)
	c.publish(event.NewAdmissionDeniedEvent(task.ProjectID, task.TaskID, res.Reason, res.Current, res.Limit))
	return res
}

func (c *Coordinator) publishVerdict(task ledger.TaskKey, index int, verdict delusion.Result) {
	if !verdict.Skipped {
		c.publish(event.NewGuardVerdictEvent(task.ProjectID, task.TaskID, index, string(verdict.Status), verdict.Score))
	}
}

// requireNoPending rejects a new loop while the last attempt is still
// executing.
func (c *Coordinator) requireNoPending(ctx context.Context, task ledger.TaskKey) error {
	attempts, err := c.store.Attempts(ctx, task)
	if err != nil {
		return err
	}
	if n := len(attempts); n > 0 && attempts[n-1].Outcome == ledger.OutcomePending {
		return errors.NewIntegrityError("submit loop",
			fmt.Errorf("%w: loop %d", errors.ErrAttemptPending, attempts[n-1].Index))
	}
	return nil
}

func blockReason(r delusion.Result) string {
	return fmt.Sprintf("%s: similarity %.3f to loop %d", errors.ReasonDelusionBlock, r.Score, r.Nearest.LoopIndex)
}
