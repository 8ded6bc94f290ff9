package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/retry"
	"github.com/Iron-Ham/loopguard/internal/tracing"
	"github.com/Iron-Ham/loopguard/internal/util"
)

// maxReasonEvidence bounds the evidence excerpt stored on a rejection.
const maxReasonEvidence = 160

// FailureRequest reports that an executing attempt failed.
type FailureRequest struct {
	Task      ledger.TaskKey
	LoopIndex int
	// Signal is the executor's free-form diagnostic text.
	Signal    string
	Overrides Overrides
}

// FailureResult is the classified failure and what happens next.
type FailureResult struct {
	Report   ledger.FailureReport `json:"report"`
	Decision retry.Decision       `json:"decision"`
	State    State                `json:"state"`
}

// ReportSuccess closes an executing attempt as succeeded.
func (c *Coordinator) ReportSuccess(ctx context.Context, task ledger.TaskKey, loopIndex int) (attempt ledger.LoopAttempt, err error) {
	ctx, span := c.startSpan(ctx, "report_success", task, attribute.Int(tracing.AttrLoopIndex, loopIndex))
	defer func() { endSpan(span, err) }()

	unlock, err := c.lock(ctx, task, "report_success")
	if err != nil {
		return ledger.LoopAttempt{}, err
	}
	defer unlock()

	attempt, err = c.store.SetOutcome(ctx, task, loopIndex, ledger.OutcomeSuccess, c.now())
	if err != nil {
		return ledger.LoopAttempt{}, err
	}
	c.retry.RecordSuccess(task)
	c.transition(task, loopIndex, StateSucceeded)
	c.taskLogger(task).WithLoop(loopIndex).Info("loop attempt succeeded", "agent", attempt.Agent)
	return attempt, nil
}

// ReportFailure closes an executing attempt as failed. The failure signal
// is classified, the report and a rejected plan are recorded, and the
// retry manager decides between retry and halt. Classification never
// fails; errors come only from lookups, integrity checks and the ledger.
func (c *Coordinator) ReportFailure(ctx context.Context, req FailureRequest) (res FailureResult, err error) {
	task := req.Task
	ctx, span := c.startSpan(ctx, "report_failure", task, attribute.Int(tracing.AttrLoopIndex, req.LoopIndex))
	defer func() {
		span.SetAttributes(
			attribute.String("loopguard.failure_type", res.Report.Type),
			attribute.String(tracing.AttrStatus, string(res.State)),
		)
		endSpan(span, err)
	}()

	limits, _, err := c.resolve(req.Overrides)
	if err != nil {
		return FailureResult{}, err
	}

	unlock, err := c.lock(ctx, task, "report_failure")
	if err != nil {
		return FailureResult{}, err
	}
	defer unlock()

	attempt, err := c.store.Attempt(ctx, task, req.LoopIndex)
	if err != nil {
		return FailureResult{}, err
	}
	if attempt.Outcome.IsTerminal() {
		return FailureResult{}, errors.NewIntegrityError("report failure",
			fmt.Errorf("%w: loop %d is %s", errors.ErrOutcomeFinal, req.LoopIndex, attempt.Outcome))
	}

	now := c.now()
	report := c.classifier.Classify(task, req.LoopIndex, req.Signal, attempt.Agent)
	_, err = c.store.CloseAttempt(ctx, task, req.LoopIndex, ledger.OutcomeFailed, now, ledger.AttemptRecords{
		Failure: &report,
		Rejection: &ledger.RejectedPlan{
			Task:        task,
			LoopIndex:   req.LoopIndex,
			Fingerprint: attempt.Fingerprint,
			Summary:     attempt.Summary,
			Reason:      failureReason(report),
			Source:      ledger.SourceExecutor,
			RejectedAt:  now,
		},
	})
	if err != nil {
		return FailureResult{}, err
	}
	c.transition(task, req.LoopIndex, StateFailed)
	c.publish(event.NewFailureClassifiedEvent(task.ProjectID, task.TaskID, req.LoopIndex, report.Type, report.SuggestedAgent))

	attempts, err := c.store.Attempts(ctx, task)
	if err != nil {
		return FailureResult{}, err
	}
	decision := c.retry.Decide(task, retry.Input{
		Used:           len(attempts),
		Limit:          limits.MaxLoopsPerTask,
		FailureType:    report.Type,
		SuggestedAgent: report.SuggestedAgent,
		Viable:         c.classifier.Viable(report.SuggestedAgent),
	})

	state := StateRetry
	if !decision.Retry() {
		state = StateHalted
	}
	c.transition(task, req.LoopIndex, state)

	c.taskLogger(task).WithLoop(req.LoopIndex).Warn("loop attempt failed",
		"failure_type", report.Type,
		"suggested_agent", report.SuggestedAgent,
		"action", string(decision.Action),
		"halt_reason", decision.Reason,
		"remaining", decision.Remaining,
	)
	return FailureResult{Report: report, Decision: decision, State: state}, nil
}

// Abort stops an executing attempt on an operator's request. The attempt
// is marked failed, its plan is recorded as rejected and the task halts.
// A later loop starts at a fresh index.
func (c *Coordinator) Abort(ctx context.Context, task ledger.TaskKey, loopIndex int, reason string) (attempt ledger.LoopAttempt, err error) {
	ctx, span := c.startSpan(ctx, "abort", task, attribute.Int(tracing.AttrLoopIndex, loopIndex))
	defer func() { endSpan(span, err) }()

	unlock, err := c.lock(ctx, task, "abort")
	if err != nil {
		return ledger.LoopAttempt{}, err
	}
	defer unlock()

	current, err := c.store.Attempt(ctx, task, loopIndex)
	if err != nil {
		return ledger.LoopAttempt{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "operator abort"
	}
	now := c.now()
	attempt, err = c.store.CloseAttempt(ctx, task, loopIndex, ledger.OutcomeFailed, now, ledger.AttemptRecords{
		Rejection: &ledger.RejectedPlan{
			Task:        task,
			LoopIndex:   loopIndex,
			Fingerprint: current.Fingerprint,
			Summary:     current.Summary,
			Reason:      retry.ReasonAborted + ": " + reason,
			Source:      ledger.SourceOperator,
			RejectedAt:  now,
		},
	})
	if err != nil {
		return ledger.LoopAttempt{}, err
	}
	c.retry.Halt(task, retry.ReasonAborted)
	c.transition(task, loopIndex, StateHalted)
	c.taskLogger(task).WithLoop(loopIndex).Warn("loop attempt aborted", "reason", reason)
	return attempt, nil
}

// Classify runs the failure classifier without recording anything.
func (c *Coordinator) Classify(task ledger.TaskKey, loopIndex int, signal, failedAgent string) ledger.FailureReport {
	return c.classifier.Classify(task, loopIndex, signal, failedAgent)
}

func failureReason(r ledger.FailureReport) string {
	evidence := util.Excerpt(r.Evidence, maxReasonEvidence)
	if evidence == "" {
		return r.Type
	}
	return r.Type + ": " + evidence
}
