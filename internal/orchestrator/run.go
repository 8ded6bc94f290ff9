package orchestrator

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/retry"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// PlanRequest asks a planner for the next plan of a task.
type PlanRequest struct {
	Task ledger.TaskKey
	// Attempt counts the plans requested during this run, starting at 0.
	Attempt int
	// Feedback is the classified failure of the previous attempt, if any.
	Feedback *ledger.FailureReport
	// Agent is the agent triage suggested for the retry, if any.
	Agent string
}

// Planner proposes plans. It is an external collaborator.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (plan.Plan, error)
}

// ExecResult is what an executor reports for a loop attempt.
type ExecResult struct {
	Success bool
	// Evidence is the failure signal passed to the classifier.
	Evidence string
}

// Executor performs a loop attempt's plan. It is an external collaborator.
type Executor interface {
	Execute(ctx context.Context, task ledger.TaskKey, loopIndex int, p plan.Plan) (ExecResult, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) (plan.Plan, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (plan.Plan, error) { return f(ctx, req) }

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task ledger.TaskKey, loopIndex int, p plan.Plan) (ExecResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task ledger.TaskKey, loopIndex int, p plan.Plan) (ExecResult, error) {
	return f(ctx, task, loopIndex, p)
}

// RunRequest starts a synchronous loop for a task.
type RunRequest struct {
	Task      ledger.TaskKey
	Overrides Overrides
}

// RunResult is the final state of a run.
type RunResult struct {
	// State is succeeded, blocked or halted. A denied submit leaves the
	// task idle and is reported with State idle.
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Loops     int    `json:"loops"`
	LoopIndex int    `json:"loop_index"`
	// LastSubmit is the result of the final submit.
	LastSubmit SubmitResult `json:"last_submit"`
	// LastFailure is the classification of the last failed attempt.
	LastFailure *ledger.FailureReport `json:"last_failure,omitempty"`
}

// Run drives a task through plan, submit, execute and report until it
// succeeds, is blocked or denied, or halts. Execution errors are failure
// signals. Cancelling ctx aborts the attempt in flight and returns the
// context's error.
func (c *Coordinator) Run(ctx context.Context, req RunRequest, planner Planner, executor Executor) (RunResult, error) {
	var (
		res      RunResult
		feedback *ledger.FailureReport
		agent    string
	)
	logger := c.taskLogger(req.Task)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p, err := planner.Plan(ctx, PlanRequest{Task: req.Task, Attempt: attempt, Feedback: feedback, Agent: agent})
		if err != nil {
			return res, fmt.Errorf("plan attempt %d: %w", attempt, err)
		}

		sub, err := c.Submit(ctx, SubmitRequest{
			Task:          req.Task,
			Plan:          p,
			LoopIndexHint: NoIndexHint,
			Overrides:     req.Overrides,
		})
		if err != nil {
			return res, err
		}
		res.LastSubmit = sub
		res.LoopIndex = sub.LoopIndex
		switch sub.Status {
		case SubmitDenied:
			res.State = c.states.get(req.Task).state
			res.Reason = sub.Reason
			return res, nil
		case SubmitBlocked:
			res.Loops++
			res.State = StateBlocked
			res.Reason = sub.Reason
			return res, nil
		}
		res.Loops++

		out, execErr := executor.Execute(ctx, req.Task, sub.LoopIndex, p)
		if ctx.Err() != nil {
			if _, err := c.Abort(context.WithoutCancel(ctx), req.Task, sub.LoopIndex, "run cancelled"); err != nil {
				logger.Error("abort after cancellation failed", "loop_index", sub.LoopIndex, "error", err)
			}
			res.State = StateHalted
			res.Reason = retry.ReasonAborted
			return res, ctx.Err()
		}

		if execErr == nil && out.Success {
			if _, err := c.ReportSuccess(ctx, req.Task, sub.LoopIndex); err != nil {
				return res, err
			}
			res.State = StateSucceeded
			res.Reason = ""
			return res, nil
		}

		signal := out.Evidence
		if execErr != nil {
			signal = execErr.Error()
		}
		fr, err := c.ReportFailure(ctx, FailureRequest{
			Task:      req.Task,
			LoopIndex: sub.LoopIndex,
			Signal:    signal,
			Overrides: req.Overrides,
		})
		if err != nil {
			return res, err
		}
		report := fr.Report
		res.LastFailure = &report
		res.State = fr.State
		res.Reason = fr.Decision.Reason
		if !fr.Decision.Retry() {
			return res, nil
		}
		feedback = &report
		agent = fr.Decision.NextAgent
	}
}
