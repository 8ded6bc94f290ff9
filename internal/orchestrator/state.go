package orchestrator

import (
	"context"
	"slices"
	"sync"

	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/retry"
)

// State is a task's position in the loop state machine.
type State string

// Loop states.
const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateGuarding  State = "guarding"
	StateExecuting State = "executing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateBlocked   State = "blocked"
	StateRetry     State = "retry"
	StateHalted    State = "halted"
)

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	StateIdle:      {StatePlanning},
	StatePlanning:  {StateGuarding, StateBlocked},
	StateGuarding:  {StateExecuting, StateBlocked},
	StateExecuting: {StateSucceeded, StateFailed, StateHalted},
	StateFailed:    {StateRetry, StateHalted},
	StateRetry:     {StatePlanning},
	StateSucceeded: {StateIdle},
	StateBlocked:   {StateIdle},
	StateHalted:    {StateIdle},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends a loop attempt.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateBlocked || s == StateHalted
}

type taskState struct {
	state     State
	loopIndex int
}

// stateTable tracks the current state of every task seen. Callers hold the
// task's lock; the table's own mutex only protects the map.
type stateTable struct {
	mu     sync.RWMutex
	states map[ledger.TaskKey]taskState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[ledger.TaskKey]taskState)}
}

func (t *stateTable) get(task ledger.TaskKey) taskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[task]; ok {
		return s
	}
	return taskState{state: StateIdle, loopIndex: -1}
}

func (t *stateTable) has(task ledger.TaskKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.states[task]
	return ok
}

func (t *stateTable) setIfAbsent(task ledger.TaskKey, s taskState) {
	t.mu.Lock()
	if _, ok := t.states[task]; !ok {
		t.states[task] = s
	}
	t.mu.Unlock()
}

func (t *stateTable) set(task ledger.TaskKey, s taskState) {
	t.mu.Lock()
	t.states[task] = s
	t.mu.Unlock()
}

// transition moves the task to the given state and publishes the change.
// An illegal move is logged and applied anyway: the ledger, not this
// table, is authoritative.
func (c *Coordinator) transition(task ledger.TaskKey, loopIndex int, to State) {
	prev := c.states.get(task)
	if !CanTransition(prev.state, to) {
		c.logger.WithProject(task.ProjectID).WithTask(task.TaskID).Warn("unexpected loop transition",
			"from", string(prev.state),
			"to", string(to),
		)
	}
	c.states.set(task, taskState{state: to, loopIndex: loopIndex})
	c.logger.WithProject(task.ProjectID).WithTask(task.TaskID).WithLoop(loopIndex).Debug("loop transition",
		"from", string(prev.state),
		"to", string(to),
	)
	c.publish(event.NewLoopStateEvent(task.ProjectID, task.TaskID, loopIndex, string(prev.state), string(to)))
}

// rewind returns a task in a terminal state to idle so a new loop can
// start. Tasks in retry go straight to planning and are left alone.
func (c *Coordinator) rewind(task ledger.TaskKey) {
	cur := c.states.get(task)
	switch cur.state {
	case StateIdle, StateRetry:
		return
	case StateSucceeded, StateBlocked, StateHalted:
		c.transition(task, cur.loopIndex, StateIdle)
	default:
		// An operation failed mid-flight; the ledger has no pending attempt
		// (checked by the caller) so the task is effectively idle.
		c.states.set(task, taskState{state: StateIdle, loopIndex: cur.loopIndex})
	}
}

// hydrate seeds the state of a task this process has not seen from its
// last recorded attempt, so a coordinator over a durable ledger resumes
// where the previous process stopped.
func (c *Coordinator) hydrate(ctx context.Context, task ledger.TaskKey) error {
	if c.states.has(task) {
		return nil
	}
	attempts, err := c.store.Attempts(ctx, task)
	if err != nil {
		return err
	}
	if c.retry.GetState(task) == nil {
		if err := c.replayRetry(ctx, task, attempts); err != nil {
			return err
		}
	}

	st := taskState{state: StateIdle, loopIndex: -1}
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		st.loopIndex = last.Index
		switch last.Outcome {
		case ledger.OutcomePending:
			st.state = StateExecuting
		case ledger.OutcomeSuccess:
			st.state = StateSucceeded
		case ledger.OutcomeBlocked:
			st.state = StateBlocked
		case ledger.OutcomeFailed:
			st.state = StateRetry
			if c.retry.IsHalted(task) {
				st.state = StateHalted
			}
		}
	}
	c.states.setIfAbsent(task, st)
	return nil
}

// replayRetry rebuilds the task's retry state by feeding its recorded
// outcomes through a scratch manager in loop order. Caps are the current
// defaults; per-call overrides are not recorded.
func (c *Coordinator) replayRetry(ctx context.Context, task ledger.TaskKey, attempts []ledger.LoopAttempt) error {
	reported := func(a ledger.LoopAttempt) bool {
		return a.Outcome == ledger.OutcomeFailed || a.Outcome == ledger.OutcomeSuccess
	}
	if !slices.ContainsFunc(attempts, reported) {
		return nil
	}
	failures, err := c.store.Failures(ctx, task)
	if err != nil {
		return err
	}
	rejections, err := c.store.Rejections(ctx, task)
	if err != nil {
		return err
	}
	reports := make(map[int]ledger.FailureReport, len(failures))
	for _, f := range failures {
		reports[f.LoopIndex] = f
	}
	aborted := make(map[int]bool)
	for _, r := range rejections {
		if r.Source == ledger.SourceOperator {
			aborted[r.LoopIndex] = true
		}
	}

	limit := c.budget.Limits().MaxLoopsPerTask
	scratch := retry.NewManager()
	for i, a := range attempts {
		switch a.Outcome {
		case ledger.OutcomeSuccess:
			scratch.RecordSuccess(task)
		case ledger.OutcomeFailed:
			if aborted[a.Index] {
				scratch.Halt(task, retry.ReasonAborted)
				continue
			}
			f, ok := reports[a.Index]
			if !ok {
				continue
			}
			scratch.Decide(task, retry.Input{
				Used:           i + 1,
				Limit:          limit,
				FailureType:    f.Type,
				SuggestedAgent: f.SuggestedAgent,
				Viable:         c.classifier.Viable(f.SuggestedAgent),
			})
		}
	}
	c.retry.LoadStates(scratch.GetAllStates())
	return nil
}
