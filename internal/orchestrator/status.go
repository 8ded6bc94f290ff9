package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/budget"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/retry"
)

// TaskStatus summarises everything recorded for a task.
type TaskStatus struct {
	Task      ledger.TaskKey `json:"task" yaml:"task"`
	State     State          `json:"state" yaml:"state"`
	LoopIndex int            `json:"loop_index" yaml:"loop_index"`

	Limits     budget.Limits    `json:"limits" yaml:"limits"`
	LoopsUsed  int              `json:"loops_used" yaml:"loops_used"`
	MaxDepth   int              `json:"max_depth" yaml:"max_depth"`
	Blocking   bool             `json:"blocking" yaml:"blocking"`
	HaltedBy   string           `json:"halted_by,omitempty" yaml:"halted_by,omitempty"`
	RetryState *retry.TaskState `json:"retry,omitempty" yaml:"retry,omitempty"`

	Attempts    []ledger.LoopAttempt    `json:"attempts" yaml:"attempts"`
	Edges       []ledger.DelegationEdge `json:"edges" yaml:"edges"`
	Rejections  []ledger.RejectedPlan   `json:"rejections" yaml:"rejections"`
	Checkpoints []ledger.Checkpoint     `json:"checkpoints" yaml:"checkpoints"`
	Failures    []ledger.FailureReport  `json:"failures" yaml:"failures"`
	Advisories  []ledger.Advisory       `json:"advisories" yaml:"advisories"`
}

// Empty reports whether the ledger holds no records for the task.
func (s *TaskStatus) Empty() bool {
	return len(s.Attempts)+len(s.Edges)+len(s.Rejections)+len(s.Checkpoints)+len(s.Failures)+len(s.Advisories) == 0
}

// Status reads the task's records and current state. The record lists are
// read concurrently; each is a consistent snapshot on its own.
func (c *Coordinator) Status(ctx context.Context, task ledger.TaskKey) (*TaskStatus, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if err := c.hydrate(ctx, task); err != nil {
		return nil, err
	}
	st := &TaskStatus{Task: task, Limits: c.budget.Limits()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Attempts, err = c.store.Attempts(gctx, task)
		return err
	})
	g.Go(func() (err error) {
		st.Edges, err = c.store.Edges(gctx, task)
		return err
	})
	g.Go(func() (err error) {
		st.Rejections, err = c.store.Rejections(gctx, task)
		return err
	})
	g.Go(func() (err error) {
		st.Checkpoints, err = c.store.Checkpoints(gctx, task)
		return err
	})
	g.Go(func() (err error) {
		st.Failures, err = c.store.Failures(gctx, task)
		return err
	})
	g.Go(func() (err error) {
		st.Advisories, err = c.store.Advisories(gctx, task)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cur := c.states.get(task)
	st.State = cur.state
	st.LoopIndex = cur.loopIndex
	st.LoopsUsed = len(st.Attempts)
	if n := len(st.Attempts); n > 0 && st.LoopIndex < st.Attempts[n-1].Index {
		st.LoopIndex = st.Attempts[n-1].Index
	}
	for _, e := range st.Edges {
		st.MaxDepth = max(st.MaxDepth, e.Depth)
	}
	for _, cp := range st.Checkpoints {
		if cp.Blocking() {
			st.Blocking = true
		}
		if cp.Status == ledger.CheckpointRejected && st.HaltedBy == "" {
			st.HaltedBy = cp.Name
		}
	}
	st.RetryState = c.retry.GetState(task)
	return st, nil
}

// Tasks lists every task with records in the ledger.
func (c *Coordinator) Tasks(ctx context.Context) ([]ledger.TaskKey, error) {
	return c.store.Tasks(ctx)
}
