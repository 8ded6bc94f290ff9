// Package budget enforces the per-task loop and delegation-depth caps.
//
// Both checks are hard preconditions: a denied loop must not produce a loop
// attempt and a denied delegation must not produce an edge. Counters are
// read from the ledger on every check, so the manager itself holds no
// per-task state.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
)

// Limits are the cap ceilings.
type Limits struct {
	MaxLoopsPerTask    int `json:"max_loops_per_task" yaml:"max_loops_per_task"`
	MaxDelegationDepth int `json:"max_delegation_depth" yaml:"max_delegation_depth"`
}

// DefaultLimits returns {3, 2}.
func DefaultLimits() Limits {
	return Limits{MaxLoopsPerTask: 3, MaxDelegationDepth: 2}
}

// Validate rejects negative ceilings. A zero loop cap denies every loop.
func (l Limits) Validate() error {
	if l.MaxLoopsPerTask < 0 {
		return errors.NewValidationError("max_loops_per_task must not be negative").
			WithField("max_loops_per_task").WithValue(l.MaxLoopsPerTask)
	}
	if l.MaxDelegationDepth < 0 {
		return errors.NewValidationError("max_delegation_depth must not be negative").
			WithField("max_delegation_depth").WithValue(l.MaxDelegationDepth)
	}
	return nil
}

// Ledger is the part of the history the manager reads counters from.
type Ledger interface {
	Attempts(ctx context.Context, task ledger.TaskKey) ([]ledger.LoopAttempt, error)
	Edges(ctx context.Context, task ledger.TaskKey) ([]ledger.DelegationEdge, error)
}

// Callbacks defines callbacks for cap events.
type Callbacks struct {
	// OnLoopDenied is called when a loop is refused by the loop cap.
	OnLoopDenied func(task ledger.TaskKey, current, limit int)
	// OnDelegationDenied is called when a delegation is refused by the depth cap.
	OnDelegationDenied func(task ledger.TaskKey, depth, limit int)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string // empty when allowed
	Current int    // loops recorded, or the effective delegation depth
	Limit   int
	// NextIndex is the loop index a new attempt should use.
	NextIndex int
	// Parent is the edge a delegation continues from, if any.
	Parent *ledger.DelegationEdge
}

// Err returns the decision as an AdmissionError, or nil if allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errors.NewAdmissionError(d.Reason, d.Current, d.Limit)
}

// Manager checks loop and delegation admissions against its limits.
type Manager struct {
	ledger    Ledger
	callbacks Callbacks
	logger    *logging.Logger

	mu     sync.RWMutex
	limits Limits
}

// NewManager creates a new cap manager.
func NewManager(limits Limits, l Ledger, callbacks Callbacks, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		ledger:    l,
		callbacks: callbacks,
		logger:    logger.WithComponent("budget"),
		limits:    limits,
	}
}

// NewManagerFromConfig creates a cap manager from application config.
func NewManagerFromConfig(appCfg *config.Config, l Ledger, callbacks Callbacks, logger *logging.Logger) *Manager {
	limits := DefaultLimits()
	if appCfg != nil {
		limits = LimitsFromConfig(appCfg.Caps)
	}
	return NewManager(limits, l, callbacks, logger)
}

// LimitsFromConfig converts the caps section of the application config.
func LimitsFromConfig(c config.CapsConfig) Limits {
	return Limits{MaxLoopsPerTask: c.MaxLoopsPerTask, MaxDelegationDepth: c.MaxDelegationDepth}
}

// Limits returns the default limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits replaces the default limits. Checks in flight keep the
// limits they started with.
func (m *Manager) UpdateLimits(limits Limits) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
}

// AdmitLoop checks the loop cap with the default limits.
func (m *Manager) AdmitLoop(ctx context.Context, task ledger.TaskKey) (Decision, error) {
	return m.AdmitLoopWith(ctx, m.Limits(), task)
}

// AdmitLoopWith allows a new loop attempt iff the task has fewer than
// limits.MaxLoopsPerTask attempts. Blocked and failed attempts count. The
// returned error is reserved for ledger failures; a denial is reported in
// the Decision.
func (m *Manager) AdmitLoopWith(ctx context.Context, limits Limits, task ledger.TaskKey) (Decision, error) {
	attempts, err := m.ledger.Attempts(ctx, task)
	if err != nil {
		return Decision{}, fmt.Errorf("read loop attempts: %w", err)
	}

	d := Decision{
		Allowed: true,
		Current: len(attempts),
		Limit:   limits.MaxLoopsPerTask,
	}
	if n := len(attempts); n > 0 {
		d.NextIndex = attempts[n-1].Index + 1
	}
	if d.Current >= d.Limit {
		d.Allowed = false
		d.Reason = errors.ReasonCapExceeded
		m.logger.WithProject(task.ProjectID).WithTask(task.TaskID).Info("loop admission denied",
			"reason", d.Reason,
			"current", d.Current,
			"limit", d.Limit,
		)
		if m.callbacks.OnLoopDenied != nil {
			m.callbacks.OnLoopDenied(task, d.Current, d.Limit)
		}
	}
	return d, nil
}

// AdmitDelegation checks the depth cap with the default limits.
func (m *Manager) AdmitDelegation(ctx context.Context, task ledger.TaskKey, from string, proposedDepth int) (Decision, error) {
	return m.AdmitDelegationWith(ctx, m.Limits(), task, from, proposedDepth)
}

// AdmitDelegationWith computes the effective depth of a hand-off from the
// given agent and allows it iff that depth is within the ceiling.
//
// The parent is the most recent edge delegated to from. The derived depth
// is parent depth + 1, or 0 without a parent. A negative proposedDepth
// means "derive it"; otherwise the effective depth is the larger of the
// proposed and derived depths, so an understated depth cannot slip under
// the ceiling.
func (m *Manager) AdmitDelegationWith(ctx context.Context, limits Limits, task ledger.TaskKey, from string, proposedDepth int) (Decision, error) {
	edges, err := m.ledger.Edges(ctx, task)
	if err != nil {
		return Decision{}, fmt.Errorf("read delegation edges: %w", err)
	}

	d := Decision{Allowed: true, Limit: limits.MaxDelegationDepth}
	for i := len(edges) - 1; i >= 0; i-- {
		if edges[i].To == from {
			parent := edges[i]
			d.Parent = &parent
			break
		}
	}

	derived := 0
	if d.Parent != nil {
		derived = d.Parent.Depth + 1
	}
	d.Current = max(proposedDepth, derived)

	if d.Current > d.Limit {
		d.Allowed = false
		d.Reason = errors.ReasonDepthExceeded
		m.logger.WithProject(task.ProjectID).WithTask(task.TaskID).Info("delegation admission denied",
			"reason", d.Reason,
			"from_agent", from,
			"depth", d.Current,
			"limit", d.Limit,
		)
		if m.callbacks.OnDelegationDenied != nil {
			m.callbacks.OnDelegationDenied(task, d.Current, d.Limit)
		}
	}
	return d, nil
}
