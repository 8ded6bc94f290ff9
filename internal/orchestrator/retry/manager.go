// Package retry decides what happens to a task after a loop attempt fails.
//
// The manager tracks failures per task and turns each one into a decision:
// retry the task (with the agent triage suggested) or halt it because the
// loop cap is spent or no viable agent is left. It keeps a short failure
// history per task for status reporting.
package retry

import (
	"sync"

	"github.com/Iron-Ham/loopguard/internal/ledger"
)

// Action is the outcome of a retry decision.
type Action string

// Retry actions.
const (
	ActionRetry Action = "retry"
	ActionHalt  Action = "halted"
)

// Halt reasons.
const (
	ReasonCapsExhausted = "caps_exhausted"
	ReasonNoViableAgent = "no_viable_agent"
	ReasonAborted       = "aborted"
)

// historyLimit bounds the per-task failure history.
const historyLimit = 16

// Input describes one failure.
type Input struct {
	// Used is the number of loop attempts recorded for the task, the
	// failed one included.
	Used int
	// Limit is the loop cap in effect for the task.
	Limit int
	// FailureType is the triage classification.
	FailureType string
	// SuggestedAgent is the agent triage routed the retry to.
	SuggestedAgent string
	// Viable reports whether SuggestedAgent is on the roster.
	Viable bool
}

// Decision is the manager's verdict for a failure.
type Decision struct {
	Action    Action `json:"action"`
	Reason    string `json:"reason,omitempty"`
	NextAgent string `json:"next_agent,omitempty"`
	// Remaining is the number of loop attempts the cap still allows.
	Remaining int `json:"remaining"`
}

// Retry reports whether the decision allows another attempt.
func (d Decision) Retry() bool { return d.Action == ActionRetry }

// TaskState tracks failures for a task.
type TaskState struct {
	Task       ledger.TaskKey `json:"task"`
	Failures   int            `json:"failures"`
	LastType   string         `json:"last_failure_type,omitempty"`
	History    []string       `json:"history,omitempty"` // failure types, oldest first
	Halted     bool           `json:"halted,omitempty"`
	HaltReason string         `json:"halt_reason,omitempty"`
	Succeeded  bool           `json:"succeeded,omitempty"`
	LastAgent  string         `json:"last_agent,omitempty"`
	Reroutes   int            `json:"reroutes,omitempty"`
}

func (s *TaskState) clone() *TaskState {
	c := *s
	if s.History != nil {
		c.History = make([]string, len(s.History))
		copy(c.History, s.History)
	}
	return &c
}

// Manager manages retry state for tasks.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[ledger.TaskKey]*TaskState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[ledger.TaskKey]*TaskState),
	}
}

func (m *Manager) stateLocked(task ledger.TaskKey) *TaskState {
	state, exists := m.states[task]
	if !exists {
		state = &TaskState{Task: task}
		m.states[task] = state
	}
	return state
}

// Decide records a failure and decides between retry and halt. A task
// halts when its loop cap is spent or when the suggested agent is not
// viable.
func (m *Manager) Decide(task ledger.TaskKey, in Input) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(task)
	state.Failures++
	state.LastType = in.FailureType
	state.History = append(state.History, in.FailureType)
	if len(state.History) > historyLimit {
		state.History = state.History[len(state.History)-historyLimit:]
	}

	remaining := max(in.Limit-in.Used, 0)
	d := Decision{Remaining: remaining}

	switch {
	case remaining == 0:
		d.Action = ActionHalt
		d.Reason = ReasonCapsExhausted
	case !in.Viable:
		d.Action = ActionHalt
		d.Reason = ReasonNoViableAgent
	default:
		d.Action = ActionRetry
		d.NextAgent = in.SuggestedAgent
		if state.LastAgent != "" && state.LastAgent != in.SuggestedAgent {
			state.Reroutes++
		}
		state.LastAgent = in.SuggestedAgent
		state.Halted = false
		state.HaltReason = ""
	}

	if d.Action == ActionHalt {
		state.Halted = true
		state.HaltReason = d.Reason
	}
	return d
}

// Halt marks a task halted without a failure, e.g. an operator abort.
func (m *Manager) Halt(task ledger.TaskKey, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(task)
	state.Halted = true
	state.HaltReason = reason
}

// RecordSuccess marks the task's latest attempt as succeeded.
func (m *Manager) RecordSuccess(task ledger.TaskKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(task)
	state.Succeeded = true
	state.Halted = false
	state.HaltReason = ""
}

// GetState returns a copy of the task's state, or nil if none exists.
func (m *Manager) GetState(task ledger.TaskKey) *TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[task]; ok {
		return s.clone()
	}
	return nil
}

// IsHalted reports whether the task's last decision halted it.
func (m *Manager) IsHalted(task ledger.TaskKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[task]
	return ok && s.Halted
}

// GetAllStates returns a copy of all task retry states.
func (m *Manager) GetAllStates() map[ledger.TaskKey]*TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[ledger.TaskKey]*TaskState, len(m.states))
	for k, v := range m.states {
		result[k] = v.clone()
	}
	return result
}

// LoadStates installs states, replacing whatever the manager holds for the
// same tasks. Other tasks are left alone. Nil entries are skipped.
func (m *Manager) LoadStates(states map[ledger.TaskKey]*TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range states {
		if v != nil {
			m.states[k] = v.clone()
		}
	}
}
