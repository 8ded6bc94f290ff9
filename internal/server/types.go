package server

import (
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Reason is the machine-readable reason of an admission denial.
	Reason string `json:"reason,omitempty"`
}

// TaskRef names a task in request bodies.
type TaskRef struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

// Key returns the ledger key for the reference.
func (r TaskRef) Key() ledger.TaskKey {
	return ledger.Key(r.ProjectID, r.TaskID)
}

// CapsOverride replaces individual cap ceilings for one request.
type CapsOverride struct {
	MaxLoopsPerTask    *int `json:"max_loops_per_task,omitempty"`
	MaxDelegationDepth *int `json:"max_delegation_depth,omitempty"`
}

// GuardOverride replaces individual delusion guard settings for one
// request.
type GuardOverride struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	BlockExecution      *bool    `json:"block_execution,omitempty"`
}

// SubmitRequest is the body of POST /v1/loops.
type SubmitRequest struct {
	TaskRef
	Plan          plan.Plan      `json:"plan"`
	LoopIndexHint *int           `json:"loop_index_hint,omitempty"`
	Caps          *CapsOverride  `json:"caps,omitempty"`
	Guard         *GuardOverride `json:"guard,omitempty"`
}

// OutcomeRequest is the body of the loop success and abort endpoints.
type OutcomeRequest struct {
	TaskRef
	LoopIndex *int   `json:"loop_index"`
	Reason    string `json:"reason,omitempty"`
}

// FailureRequest is the body of POST /v1/loops/failure and /v1/classify.
type FailureRequest struct {
	TaskRef
	LoopIndex     *int          `json:"loop_index"`
	FailureSignal string        `json:"failure_signal"`
	FailedAgent   string        `json:"failed_agent,omitempty"`
	Caps          *CapsOverride `json:"caps,omitempty"`
}

// DelegationRequest is the body of POST /v1/delegations.
type DelegationRequest struct {
	TaskRef
	FromAgent     string        `json:"from_agent"`
	ToAgent       string        `json:"to_agent"`
	ProposedDepth *int          `json:"proposed_depth,omitempty"`
	Caps          *CapsOverride `json:"caps,omitempty"`
}

// CheckpointRequest is the body of POST /v1/checkpoints.
type CheckpointRequest struct {
	TaskRef
	Name string `json:"name"`
	Kind string `json:"kind"`
	// Reuse returns an existing checkpoint with the same name instead of
	// opening a second one.
	Reuse bool `json:"reuse,omitempty"`
}

// ResolveRequest is the body of POST /v1/checkpoints/:id/resolve.
type ResolveRequest struct {
	Approved *bool  `json:"approved"`
	Note     string `json:"note,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

func overrides(defaults orchestrator.Overrides, caps *CapsOverride, guard *GuardOverride) orchestrator.Overrides {
	var out orchestrator.Overrides
	if caps != nil {
		limits := *defaults.Limits
		if caps.MaxLoopsPerTask != nil {
			limits.MaxLoopsPerTask = *caps.MaxLoopsPerTask
		}
		if caps.MaxDelegationDepth != nil {
			limits.MaxDelegationDepth = *caps.MaxDelegationDepth
		}
		out.Limits = &limits
	}
	if guard != nil {
		cfg := *defaults.Guard
		if guard.Enabled != nil {
			cfg.Enabled = *guard.Enabled
		}
		if guard.SimilarityThreshold != nil {
			cfg.SimilarityThreshold = *guard.SimilarityThreshold
		}
		if guard.BlockExecution != nil {
			cfg.BlockExecution = *guard.BlockExecution
		}
		out.Guard = &cfg
	}
	return out
}
