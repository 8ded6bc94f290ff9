package ledger

import (
	"context"
	"time"
)

// AttemptLog stores loop attempts.
type AttemptLog interface {
	// AppendAttempt records a new attempt. Its index must be greater than
	// every index already recorded for the task.
	AppendAttempt(ctx context.Context, a LoopAttempt) error
	// RecordAttempt appends an attempt and its records atomically. Either
	// everything is written or nothing is.
	RecordAttempt(ctx context.Context, a LoopAttempt, recs AttemptRecords) error
	// SetOutcome moves a pending attempt to a terminal outcome.
	SetOutcome(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time) (LoopAttempt, error)
	// CloseAttempt moves a pending attempt to a terminal outcome and writes
	// its records atomically.
	CloseAttempt(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time, recs AttemptRecords) (LoopAttempt, error)
	Attempt(ctx context.Context, task TaskKey, index int) (LoopAttempt, error)
	// Attempts returns the task's attempts ordered by index.
	Attempts(ctx context.Context, task TaskKey) ([]LoopAttempt, error)
}

// EdgeLog stores delegation edges.
type EdgeLog interface {
	// AppendEdge records an edge. An edge deeper than maxDepth is an
	// integrity error.
	AppendEdge(ctx context.Context, e DelegationEdge, maxDepth int) error
	// Edges returns the task's edges in creation order.
	Edges(ctx context.Context, task TaskKey) ([]DelegationEdge, error)
}

// RejectionLog stores rejected plans. There is at most one per loop index.
type RejectionLog interface {
	AppendRejection(ctx context.Context, r RejectedPlan) error
	// Rejections returns the task's rejected plans oldest first.
	Rejections(ctx context.Context, task TaskKey) ([]RejectedPlan, error)
}

// CheckpointLog stores checkpoints.
type CheckpointLog interface {
	AppendCheckpoint(ctx context.Context, c Checkpoint) error
	// ResolveCheckpoint moves a pending checkpoint to approved or rejected.
	ResolveCheckpoint(ctx context.Context, id string, status CheckpointStatus, note string, at time.Time) (Checkpoint, error)
	Checkpoint(ctx context.Context, id string) (Checkpoint, error)
	// Checkpoints returns the task's checkpoints in creation order.
	Checkpoints(ctx context.Context, task TaskKey) ([]Checkpoint, error)
}

// FailureLog stores failure reports. There is at most one per loop index.
type FailureLog interface {
	AppendFailure(ctx context.Context, f FailureReport) error
	Failures(ctx context.Context, task TaskKey) ([]FailureReport, error)
}

// AdvisoryLog stores delusion guard advisories.
type AdvisoryLog interface {
	AppendAdvisory(ctx context.Context, a Advisory) error
	Advisories(ctx context.Context, task TaskKey) ([]Advisory, error)
}

// Store is the full history ledger.
type Store interface {
	AttemptLog
	EdgeLog
	RejectionLog
	CheckpointLog
	FailureLog
	AdvisoryLog

	// Tasks lists every task with at least one record, sorted.
	Tasks(ctx context.Context) ([]TaskKey, error)
	Close() error
}
