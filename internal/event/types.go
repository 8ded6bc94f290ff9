// Package event defines event types for decoupling loopguard components.
// The coordinator, checkpoint gate and delusion guard publish these events;
// metrics collectors and loggers subscribe without the publishers knowing.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "loop.state", "checkpoint.resolved")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeLoopState          = "loop.state"
	TypeAdmissionDenied    = "loop.denied"
	TypeGuardVerdict       = "guard.verdict"
	TypeDelegation         = "delegation.recorded"
	TypeCheckpointOpened   = "checkpoint.opened"
	TypeCheckpointResolved = "checkpoint.resolved"
	TypeFailureClassified  = "failure.classified"
	TypeConfigReloaded     = "config.reloaded"
)

// -----------------------------------------------------------------------------
// Loop Events
// -----------------------------------------------------------------------------

// LoopStateEvent is emitted on every coordinator state transition.
type LoopStateEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	LoopIndex int    // -1 when no attempt exists yet
	From      string // previous state
	To        string // new state
}

// NewLoopStateEvent creates a LoopStateEvent.
func NewLoopStateEvent(projectID, taskID string, loopIndex int, from, to string) LoopStateEvent {
	return LoopStateEvent{
		baseEvent: newBaseEvent(TypeLoopState),
		ProjectID: projectID,
		TaskID:    taskID,
		LoopIndex: loopIndex,
		From:      from,
		To:        to,
	}
}

// AdmissionDeniedEvent is emitted when a loop or delegation is refused.
type AdmissionDeniedEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Reason    string // cap_exceeded, depth_exceeded, checkpoint_pending, ...
	Current   int
	Limit     int
}

// NewAdmissionDeniedEvent creates an AdmissionDeniedEvent.
func NewAdmissionDeniedEvent(projectID, taskID, reason string, current, limit int) AdmissionDeniedEvent {
	return AdmissionDeniedEvent{
		baseEvent: newBaseEvent(TypeAdmissionDenied),
		ProjectID: projectID,
		TaskID:    taskID,
		Reason:    reason,
		Current:   current,
		Limit:     limit,
	}
}

// GuardVerdictEvent is emitted after the delusion guard checks a plan.
type GuardVerdictEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	LoopIndex int
	Verdict   string
	Score     float64
}

// NewGuardVerdictEvent creates a GuardVerdictEvent.
func NewGuardVerdictEvent(projectID, taskID string, loopIndex int, verdict string, score float64) GuardVerdictEvent {
	return GuardVerdictEvent{
		baseEvent: newBaseEvent(TypeGuardVerdict),
		ProjectID: projectID,
		TaskID:    taskID,
		LoopIndex: loopIndex,
		Verdict:   verdict,
		Score:     score,
	}
}

// DelegationEvent is emitted when a delegation edge is admitted.
type DelegationEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	EdgeID    string
	From      string
	To        string
	Depth     int
}

// NewDelegationEvent creates a DelegationEvent.
func NewDelegationEvent(projectID, taskID, edgeID, from, to string, depth int) DelegationEvent {
	return DelegationEvent{
		baseEvent: newBaseEvent(TypeDelegation),
		ProjectID: projectID,
		TaskID:    taskID,
		EdgeID:    edgeID,
		From:      from,
		To:        to,
		Depth:     depth,
	}
}

// -----------------------------------------------------------------------------
// Checkpoint Events
// -----------------------------------------------------------------------------

// CheckpointOpenedEvent is emitted when a checkpoint is created. Soft
// checkpoints that auto-approve emit this and then a resolved event.
type CheckpointOpenedEvent struct {
	baseEvent
	ProjectID    string
	TaskID       string
	CheckpointID string
	Name         string
	Kind         string
}

// NewCheckpointOpenedEvent creates a CheckpointOpenedEvent.
func NewCheckpointOpenedEvent(projectID, taskID, checkpointID, name, kind string) CheckpointOpenedEvent {
	return CheckpointOpenedEvent{
		baseEvent:    newBaseEvent(TypeCheckpointOpened),
		ProjectID:    projectID,
		TaskID:       taskID,
		CheckpointID: checkpointID,
		Name:         name,
		Kind:         kind,
	}
}

// CheckpointResolvedEvent is emitted when a checkpoint leaves pending.
type CheckpointResolvedEvent struct {
	baseEvent
	ProjectID    string
	TaskID       string
	CheckpointID string
	Name         string
	Approved     bool
	Auto         bool // resolved by the soft auto-approval policy
	Note         string
}

// NewCheckpointResolvedEvent creates a CheckpointResolvedEvent.
func NewCheckpointResolvedEvent(projectID, taskID, checkpointID, name string, approved, auto bool, note string) CheckpointResolvedEvent {
	return CheckpointResolvedEvent{
		baseEvent:    newBaseEvent(TypeCheckpointResolved),
		ProjectID:    projectID,
		TaskID:       taskID,
		CheckpointID: checkpointID,
		Name:         name,
		Approved:     approved,
		Auto:         auto,
		Note:         note,
	}
}

// -----------------------------------------------------------------------------
// Failure Events
// -----------------------------------------------------------------------------

// FailureClassifiedEvent is emitted when a failure report is produced.
type FailureClassifiedEvent struct {
	baseEvent
	ProjectID      string
	TaskID         string
	LoopIndex      int
	FailureType    string
	SuggestedAgent string
}

// NewFailureClassifiedEvent creates a FailureClassifiedEvent.
func NewFailureClassifiedEvent(projectID, taskID string, loopIndex int, failureType, suggestedAgent string) FailureClassifiedEvent {
	return FailureClassifiedEvent{
		baseEvent:      newBaseEvent(TypeFailureClassified),
		ProjectID:      projectID,
		TaskID:         taskID,
		LoopIndex:      loopIndex,
		FailureType:    failureType,
		SuggestedAgent: suggestedAgent,
	}
}

// ConfigReloadedEvent is emitted when the config file changes on disk and
// the new values have been applied.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path string) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		baseEvent: newBaseEvent(TypeConfigReloaded),
		Path:      path,
	}
}
