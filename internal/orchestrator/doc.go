// Package orchestrator implements the loop coordinator: the per-task state
// machine that ties the cap manager, delusion guard, checkpoint gate and
// failure classifier together around an external executor.
//
// # State Machine
//
// Each task moves through
//
//	idle → planning → guarding → executing → {succeeded, failed, blocked}
//	failed → retry → planning
//	failed → halted
//
// Every forward transition is conditional: planning requires that no hard
// checkpoint is pending, guarding requires a loop admission from the cap
// manager, and executing requires a pass or warn verdict from the guard.
// Each transition is published on the event bus as a LoopStateEvent.
//
// # Operations
//
// The coordinator exposes the four external operations (Submit,
// ReportDelegation, OpenCheckpoint/ResolveCheckpoint, ReportFailure), the
// success and abort reports that close an attempt, and Run, which drives
// the whole loop synchronously against a Planner and an Executor.
//
// # Concurrency
//
// Operations on one task are serialized through a tasklock.Registry; the
// counters read for an admission and the record written after it are never
// interleaved with another caller on the same task. Distinct tasks proceed
// in parallel. Nothing here waits on a pending checkpoint: callers retry
// Submit once the checkpoint is resolved.
package orchestrator
