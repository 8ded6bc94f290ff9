// Package approval provides the checkpoint gate: named synchronization
// points that can hold a task's loop until an external actor approves.
//
// A checkpoint is either hard or soft. Hard checkpoints start pending and
// block every new loop attempt for their task until [Gate.Resolve] is
// called. Soft checkpoints are approved the moment they are opened, unless
// the policy asks for manual review. A rejected checkpoint of either kind
// halts the task.
//
// # Usage
//
//	gate := approval.NewGate(store, bus, approval.Policy{})
//
//	cp, err := gate.Open(ctx, task, "design_review", ledger.KindHard)
//	blocked, err := gate.IsBlocking(ctx, task) // true
//
//	// Later, from the reviewer
//	cp, err = gate.Resolve(ctx, cp.ID, true, "looks good")
//
// The gate never polls or times out a pending checkpoint. Callers that
// need a deadline resolve the checkpoint themselves when it passes.
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use. Checkpoint state lives
// in the ledger; the gate only guards its policy.
package approval
