// Package tasklock serializes work on a single task.
//
// Loop transitions for one task must read the ledger counters and write the
// next record without another caller interleaving. The [Registry] hands out
// one lock per task key; distinct tasks never contend. Entries are reference
// counted and dropped once no caller holds or waits on them, so the registry
// does not grow with the number of tasks ever seen.
//
// # Basic Usage
//
//	reg := tasklock.NewRegistry()
//
//	unlock, err := reg.Lock(ctx, task, "submit")
//	if err != nil {
//	    return err // ctx canceled while waiting
//	}
//	defer unlock()
//
//	// Non-blocking variant
//	unlock, err = reg.TryLock(task, "status")
//	if errors.Is(err, tasklock.ErrLocked) { ... }
//
// # Thread Safety
//
// All [Registry] methods are safe for concurrent use.
package tasklock
