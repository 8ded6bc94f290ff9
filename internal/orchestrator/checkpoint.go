package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
)

// OpenCheckpoint opens a named checkpoint for the task. A hard checkpoint
// stays pending until resolved; a soft one is approved on creation unless
// the gate's policy asks for manual review.
func (c *Coordinator) OpenCheckpoint(ctx context.Context, task ledger.TaskKey, name string, kind ledger.CheckpointKind) (cp ledger.Checkpoint, err error) {
	ctx, span := c.startSpan(ctx, "checkpoint_open", task,
		attribute.String("loopguard.checkpoint", name),
		attribute.String("loopguard.kind", string(kind)),
	)
	defer func() { endSpan(span, err) }()

	unlock, err := c.lock(ctx, task, "checkpoint_open")
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	defer unlock()
	return c.gate.Open(ctx, task, name, kind)
}

// Gate returns the task's checkpoint with the given name, opening it if it
// does not exist yet. Calling Gate again for the same name never opens a
// second checkpoint.
func (c *Coordinator) Gate(ctx context.Context, task ledger.TaskKey, name string, kind ledger.CheckpointKind) (cp ledger.Checkpoint, err error) {
	ctx, span := c.startSpan(ctx, "checkpoint_gate", task, attribute.String("loopguard.checkpoint", name))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(name) == "" {
		return ledger.Checkpoint{}, errors.NewValidationError("checkpoint name is required").WithField("name")
	}
	unlock, err := c.lock(ctx, task, "checkpoint_gate")
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	defer unlock()

	existing, ok, err := c.gate.Find(ctx, task, name)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	if ok {
		return existing, nil
	}
	return c.gate.Open(ctx, task, name, kind)
}

// ResolveCheckpoint approves or rejects a pending checkpoint. Resolving a
// checkpoint twice is an integrity error. Resolution is not serialized
// with the task's loop: an external approver may answer at any time.
func (c *Coordinator) ResolveCheckpoint(ctx context.Context, id string, approved bool, note string) (cp ledger.Checkpoint, err error) {
	ctx, span := c.tracer.Start(ctx, "loopguard.checkpoint_resolve")
	span.SetAttributes(
		attribute.String("loopguard.checkpoint_id", id),
		attribute.Bool("loopguard.approved", approved),
	)
	defer func() { endSpan(span, err) }()

	return c.gate.Resolve(ctx, id, approved, note)
}

// IsBlocking reports whether a pending hard checkpoint holds the task.
func (c *Coordinator) IsBlocking(ctx context.Context, task ledger.TaskKey) (bool, error) {
	return c.gate.IsBlocking(ctx, task)
}

// Checkpoints lists the task's checkpoints in creation order.
func (c *Coordinator) Checkpoints(ctx context.Context, task ledger.TaskKey) ([]ledger.Checkpoint, error) {
	return c.gate.List(ctx, task)
}

// Checkpoint returns a checkpoint by id.
func (c *Coordinator) Checkpoint(ctx context.Context, id string) (ledger.Checkpoint, error) {
	return c.gate.Get(ctx, id)
}
