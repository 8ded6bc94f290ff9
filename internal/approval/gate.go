package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
)

// AutoApproveNote is recorded on soft checkpoints approved at creation.
const AutoApproveNote = "auto-approved"

// Policy controls how soft checkpoints are handled.
type Policy struct {
	// SoftManualReview keeps soft checkpoints pending until resolved,
	// instead of approving them at creation.
	SoftManualReview bool
}

// Store is the part of the ledger the gate uses.
type Store interface {
	ledger.CheckpointLog
}

// Gate opens and resolves checkpoints and answers whether a task is held
// by one. A hard checkpoint stays pending until Resolve is called; the gate
// never waits on it and never times it out.
type Gate struct {
	store  Store
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.RWMutex
	policy Policy
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger.WithComponent("approval")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithIDGenerator overrides checkpoint id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gate) { g.newID = fn }
}

// NewGate creates a Gate. bus may be nil.
func NewGate(store Store, bus *event.Bus, policy Policy, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		bus:    bus,
		logger: logging.NopLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
		policy: policy,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the current soft-checkpoint policy.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy replaces the soft-checkpoint policy.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Open creates a checkpoint using the gate's policy.
func (g *Gate) Open(ctx context.Context, task ledger.TaskKey, name string, kind ledger.CheckpointKind) (ledger.Checkpoint, error) {
	return g.OpenWith(ctx, task, name, kind, g.Policy().SoftManualReview)
}

// OpenWith creates a checkpoint. Hard checkpoints start pending. Soft
// checkpoints are approved at creation unless manualReview is set.
func (g *Gate) OpenWith(ctx context.Context, task ledger.TaskKey, name string, kind ledger.CheckpointKind, manualReview bool) (ledger.Checkpoint, error) {
	if err := task.Validate(); err != nil {
		return ledger.Checkpoint{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Checkpoint{}, errors.NewValidationError("checkpoint name is required").WithField("name")
	}
	if kind != ledger.KindHard && kind != ledger.KindSoft {
		return ledger.Checkpoint{}, errors.NewValidationError("checkpoint kind must be hard or soft").
			WithField("kind").WithValue(kind)
	}

	now := g.now()
	cp := ledger.Checkpoint{
		ID:        g.newID(),
		Task:      task,
		Name:      name,
		Kind:      kind,
		Status:    ledger.CheckpointPending,
		CreatedAt: now,
	}
	auto := kind == ledger.KindSoft && !manualReview
	if auto {
		cp.Status = ledger.CheckpointApproved
		cp.Note = AutoApproveNote
		cp.ResolvedAt = now
	}

	if err := g.store.AppendCheckpoint(ctx, cp); err != nil {
		return ledger.Checkpoint{}, errors.Wrap(err, "open checkpoint")
	}

	g.logger.WithProject(task.ProjectID).WithTask(task.TaskID).Info("checkpoint opened",
		"checkpoint_id", cp.ID,
		"name", cp.Name,
		"kind", string(cp.Kind),
		"status", string(cp.Status),
	)
	g.publish(event.NewCheckpointOpenedEvent(task.ProjectID, task.TaskID, cp.ID, cp.Name, string(cp.Kind)))
	if auto {
		g.publish(event.NewCheckpointResolvedEvent(task.ProjectID, task.TaskID, cp.ID, cp.Name, true, true, cp.Note))
	}
	return cp, nil
}

// Resolve moves a pending checkpoint to approved or rejected. Resolving a
// checkpoint that is already terminal is an integrity error.
func (g *Gate) Resolve(ctx context.Context, id string, approved bool, note string) (ledger.Checkpoint, error) {
	status := ledger.CheckpointRejected
	if approved {
		status = ledger.CheckpointApproved
	}

	cp, err := g.store.ResolveCheckpoint(ctx, id, status, note, g.now())
	if err != nil {
		if errors.IsIntegrity(err) {
			g.logger.Warn("checkpoint resolve rejected", "checkpoint_id", id, "error", err)
		}
		return cp, err
	}

	g.logger.WithProject(cp.Task.ProjectID).WithTask(cp.Task.TaskID).Info("checkpoint resolved",
		"checkpoint_id", cp.ID,
		"name", cp.Name,
		"status", string(cp.Status),
		"note", note,
	)
	g.publish(event.NewCheckpointResolvedEvent(cp.Task.ProjectID, cp.Task.TaskID, cp.ID, cp.Name, approved, false, note))
	return cp, nil
}

// Hold is what a task's checkpoints say about starting a new loop.
type Hold struct {
	// Rejected is the first rejected checkpoint. It halts the task
	// permanently.
	Rejected *ledger.Checkpoint
	// Blocking lists the pending hard checkpoints in creation order.
	Blocking []ledger.Checkpoint
}

// Held reports whether the hold denies a new loop.
func (h Hold) Held() bool {
	return h.Rejected != nil || len(h.Blocking) > 0
}

// Hold reports the task's rejected and blocking checkpoints from a single
// read of the log.
func (g *Gate) Hold(ctx context.Context, task ledger.TaskKey) (Hold, error) {
	all, err := g.store.Checkpoints(ctx, task)
	if err != nil {
		return Hold{}, errors.Wrap(err, "list checkpoints")
	}
	var h Hold
	for _, cp := range all {
		switch {
		case cp.Status == ledger.CheckpointRejected && h.Rejected == nil:
			h.Rejected = &cp
		case cp.Blocking():
			h.Blocking = append(h.Blocking, cp)
		}
	}
	return h, nil
}

// IsBlocking reports whether any hard checkpoint for the task is pending.
func (g *Gate) IsBlocking(ctx context.Context, task ledger.TaskKey) (bool, error) {
	blocking, err := g.Blocking(ctx, task)
	return len(blocking) > 0, err
}

// Blocking returns the task's pending hard checkpoints.
func (g *Gate) Blocking(ctx context.Context, task ledger.TaskKey) ([]ledger.Checkpoint, error) {
	h, err := g.Hold(ctx, task)
	return h.Blocking, err
}

// Halting returns the first rejected checkpoint for the task, if any.
func (g *Gate) Halting(ctx context.Context, task ledger.TaskKey) (*ledger.Checkpoint, error) {
	h, err := g.Hold(ctx, task)
	return h.Rejected, err
}

// Find returns the most recent checkpoint with the given name for the task.
func (g *Gate) Find(ctx context.Context, task ledger.TaskKey, name string) (ledger.Checkpoint, bool, error) {
	all, err := g.store.Checkpoints(ctx, task)
	if err != nil {
		return ledger.Checkpoint{}, false, errors.Wrap(err, "list checkpoints")
	}
	name = strings.TrimSpace(name)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Name == name {
			return all[i], true, nil
		}
	}
	return ledger.Checkpoint{}, false, nil
}

// Get returns a checkpoint by id.
func (g *Gate) Get(ctx context.Context, id string) (ledger.Checkpoint, error) {
	return g.store.Checkpoint(ctx, id)
}

// List returns every checkpoint for the task in creation order.
func (g *Gate) List(ctx context.Context, task ledger.TaskKey) ([]ledger.Checkpoint, error) {
	return g.store.Checkpoints(ctx, task)
}

func (g *Gate) publish(e event.Event) {
	if g.bus != nil {
		g.bus.Publish(e)
	}
}
