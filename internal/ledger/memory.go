package ledger

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/loopguard/internal/errors"
)

// MemoryStore is an in-process Store. Records are sharded by task, each
// shard guarded by its own lock, so distinct tasks never contend.
type MemoryStore struct {
	shards      sync.Map // TaskKey -> *shard
	checkpoints sync.Map // checkpoint id -> TaskKey
	edgeIDs     sync.Map // edge id -> struct{}
	advisoryIDs sync.Map // advisory id -> struct{}
	closed      atomic.Bool
}

type shard struct {
	mu          sync.RWMutex
	attempts    []LoopAttempt
	edges       []DelegationEdge
	rejections  []RejectedPlan
	checkpoints []Checkpoint
	failures    []FailureReport
	advisories  []Advisory
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var errClosed = errors.New("ledger closed")

func (m *MemoryStore) shard(task TaskKey) *shard {
	if s, ok := m.shards.Load(task); ok {
		return s.(*shard)
	}
	s, _ := m.shards.LoadOrStore(task, &shard{})
	return s.(*shard)
}

// lookup returns the shard without creating one.
func (m *MemoryStore) lookup(task TaskKey) (*shard, bool) {
	s, ok := m.shards.Load(task)
	if !ok {
		return nil, false
	}
	return s.(*shard), true
}

func (m *MemoryStore) check(ctx context.Context) error {
	if m.closed.Load() {
		return errClosed
	}
	return ctx.Err()
}

// AppendAttempt implements AttemptLog.
func (m *MemoryStore) AppendAttempt(ctx context.Context, a LoopAttempt) error {
	return m.RecordAttempt(ctx, a, AttemptRecords{})
}

// RecordAttempt implements AttemptLog.
func (m *MemoryStore) RecordAttempt(ctx context.Context, a LoopAttempt, recs AttemptRecords) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := a.Task.Validate(); err != nil {
		return err
	}
	if a.Index < 0 {
		return integrity("append attempt", errors.ErrLoopIndexReused, "negative index %d", a.Index)
	}
	if a.Outcome == "" {
		a.Outcome = OutcomePending
	}
	if err := recs.validate(a.Task, a.Index); err != nil {
		return err
	}

	s := m.shard(a.Task)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.attempts); n > 0 && s.attempts[n-1].Index >= a.Index {
		return integrity("append attempt", errors.ErrLoopIndexReused,
			"task %s index %d, last %d", a.Task, a.Index, s.attempts[n-1].Index)
	}
	if err := m.stage(s, recs); err != nil {
		return err
	}
	s.attempts = append(s.attempts, a)
	s.commit(recs)
	return nil
}

// SetOutcome implements AttemptLog.
func (m *MemoryStore) SetOutcome(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time) (LoopAttempt, error) {
	return m.CloseAttempt(ctx, task, index, outcome, at, AttemptRecords{})
}

// CloseAttempt implements AttemptLog.
func (m *MemoryStore) CloseAttempt(ctx context.Context, task TaskKey, index int, outcome Outcome, at time.Time, recs AttemptRecords) (LoopAttempt, error) {
	if err := m.check(ctx); err != nil {
		return LoopAttempt{}, err
	}
	if !outcome.IsTerminal() {
		return LoopAttempt{}, errors.NewValidationError("outcome must be terminal").WithField("outcome").WithValue(outcome)
	}
	if err := recs.validate(task, index); err != nil {
		return LoopAttempt{}, err
	}

	s, ok := m.lookup(task)
	if !ok {
		return LoopAttempt{}, attemptNotFound(task, index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearchFunc(s.attempts, index, func(a LoopAttempt, idx int) int {
		return a.Index - idx
	})
	if !found {
		return LoopAttempt{}, attemptNotFound(task, index)
	}
	if s.attempts[i].Outcome != OutcomePending {
		return s.attempts[i], integrity("set outcome", errors.ErrOutcomeFinal,
			"task %s index %d is %s", task, index, s.attempts[i].Outcome)
	}
	if err := m.stage(s, recs); err != nil {
		return LoopAttempt{}, err
	}
	s.attempts[i].Outcome = outcome
	s.attempts[i].FinishedAt = at
	s.commit(recs)
	return s.attempts[i], nil
}

// stage checks recs against the shard and reserves the advisory id. It runs
// under the shard lock; once it returns nil, commit cannot fail.
func (m *MemoryStore) stage(s *shard, recs AttemptRecords) error {
	if r := recs.Rejection; r != nil {
		for _, existing := range s.rejections {
			if existing.LoopIndex == r.LoopIndex {
				return integrity("append rejection", errors.ErrDuplicateRecord,
					"task %s index %d already rejected", r.Task, r.LoopIndex)
			}
		}
	}
	if f := recs.Failure; f != nil {
		for _, existing := range s.failures {
			if existing.LoopIndex == f.LoopIndex {
				return integrity("append failure", errors.ErrDuplicateRecord,
					"task %s index %d already has a failure report", f.Task, f.LoopIndex)
			}
		}
	}
	if a := recs.Advisory; a != nil {
		if _, dup := m.advisoryIDs.LoadOrStore(a.ID, struct{}{}); dup {
			return integrity("append advisory", errors.ErrDuplicateRecord, "advisory %s", a.ID)
		}
	}
	return nil
}

func (s *shard) commit(recs AttemptRecords) {
	if recs.Rejection != nil {
		s.rejections = append(s.rejections, *recs.Rejection)
	}
	if recs.Failure != nil {
		f := *recs.Failure
		f.PatchPlan = slices.Clone(f.PatchPlan)
		s.failures = append(s.failures, f)
	}
	if recs.Advisory != nil {
		s.advisories = append(s.advisories, *recs.Advisory)
	}
}

// Attempt implements AttemptLog.
func (m *MemoryStore) Attempt(ctx context.Context, task TaskKey, index int) (LoopAttempt, error) {
	if err := m.check(ctx); err != nil {
		return LoopAttempt{}, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return LoopAttempt{}, attemptNotFound(task, index)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attempts {
		if a.Index == index {
			return a, nil
		}
	}
	return LoopAttempt{}, attemptNotFound(task, index)
}

// Attempts implements AttemptLog.
func (m *MemoryStore) Attempts(ctx context.Context, task TaskKey) ([]LoopAttempt, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attempts), nil
}

// AppendEdge implements EdgeLog.
func (m *MemoryStore) AppendEdge(ctx context.Context, e DelegationEdge, maxDepth int) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := e.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("edge", e.ID); err != nil {
		return err
	}
	if e.Depth < 0 {
		return errors.NewValidationError("depth must not be negative").WithField("depth").WithValue(e.Depth)
	}
	if e.Depth > maxDepth {
		return integrity("append edge", errors.ErrDepthExceeded, "depth %d, ceiling %d", e.Depth, maxDepth)
	}
	if _, dup := m.edgeIDs.LoadOrStore(e.ID, struct{}{}); dup {
		return integrity("append edge", errors.ErrDuplicateRecord, "edge %s", e.ID)
	}

	s := m.shard(e.Task)
	s.mu.Lock()
	s.edges = append(s.edges, e)
	s.mu.Unlock()
	return nil
}

// Edges implements EdgeLog.
func (m *MemoryStore) Edges(ctx context.Context, task TaskKey) ([]DelegationEdge, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.edges), nil
}

// AppendRejection implements RejectionLog.
func (m *MemoryStore) AppendRejection(ctx context.Context, r RejectedPlan) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := r.Task.Validate(); err != nil {
		return err
	}
	return m.appendRecords(r.Task, AttemptRecords{Rejection: &r})
}

// appendRecords writes records that are not tied to an attempt write.
func (m *MemoryStore) appendRecords(task TaskKey, recs AttemptRecords) error {
	s := m.shard(task)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.stage(s, recs); err != nil {
		return err
	}
	s.commit(recs)
	return nil
}

// Rejections implements RejectionLog.
func (m *MemoryStore) Rejections(ctx context.Context, task TaskKey) ([]RejectedPlan, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rejections), nil
}

// AppendCheckpoint implements CheckpointLog.
func (m *MemoryStore) AppendCheckpoint(ctx context.Context, c Checkpoint) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := c.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("checkpoint", c.ID); err != nil {
		return err
	}
	if _, dup := m.checkpoints.LoadOrStore(c.ID, c.Task); dup {
		return integrity("append checkpoint", errors.ErrDuplicateRecord, "checkpoint %s", c.ID)
	}

	s := m.shard(c.Task)
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, c)
	s.mu.Unlock()
	return nil
}

// ResolveCheckpoint implements CheckpointLog.
func (m *MemoryStore) ResolveCheckpoint(ctx context.Context, id string, status CheckpointStatus, note string, at time.Time) (Checkpoint, error) {
	if err := m.check(ctx); err != nil {
		return Checkpoint{}, err
	}
	if !status.IsTerminal() {
		return Checkpoint{}, errors.NewValidationError("status must be approved or rejected").WithField("status").WithValue(status)
	}
	task, ok := m.checkpoints.Load(id)
	if !ok {
		return Checkpoint{}, checkpointNotFound(id)
	}

	s := m.shard(task.(TaskKey))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.checkpoints {
		c := &s.checkpoints[i]
		if c.ID != id {
			continue
		}
		if c.Status != CheckpointPending {
			return *c, integrity("resolve checkpoint", errors.ErrCheckpointResolved,
				"checkpoint %s is %s", id, c.Status)
		}
		c.Status = status
		c.Note = note
		c.ResolvedAt = at
		return *c, nil
	}
	return Checkpoint{}, checkpointNotFound(id)
}

// Checkpoint implements CheckpointLog.
func (m *MemoryStore) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	if err := m.check(ctx); err != nil {
		return Checkpoint{}, err
	}
	task, ok := m.checkpoints.Load(id)
	if !ok {
		return Checkpoint{}, checkpointNotFound(id)
	}
	s := m.shard(task.(TaskKey))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.checkpoints {
		if c.ID == id {
			return c, nil
		}
	}
	return Checkpoint{}, checkpointNotFound(id)
}

// Checkpoints implements CheckpointLog.
func (m *MemoryStore) Checkpoints(ctx context.Context, task TaskKey) ([]Checkpoint, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.checkpoints), nil
}

// AppendFailure implements FailureLog.
func (m *MemoryStore) AppendFailure(ctx context.Context, f FailureReport) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := f.Task.Validate(); err != nil {
		return err
	}
	return m.appendRecords(f.Task, AttemptRecords{Failure: &f})
}

// Failures implements FailureLog.
func (m *MemoryStore) Failures(ctx context.Context, task TaskKey) ([]FailureReport, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FailureReport, len(s.failures))
	for i, f := range s.failures {
		f.PatchPlan = slices.Clone(f.PatchPlan)
		out[i] = f
	}
	return out, nil
}

// AppendAdvisory implements AdvisoryLog.
func (m *MemoryStore) AppendAdvisory(ctx context.Context, a Advisory) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := a.Task.Validate(); err != nil {
		return err
	}
	if err := requireID("advisory", a.ID); err != nil {
		return err
	}
	return m.appendRecords(a.Task, AttemptRecords{Advisory: &a})
}

// Advisories implements AdvisoryLog.
func (m *MemoryStore) Advisories(ctx context.Context, task TaskKey) ([]Advisory, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s, ok := m.lookup(task)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.advisories), nil
}

// Tasks implements Store.
func (m *MemoryStore) Tasks(ctx context.Context) ([]TaskKey, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var keys []TaskKey
	m.shards.Range(func(k, _ any) bool {
		keys = append(keys, k.(TaskKey))
		return true
	})
	sortKeys(keys)
	return keys, nil
}

// Close marks the store closed. Subsequent calls fail.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

func sortKeys(keys []TaskKey) {
	slices.SortFunc(keys, func(a, b TaskKey) int {
		if c := strings.Compare(a.ProjectID, b.ProjectID); c != 0 {
			return c
		}
		return strings.Compare(a.TaskID, b.TaskID)
	})
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError(kind + " id is required").WithField("id")
	}
	return nil
}

func attemptNotFound(task TaskKey, index int) error {
	return errors.NewNotFoundError("loop attempt", task.String()+"#"+strconv.Itoa(index)).WithCause(errors.ErrAttemptNotFound)
}

func checkpointNotFound(id string) error {
	return errors.NewNotFoundError("checkpoint", id).WithCause(errors.ErrCheckpointNotFound)
}

var _ Store = (*MemoryStore)(nil)
