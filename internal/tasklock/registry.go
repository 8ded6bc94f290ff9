package tasklock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/loopguard/internal/ledger"
)

// ErrLocked is returned by TryLock when the task is held by another caller.
var ErrLocked = errors.New("task is locked")

// Holder describes the current owner of a task lock.
type Holder struct {
	Task     ledger.TaskKey
	Owner    string    // Operation that holds the lock
	LockedAt time.Time // When the lock was acquired
}

type entry struct {
	sem    chan struct{}
	refs   int // holders plus waiters
	holder Holder
}

// Registry hands out per-task locks.
type Registry struct {
	mu      sync.Mutex
	entries map[ledger.TaskKey]*entry
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now for Holder timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[ledger.TaskKey]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// acquireRef returns the task's entry with its reference count bumped.
func (r *Registry) acquireRef(task ledger.TaskKey) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[task]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[task] = e
	}
	e.refs++
	return e
}

func (r *Registry) releaseRef(task ledger.TaskKey, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, task)
	}
}

func (r *Registry) unlockFunc(task ledger.TaskKey, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.holder = Holder{}
			r.mu.Unlock()
			<-e.sem
			r.releaseRef(task, e)
		})
	}
}

func (r *Registry) setHolder(task ledger.TaskKey, e *entry, owner string) {
	r.mu.Lock()
	e.holder = Holder{Task: task, Owner: owner, LockedAt: r.now()}
	r.mu.Unlock()
}

// Lock blocks until the task's lock is acquired or ctx is done. The
// returned function releases the lock; calling it more than once is safe.
func (r *Registry) Lock(ctx context.Context, task ledger.TaskKey, owner string) (func(), error) {
	e := r.acquireRef(task)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.releaseRef(task, e)
		return nil, fmt.Errorf("lock task %s: %w", task, ctx.Err())
	}
	r.setHolder(task, e, owner)
	return r.unlockFunc(task, e), nil
}

// TryLock acquires the task's lock without waiting. It returns ErrLocked
// if another caller holds it.
func (r *Registry) TryLock(task ledger.TaskKey, owner string) (func(), error) {
	e := r.acquireRef(task)
	select {
	case e.sem <- struct{}{}:
	default:
		r.mu.Lock()
		held := e.holder.Owner
		r.mu.Unlock()
		r.releaseRef(task, e)
		return nil, fmt.Errorf("%w: %s holds %s", ErrLocked, held, task)
	}
	r.setHolder(task, e, owner)
	return r.unlockFunc(task, e), nil
}

// Holder returns the current holder of the task's lock.
func (r *Registry) Holder(task ledger.TaskKey) (Holder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[task]
	if !ok || e.holder.LockedAt.IsZero() {
		return Holder{}, false
	}
	return e.holder, true
}

// Held returns the holders of all locked tasks, ordered by task.
func (r *Registry) Held() []Holder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Holder
	for _, e := range r.entries {
		if !e.holder.LockedAt.IsZero() {
			out = append(out, e.holder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.String() < out[j].Task.String() })
	return out
}

// Len returns the number of tasks with a holder or waiter.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
