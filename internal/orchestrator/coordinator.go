package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/loopguard/internal/approval"
	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/delusion"
	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/budget"
	"github.com/Iron-Ham/loopguard/internal/orchestrator/retry"
	"github.com/Iron-Ham/loopguard/internal/tasklock"
	"github.com/Iron-Ham/loopguard/internal/tracing"
	"github.com/Iron-Ham/loopguard/internal/triage"
)

const tracerName = "github.com/Iron-Ham/loopguard/internal/orchestrator"

// Deps are the components the coordinator drives. Store, Budget, Guard,
// Gate and Classifier are required.
type Deps struct {
	Store      ledger.Store
	Budget     *budget.Manager
	Guard      *delusion.Guard
	Gate       *approval.Gate
	Classifier *triage.Classifier
	Retry      *retry.Manager     // optional; a fresh manager is created
	Locks      *tasklock.Registry // optional; a fresh registry is created
	Bus        *event.Bus         // optional
}

// Overrides replace the coordinator's defaults for a single call. The
// defaults themselves are never modified.
type Overrides struct {
	Limits *budget.Limits   `json:"limits,omitempty"`
	Guard  *delusion.Config `json:"guard,omitempty"`
}

// Coordinator runs the loop state machine for every task.
type Coordinator struct {
	store      ledger.Store
	budget     *budget.Manager
	guard      *delusion.Guard
	gate       *approval.Gate
	classifier *triage.Classifier
	retry      *retry.Manager
	locks      *tasklock.Registry
	bus        *event.Bus

	states *stateTable
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger.WithComponent("coordinator")
		}
	}
}

// WithClock overrides time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides delegation edge id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithTracer sets the tracer used for operation spans. The default is the
// global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New creates a coordinator over deps.
func New(deps Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("coordinator: store is required")
	case deps.Budget == nil:
		return nil, fmt.Errorf("coordinator: budget manager is required")
	case deps.Guard == nil:
		return nil, fmt.Errorf("coordinator: delusion guard is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("coordinator: checkpoint gate is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("coordinator: failure classifier is required")
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewManager()
	}
	if deps.Locks == nil {
		deps.Locks = tasklock.NewRegistry()
	}

	c := &Coordinator{
		store:      deps.Store,
		budget:     deps.Budget,
		guard:      deps.Guard,
		gate:       deps.Gate,
		classifier: deps.Classifier,
		retry:      deps.Retry,
		locks:      deps.Locks,
		bus:        deps.Bus,
		states:     newStateTable(),
		logger:     logging.NopLogger(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConfig builds every component from the application config and
// wires them to store and bus.
func NewFromConfig(cfg *config.Config, store ledger.Store, bus *event.Bus, logger *logging.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	callbacks := budget.Callbacks{
		OnLoopDenied: func(task ledger.TaskKey, current, limit int) {
			if bus != nil {
				bus.Publish(event.NewAdmissionDeniedEvent(task.ProjectID, task.TaskID, errors.ReasonCapExceeded, current, limit))
			}
		},
		OnDelegationDenied: func(task ledger.TaskKey, depth, limit int) {
			if bus != nil {
				bus.Publish(event.NewAdmissionDeniedEvent(task.ProjectID, task.TaskID, errors.ReasonDepthExceeded, depth, limit))
			}
		},
	}
	caps := budget.NewManagerFromConfig(cfg, store, callbacks, logger)

	guard, err := delusion.NewGuard(store, cfg.Delusion.Guard(), cfg.Delusion.CacheSize, delusion.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create delusion guard: %w", err)
	}
	classifier, err := triage.New(cfg.Triage.Classifier(), triage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create failure classifier: %w", err)
	}
	gate := approval.NewGate(store, bus, approval.Policy{SoftManualReview: cfg.Checkpoints.SoftManualReview}, approval.WithLogger(logger))

	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(Deps{
		Store:      store,
		Budget:     caps,
		Guard:      guard,
		Gate:       gate,
		Classifier: classifier,
		Bus:        bus,
	}, opts...)
}

// ApplyConfig swaps the default caps, guard, triage and checkpoint policy.
// Calls already running keep the values they started with. Nothing is
// changed if any section is invalid.
func (c *Coordinator) ApplyConfig(cfg *config.Config) error {
	limits := budget.LimitsFromConfig(cfg.Caps)
	if err := limits.Validate(); err != nil {
		return err
	}
	guardCfg := cfg.Delusion.Guard()
	if err := guardCfg.Validate(); err != nil {
		return err
	}
	if err := c.classifier.Update(cfg.Triage.Classifier()); err != nil {
		return err
	}
	if err := c.guard.UpdateConfig(guardCfg); err != nil {
		return err
	}
	c.budget.UpdateLimits(limits)
	c.gate.SetPolicy(approval.Policy{SoftManualReview: cfg.Checkpoints.SoftManualReview})

	c.logger.Info("configuration applied",
		"max_loops_per_task", limits.MaxLoopsPerTask,
		"max_delegation_depth", limits.MaxDelegationDepth,
		"block_execution", guardCfg.BlockExecution,
		"similarity_threshold", guardCfg.SimilarityThreshold,
	)
	return nil
}

// Defaults returns the coordinator's current default limits and guard
// configuration.
func (c *Coordinator) Defaults() (budget.Limits, delusion.Config) {
	return c.budget.Limits(), c.guard.Config()
}

// Store returns the ledger.
func (c *Coordinator) Store() ledger.Store {
	return c.store
}

func (c *Coordinator) resolve(o Overrides) (budget.Limits, delusion.Config, error) {
	limits := c.budget.Limits()
	if o.Limits != nil {
		if err := o.Limits.Validate(); err != nil {
			return limits, delusion.Config{}, err
		}
		limits = *o.Limits
	}
	guardCfg := c.guard.Config()
	if o.Guard != nil {
		if err := o.Guard.Validate(); err != nil {
			return limits, guardCfg, err
		}
		guardCfg = *o.Guard
	}
	return limits, guardCfg, nil
}

func (c *Coordinator) lock(ctx context.Context, task ledger.TaskKey, op string) (func(), error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	unlock, err := c.locks.Lock(ctx, task, op)
	if err != nil {
		return nil, err
	}
	if err := c.hydrate(ctx, task); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, task ledger.TaskKey, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(tracing.TaskAttrs(task.ProjectID, task.TaskID), attrs...)
	return c.tracer.Start(ctx, "loopguard."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span (if any) and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Coordinator) taskLogger(task ledger.TaskKey) *logging.Logger {
	return c.logger.WithProject(task.ProjectID).WithTask(task.TaskID)
}
