// Package delusion implements the delusion guard: it compares a freshly
// proposed plan against the plans already rejected for the same task and
// warns or blocks when the new plan is a near-repeat of a known failure.
package delusion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// DefaultCacheSize is the number of plan fingerprints kept in memory.
const DefaultCacheSize = 1024

// Config controls the guard. Start from DefaultConfig.
type Config struct {
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	BlockExecution      bool    `mapstructure:"block_execution" yaml:"block_execution"`
	// Window limits comparison to the most recent N rejections; 0 means all.
	Window    int     `mapstructure:"window" yaml:"window"`
	Pivot     float64 `mapstructure:"pivot" yaml:"pivot"`
	Steepness float64 `mapstructure:"steepness" yaml:"steepness"`
}

// DefaultConfig returns the guard defaults: enabled, threshold 0.85, warn
// only, every rejection compared, default similarity curve.
func DefaultConfig() Config {
	curve := plan.DefaultCurve()
	return Config{
		Enabled:             true,
		SimilarityThreshold: 0.85,
		BlockExecution:      false,
		Window:              0,
		Pivot:               curve.Pivot,
		Steepness:           curve.Steepness,
	}
}

// Curve returns the similarity curve described by the config.
func (c Config) Curve() plan.Curve {
	return plan.Curve{Pivot: c.Pivot, Steepness: c.Steepness}
}

// Validate checks threshold, window and curve ranges.
func (c Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return errors.NewValidationError("similarity_threshold must be between 0 and 1").
			WithField("similarity_threshold").WithValue(c.SimilarityThreshold)
	}
	if c.Window < 0 {
		return errors.NewValidationError("window must not be negative").WithField("window").WithValue(c.Window)
	}
	if err := c.Curve().Validate(); err != nil {
		return errors.NewValidationError(err.Error()).WithField("curve")
	}
	return nil
}

// Store is the part of the ledger the guard reads.
type Store interface {
	Rejections(ctx context.Context, task ledger.TaskKey) ([]ledger.RejectedPlan, error)
}

// Result is the guard's decision for one plan.
type Result struct {
	Status      ledger.Verdict
	Score       float64
	Nearest     *ledger.RejectedPlan
	Fingerprint plan.Digest
	// Compared is the number of rejected plans the candidate was scored against.
	Compared int
	// Skipped is set when the guard is disabled.
	Skipped bool
	// Advisory is built on a warn or block verdict. The caller records it
	// together with the attempt it belongs to.
	Advisory *ledger.Advisory
}

// Proceed reports whether the coordinator may execute the plan.
func (r Result) Proceed() bool {
	return r.Status != ledger.VerdictBlock
}

// Guard checks plans against a task's rejected plans.
type Guard struct {
	store  Store
	cache  *lru.Cache[string, plan.Digest]
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	mu  sync.RWMutex
	cfg Config
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger.WithComponent("delusion")
		}
	}
}

// WithClock overrides time.Now for advisory timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithIDGenerator overrides advisory id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) { g.newID = fn }
}

// NewGuard creates a guard over store. cacheSize bounds the fingerprint
// cache; values <= 0 use DefaultCacheSize.
func NewGuard(store Store, cfg Config, cacheSize int, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, plan.Digest](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}

	g := &Guard{
		store:  store,
		cache:  cache,
		logger: logging.NopLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the guard's current default configuration.
func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateConfig replaces the default configuration. Checks already running
// keep the configuration they started with.
func (g *Guard) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}

// Fingerprint returns the plan's digest, memoized by the plan's text.
func (g *Guard) Fingerprint(p plan.Plan) plan.Digest {
	key := cacheKey(p)
	if d, ok := g.cache.Get(key); ok {
		return d
	}
	d := plan.Fingerprint(p)
	g.cache.Add(key, d)
	return d
}

func cacheKey(p plan.Plan) string {
	var b strings.Builder
	for _, s := range p.Steps {
		b.WriteString(s.Agent)
		b.WriteByte(0x1f)
		b.WriteString(s.Goal)
		b.WriteByte(0x1e)
	}
	return b.String()
}

// Check runs the guard with its default configuration.
func (g *Guard) Check(ctx context.Context, task ledger.TaskKey, loopIndex int, p plan.Plan) (Result, error) {
	return g.CheckWith(ctx, g.Config(), task, loopIndex, p)
}

// CheckWith runs the guard with cfg instead of the default configuration.
// On a warn or block verdict the result carries an advisory that references
// the nearest rejected plan. The guard writes nothing to the ledger.
func (g *Guard) CheckWith(ctx context.Context, cfg Config, task ledger.TaskKey, loopIndex int, p plan.Plan) (Result, error) {
	fp := g.Fingerprint(p)
	if !cfg.Enabled {
		return Result{Status: ledger.VerdictPass, Fingerprint: fp, Skipped: true}, nil
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	rejections, err := g.store.Rejections(ctx, task)
	if err != nil {
		return Result{}, errors.Wrapf(err, "load rejected plans for %s", task)
	}
	res := Evaluate(cfg, fp, rejections)

	logger := g.logger.WithProject(task.ProjectID).WithTask(task.TaskID).WithLoop(loopIndex)
	if res.Status == ledger.VerdictPass {
		logger.Debug("plan passed delusion guard", "score", res.Score, "compared", res.Compared)
		return res, nil
	}

	adv := ledger.Advisory{
		ID:                 g.newID(),
		Task:               task,
		LoopIndex:          loopIndex,
		Verdict:            res.Status,
		Score:              res.Score,
		NearestLoopIndex:   res.Nearest.LoopIndex,
		NearestFingerprint: res.Nearest.Fingerprint,
		NearestReason:      res.Nearest.Reason,
		CreatedAt:          g.now(),
	}
	res.Advisory = &adv

	logger.Warn("plan resembles a rejected plan",
		"verdict", string(res.Status),
		"score", res.Score,
		"threshold", cfg.SimilarityThreshold,
		"nearest_loop_index", res.Nearest.LoopIndex,
		"nearest_reason", res.Nearest.Reason,
	)
	return res, nil
}

// Evaluate scores fp against rejections (oldest first) and applies cfg's
// threshold. The highest score wins; ties go to the most recent rejection.
// A score equal to the threshold trips it.
func Evaluate(cfg Config, fp plan.Digest, rejections []ledger.RejectedPlan) Result {
	if cfg.Window > 0 && len(rejections) > cfg.Window {
		rejections = rejections[len(rejections)-cfg.Window:]
	}

	res := Result{Status: ledger.VerdictPass, Fingerprint: fp, Compared: len(rejections)}
	curve := cfg.Curve()
	best := -1
	for i := range rejections {
		score := curve.Similarity(fp, rejections[i].Fingerprint)
		if best < 0 || score >= res.Score {
			best = i
			res.Score = score
		}
	}
	if best < 0 {
		return res
	}

	nearest := rejections[best]
	res.Nearest = &nearest
	if res.Score >= cfg.SimilarityThreshold {
		res.Status = ledger.VerdictWarn
		if cfg.BlockExecution {
			res.Status = ledger.VerdictBlock
		}
	}
	return res
}
