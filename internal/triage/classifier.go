package triage

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
)

// MaxEvidenceLen bounds the evidence text kept on a report.
const MaxEvidenceLen = 2000

// Config controls classification and routing.
type Config struct {
	// AutoReroute sends the retry to the routed agent. When false the
	// failed agent is asked to retry.
	AutoReroute bool `mapstructure:"auto_reroute" yaml:"auto_reroute"`
	// Routes overrides the default failure type to agent table.
	Routes map[string]string `mapstructure:"routes" yaml:"routes,omitempty"`
	// Agents is the roster of agents a retry may go to. Entries are glob
	// patterns. Empty means every agent is viable.
	Agents []string `mapstructure:"agents" yaml:"agents,omitempty"`
	// Rules are evaluated before the built-in table.
	Rules []Rule `mapstructure:"rules" yaml:"rules,omitempty"`
	// RulesFile is an optional YAML file of extra rules, evaluated after
	// Rules and before the built-in table.
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file,omitempty"`
}

// DefaultConfig returns auto-reroute on, default routes, open roster.
func DefaultConfig() Config {
	return Config{AutoReroute: true}
}

// Validate checks route keys, roster patterns and extra rules.
func (c Config) Validate() error {
	for k, agent := range c.Routes {
		if _, ok := ParseType(k); !ok {
			return errors.NewValidationError("unknown failure type in routes").WithField("routes").WithValue(k)
		}
		if strings.TrimSpace(agent) == "" {
			return errors.NewValidationError("route agent must not be empty").WithField("routes." + k)
		}
	}
	for _, p := range c.Agents {
		if _, err := glob.Compile(p); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid agent pattern: %v", err)).WithField("agents").WithValue(p)
		}
	}
	for _, r := range c.Rules {
		if err := r.normalized().Validate(); err != nil {
			return errors.NewValidationError(err.Error()).WithField("rules")
		}
	}
	return nil
}

// Classifier maps failure signals to reports. It never fails: evidence no
// rule recognises is classified as unknown.
type Classifier struct {
	logger *logging.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cfg    Config
	rules  []Rule
	routes map[FailureType]string
	roster []glob.Glob
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the classifier's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger.WithComponent("triage")
		}
	}
}

// WithClock overrides time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New creates a classifier from cfg.
func New(cfg Config, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Update(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Update swaps the classifier's configuration. On error the previous
// configuration stays in effect.
func (c *Classifier) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var rules []Rule
	for _, r := range cfg.Rules {
		rules = append(rules, r.normalized())
	}
	if cfg.RulesFile != "" {
		extra, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		rules = append(rules, extra...)
	}
	for _, r := range DefaultRules() {
		rules = append(rules, r.normalized())
	}
	rules = append(rules, fallbackRule)

	routes := DefaultRoutes()
	for k, agent := range cfg.Routes {
		t, _ := ParseType(k)
		routes[t] = strings.TrimSpace(agent)
	}

	roster := make([]glob.Glob, 0, len(cfg.Agents))
	for _, p := range cfg.Agents {
		roster = append(roster, glob.MustCompile(p))
	}

	c.mu.Lock()
	c.cfg = cfg
	c.rules = rules
	c.routes = routes
	c.roster = roster
	c.mu.Unlock()
	return nil
}

// Config returns the active configuration.
func (c *Classifier) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Rules returns the rules in evaluation order, fallback included.
func (c *Classifier) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Match returns the first rule that matches signal.
func (c *Classifier) Match(signal string) Rule {
	evidence := strings.ToLower(signal)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Matches(evidence) {
			return r
		}
	}
	return fallbackRule
}

// Route returns the agent role the routing table assigns to t.
func (c *Classifier) Route(t FailureType) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if agent, ok := c.routes[t]; ok {
		return agent
	}
	return c.routes[Unknown]
}

// Viable reports whether agent may take a retry.
func (c *Classifier) Viable(agent string) bool {
	if strings.TrimSpace(agent) == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.roster) == 0 {
		return true
	}
	for _, g := range c.roster {
		if g.Match(agent) {
			return true
		}
	}
	return false
}

// Classify builds the failure report for an abnormal halt. failedAgent is
// the agent whose step failed; it is the suggested agent when auto-reroute
// is off.
func (c *Classifier) Classify(task ledger.TaskKey, loopIndex int, signal, failedAgent string) ledger.FailureReport {
	rule := c.Match(signal)
	suggested := c.Route(rule.Type)
	if !c.Config().AutoReroute && strings.TrimSpace(failedAgent) != "" {
		suggested = failedAgent
	}

	report := ledger.FailureReport{
		Task:           task,
		LoopIndex:      loopIndex,
		Type:           string(rule.Type),
		RuleID:         rule.ID,
		Evidence:       truncateEvidence(strings.TrimSpace(signal)),
		SuggestedAgent: suggested,
		PatchPlan:      Template(rule.Type),
		CreatedAt:      c.now().UTC(),
	}

	c.logger.WithProject(task.ProjectID).WithTask(task.TaskID).WithLoop(loopIndex).Info("failure classified",
		"failure_type", report.Type,
		"rule_id", report.RuleID,
		"suggested_agent", report.SuggestedAgent,
	)
	return report
}

func truncateEvidence(s string) string {
	if len(s) <= MaxEvidenceLen {
		return s
	}
	cut := MaxEvidenceLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
