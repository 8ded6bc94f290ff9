package triage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps evidence patterns to a failure type. A rule matches when the
// lowercased evidence contains any of its patterns. A rule with no
// patterns matches everything.
type Rule struct {
	ID       string      `yaml:"id" mapstructure:"id"`
	Type     FailureType `yaml:"type" mapstructure:"type"`
	Patterns []string    `yaml:"patterns" mapstructure:"patterns"`
}

// Matches reports whether evidence (already lowercased) triggers the rule.
func (r Rule) Matches(evidence string) bool {
	if len(r.Patterns) == 0 {
		return true
	}
	for _, p := range r.Patterns {
		if p != "" && strings.Contains(evidence, p) {
			return true
		}
	}
	return false
}

// Validate checks the rule's id, type and patterns.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("rule %s: unknown failure type %q", r.ID, r.Type)
	}
	if len(r.Patterns) == 0 && r.Type != Unknown {
		return fmt.Errorf("rule %s: patterns are required", r.ID)
	}
	return nil
}

// normalized returns a copy with lowercased, trimmed patterns and a
// canonical type name.
func (r Rule) normalized() Rule {
	out := Rule{ID: strings.TrimSpace(r.ID), Type: r.Type}
	if t, ok := ParseType(string(r.Type)); ok {
		out.Type = t
	}
	for _, p := range r.Patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out.Patterns = append(out.Patterns, p)
		}
	}
	return out
}

// fallbackRule always matches.
var fallbackRule = Rule{ID: "unknown", Type: Unknown}

// DefaultRules returns the built-in rule table in evaluation order. The
// unknown fallback is not part of the table; the classifier appends it.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:   "missing-capability",
			Type: MissingCapability,
			Patterns: []string{
				"unknown tool", "no such tool", "tool not found", "missing capability",
				"not implemented", "unsupported", "not supported", "no handler",
				"cannot perform",
			},
		},
		{
			ID:   "timeout",
			Type: Timeout,
			Patterns: []string{
				"timeout", "timed out", "deadline exceeded", "took too long",
			},
		},
		{
			ID:   "malformed-output",
			Type: MalformedOutput,
			Patterns: []string{
				"invalid json", "unexpected end of json", "cannot unmarshal", "failed to parse",
				"parse error", "malformed", "syntax error", "unexpected token", "schema validation",
			},
		},
		{
			ID:   "external-dependency",
			Type: ExternalDependency,
			Patterns: []string{
				"connection refused", "connection reset", "no such host", "service unavailable",
				"bad gateway", "rate limit", "too many requests", "tls handshake",
				"network is unreachable", "upstream", "status 502", "status 503",
			},
		},
	}
}

// ruleFile is the on-disk format for extra rules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads extra rules from a YAML file of the form
//
//	rules:
//	  - id: quota
//	    type: external_dependency_error
//	    patterns: ["quota exceeded"]
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		r = r.normalized()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rules file: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
