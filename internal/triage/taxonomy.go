// Package triage classifies abnormal loop halts and recommends recovery.
//
// Classification is a deterministic, ordered rule table: each rule maps
// evidence patterns to a failure type, the first matching rule wins, and
// the unknown type always matches last. Each failure type has a fixed
// recovery template (a remediation plan skeleton) and a routing entry
// naming the agent role that should take the retry.
package triage

import (
	"slices"
	"strings"
)

// FailureType is a taxonomy entry.
type FailureType string

// The failure taxonomy, in default rule order.
const (
	MissingCapability  FailureType = "missing_capability"
	Timeout            FailureType = "timeout"
	MalformedOutput    FailureType = "malformed_output"
	ExternalDependency FailureType = "external_dependency_error"
	Unknown            FailureType = "unknown"
)

var taxonomy = []FailureType{MissingCapability, Timeout, MalformedOutput, ExternalDependency, Unknown}

// Types returns every failure type in taxonomy order.
func Types() []FailureType {
	return slices.Clone(taxonomy)
}

// ParseType parses a failure type name. Hyphens and case are ignored.
func ParseType(s string) (FailureType, bool) {
	norm := FailureType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if norm == "external_dependency" {
		return ExternalDependency, true
	}
	if slices.Contains(taxonomy, norm) {
		return norm, true
	}
	return "", false
}

// Valid reports whether t is in the taxonomy.
func (t FailureType) Valid() bool {
	return slices.Contains(taxonomy, t)
}

// templates are the recovery plans for each failure type.
var templates = map[FailureType][]string{
	MissingCapability: {
		"Identify the capability the failing step needed",
		"Delegate that step to an agent that provides the capability",
		"Re-plan the remaining steps around the new agent",
	},
	Timeout: {
		"Split the slow step into smaller steps",
		"Retry the step with a longer deadline",
		"Open a checkpoint before the slow step if it keeps stalling",
	},
	MalformedOutput: {
		"Restate the expected output format in the step goal",
		"Validate the output before handing it to the next step",
		"Retry the step against the stricter format",
	},
	ExternalDependency: {
		"Check that the external dependency is reachable",
		"Retry with backoff once it recovers",
		"Fall back to an alternate or cached source",
	},
	Unknown: {
		"Inspect the failure evidence",
		"Re-plan with the evidence attached to the first step",
		"Escalate to an operator if the failure repeats",
	},
}

// Template returns the recovery plan for t. Unknown types get the unknown
// template.
func Template(t FailureType) []string {
	if steps, ok := templates[t]; ok {
		return slices.Clone(steps)
	}
	return slices.Clone(templates[Unknown])
}

// DefaultRoutes maps each failure type to the agent role that should take
// the retry.
func DefaultRoutes() map[FailureType]string {
	return map[FailureType]string{
		MissingCapability:  "toolsmith",
		Timeout:            "executor",
		MalformedOutput:    "validator",
		ExternalDependency: "integrator",
		Unknown:            "planner",
	}
}
