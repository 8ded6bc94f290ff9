// Package plan defines the structured plan a planner proposes for a loop
// attempt and the fingerprint engine used to compare plans structurally.
package plan

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/util"
)

// maxSummaryLen bounds Summary output, in runes, stored on rejection records.
const maxSummaryLen = 240

// Step is one unit of delegated work.
type Step struct {
	Agent string `json:"agent" yaml:"agent"`
	Goal  string `json:"goal" yaml:"goal"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// New builds a plan from alternating agent/goal pairs. It panics on an odd
// number of arguments and is meant for tests and fixtures.
func New(agentGoal ...string) Plan {
	if len(agentGoal)%2 != 0 {
		panic("plan.New: odd number of arguments")
	}
	p := Plan{Steps: make([]Step, 0, len(agentGoal)/2)}
	for i := 0; i < len(agentGoal); i += 2 {
		p.Steps = append(p.Steps, Step{Agent: agentGoal[i], Goal: agentGoal[i+1]})
	}
	return p
}

// Validate returns ErrInvalidPlan if the plan has no steps or a step is
// missing its agent.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", errors.ErrInvalidPlan)
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Agent) == "" {
			return fmt.Errorf("%w: step %d has no agent", errors.ErrInvalidPlan, i)
		}
	}
	return nil
}

// FirstAgent returns the agent of the first step, or "".
func (p Plan) FirstAgent() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[0].Agent
}

// Agents returns the distinct agents in step order.
func (p Plan) Agents() []string {
	seen := make(map[string]bool, len(p.Steps))
	var agents []string
	for _, s := range p.Steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			agents = append(agents, s.Agent)
		}
	}
	return agents
}

// Summary renders the plan as "agent: goal; agent: goal", truncated for
// storage on ledger records.
func (p Plan) Summary() string {
	parts := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		parts = append(parts, fmt.Sprintf("%s: %s", s.Agent, strings.TrimSpace(s.Goal)))
	}
	return util.TruncateString(strings.Join(parts, "; "), maxSummaryLen)
}
