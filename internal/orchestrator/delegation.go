package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/tracing"
)

// DeriveDepth asks the coordinator to compute a delegation's depth from
// the edge that handed work to the delegating agent.
const DeriveDepth = -1

// DelegationRequest reports a hand-off of work between agents.
type DelegationRequest struct {
	Task ledger.TaskKey
	From string
	To   string
	// ProposedDepth is the caller's view of the new edge's depth, or
	// DeriveDepth. A proposal below the derived depth is raised to it.
	ProposedDepth int
	Overrides     Overrides
}

// DelegationStatus is the outcome of a delegation report.
type DelegationStatus string

// Delegation outcomes.
const (
	DelegationAllowed DelegationStatus = "allowed"
	DelegationDenied  DelegationStatus = "denied"
)

// DelegationResult reports whether an edge was recorded.
type DelegationResult struct {
	Status DelegationStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
	Depth  int              `json:"depth"`
	Limit  int              `json:"limit"`
	// Edge is the recorded edge when allowed.
	Edge *ledger.DelegationEdge `json:"edge,omitempty"`
}

// Err returns a denial as an AdmissionError.
func (r DelegationResult) Err() error {
	if r.Status != DelegationDenied {
		return nil
	}
	return errors.NewAdmissionError(r.Reason, r.Depth, r.Limit)
}

// ReportDelegation admits a hand-off against the depth ceiling and, if
// allowed, records the delegation edge. A denied hand-off leaves no edge.
func (c *Coordinator) ReportDelegation(ctx context.Context, req DelegationRequest) (res DelegationResult, err error) {
	task := req.Task
	ctx, span := c.startSpan(ctx, "delegate", task,
		attribute.String("loopguard.from_agent", req.From),
		attribute.String("loopguard.to_agent", req.To),
	)
	defer func() {
		span.SetAttributes(
			attribute.String(tracing.AttrStatus, string(res.Status)),
			attribute.Int("loopguard.depth", res.Depth),
		)
		endSpan(span, err)
	}()

	from, to := strings.TrimSpace(req.From), strings.TrimSpace(req.To)
	switch {
	case from == "":
		return DelegationResult{}, errors.NewValidationError("from_agent is required").WithField("from_agent")
	case to == "":
		return DelegationResult{}, errors.NewValidationError("to_agent is required").WithField("to_agent")
	case from == to:
		return DelegationResult{}, errors.NewValidationError("an agent cannot delegate to itself").WithField("to_agent").WithValue(to)
	}
	proposed := req.ProposedDepth
	if proposed < 0 {
		proposed = DeriveDepth
	}

	limits, _, err := c.resolve(req.Overrides)
	if err != nil {
		return DelegationResult{}, err
	}

	unlock, err := c.lock(ctx, task, "delegate")
	if err != nil {
		return DelegationResult{}, err
	}
	defer unlock()

	decision, err := c.budget.AdmitDelegationWith(ctx, limits, task, from, proposed)
	if err != nil {
		return DelegationResult{}, err
	}
	res = DelegationResult{Depth: decision.Current, Limit: decision.Limit}
	if !decision.Allowed {
		res.Status = DelegationDenied
		res.Reason = decision.Reason
		return res, nil
	}

	edge := ledger.DelegationEdge{
		ID:        c.newID(),
		Task:      task,
		From:      from,
		To:        to,
		Depth:     decision.Current,
		CreatedAt: c.now(),
	}
	if decision.Parent != nil {
		edge.ParentID = decision.Parent.ID
	}
	if err := c.store.AppendEdge(ctx, edge, limits.MaxDelegationDepth); err != nil {
		return DelegationResult{}, err
	}
	c.publish(event.NewDelegationEvent(task.ProjectID, task.TaskID, edge.ID, from, to, edge.Depth))
	c.taskLogger(task).Info("delegation recorded",
		"edge_id", edge.ID,
		"from_agent", from,
		"to_agent", to,
		"depth", edge.Depth,
	)

	res.Status = DelegationAllowed
	res.Edge = &edge
	return res, nil
}
