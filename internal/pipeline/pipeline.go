// Package pipeline assembles the analysis workflow graph:
//
//	coordinator -> planner -> plan_reviewer -> supervisor
//	                  ^              |
//	                  +--- revise ---+
//
// The coordinator may answer directly and end the run. The supervisor drives
// the tool steps (coder, validator, reporter, tracker) until the plan is done.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// DefaultMaxToolIterations bounds the supervisor's tool loop.
const DefaultMaxToolIterations = 8

// Sessions is the remote execution surface used by the code tools.
type Sessions interface {
	Acquire(ctx context.Context, id core.RequestID) (*core.ExecutionSession, error)
	Execute(ctx context.Context, s *core.ExecutionSession, cmd core.Command) (core.ExecutionResult, error)
	Release(ctx context.Context, id core.RequestID) error
}

// RetryFunc runs fn, retrying retryable failures.
type RetryFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Deps are the collaborators of the workflow nodes.
type Deps struct {
	Agent             core.AgentStep
	Sessions          Sessions
	Gate              graph.Node
	Publisher         events.Publisher
	Retry             RetryFunc
	MaxToolIterations int
	Logger            *slog.Logger
}

func (d *Deps) defaults() error {
	if d.Agent == nil {
		return errors.New("pipeline: agent is required")
	}
	if d.Sessions == nil {
		return errors.New("pipeline: sessions are required")
	}
	if d.Gate == nil {
		return errors.New("pipeline: approval gate is required")
	}
	if d.Publisher == nil {
		return errors.New("pipeline: publisher is required")
	}
	if d.Retry == nil {
		d.Retry = func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	}
	if d.MaxToolIterations <= 0 {
		d.MaxToolIterations = DefaultMaxToolIterations
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop().Logger
	}
	return nil
}

// Build returns the workflow graph.
func Build(d Deps) (*graph.Graph, error) {
	if err := d.defaults(); err != nil {
		return nil, err
	}

	tools := []Tool{
		newCodeTool(agents.RoleCoder, "Write and run analysis code for one plan step.", "", d),
		newCodeTool(agents.RoleValidator, "Re-check computed results.", "", d),
		newCodeTool(agents.RoleReporter, "Render the final report.", ArtifactReport, d),
		trackerTool{},
	}

	gateName := d.Gate.Name()
	return graph.NewBuilder().
		AddNode(&coordinator{agent: d.Agent}).
		AddNode(&planner{agent: d.Agent}).
		AddNode(d.Gate).
		AddNode(newSupervisor(d, tools)).
		AddConditionalEdge(agents.RoleCoordinator, agents.RolePlanner, "handoff", graph.HandoffTo(agents.RolePlanner)).
		AddEdge(agents.RoleCoordinator, graph.End).
		AddEdge(agents.RolePlanner, gateName).
		AddConditionalEdge(gateName, agents.RolePlanner, "revise", needsRevision).
		AddConditionalEdge(gateName, agents.RoleSupervisor, "approved", graph.Always).
		SetStart(agents.RoleCoordinator).
		SetTerminal(agents.RoleSupervisor).
		Build()
}

func needsRevision(s *core.SharedState) bool {
	return s.Approval == core.ApprovalRevise
}

var _ graph.Node = (*approval.Gate)(nil)
