package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// supervisor executes the approved plan through tool calls.
type supervisor struct {
	agent         core.AgentStep
	tools         map[string]Tool
	specs         []core.Tool
	publisher     events.Publisher
	maxIterations int
	logger        *slog.Logger
}

func newSupervisor(d Deps, tools []Tool) *supervisor {
	s := &supervisor{
		agent:         d.Agent,
		tools:         make(map[string]Tool, len(tools)),
		publisher:     d.Publisher,
		maxIterations: d.MaxToolIterations,
		logger:        d.Logger,
	}
	for _, t := range tools {
		spec := t.Spec()
		s.tools[spec.Name] = t
		s.specs = append(s.specs, spec)
	}
	return s
}

func (n *supervisor) Name() string { return agents.RoleSupervisor }

// Run loops agent -> tools until the agent answers without tool calls or the
// iteration bound is reached. Tool failures are fatal to the step.
func (n *supervisor) Run(ctx context.Context, state *core.SharedState) (graph.Result, error) {
	id := state.RequestID
	logger := n.logger.With(logging.KeyRequest, string(id), logging.KeyNode, n.Name())
	calls := 0

	for i := 0; i < n.maxIterations; i++ {
		resp, err := invoke(ctx, n.agent, agents.RoleSupervisor, state.History, n.specs)
		if err != nil {
			return graph.Result{}, err
		}
		if len(resp.ToolCalls) == 0 {
			return graph.Result{
				Output:  resp.Text,
				Role:    core.RoleAssistant,
				Summary: fmt.Sprintf("done after %d tool calls", calls),
			}, nil
		}
		if resp.Text != "" {
			state.Append(core.RoleAssistant, n.Name(), resp.Text)
		}

		for _, call := range resp.ToolCalls {
			calls++
			tool, ok := n.tools[call.Name]
			if !ok {
				msg := core.ErrValidation(core.CodeUnknownTool, "unknown tool "+call.Name).Error()
				n.publisher.Publish(id, events.NewToolResultEvent(id, n.Name(), call.Name, msg, true))
				state.Append(core.RoleTool, call.Name, msg)
				continue
			}

			n.publisher.Publish(id, events.NewToolCalledEvent(id, n.Name(), call.Name))
			logger.Info("tool called", "tool", call.Name)
			out, err := tool.Call(ctx, state, call)
			if err != nil {
				n.publisher.Publish(id, events.NewToolResultEvent(id, n.Name(), call.Name, err.Error(), true))
				return graph.Result{}, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			n.publisher.Publish(id, events.NewToolResultEvent(id, n.Name(), call.Name, out, false))
			state.Append(core.RoleTool, call.Name, out)
		}
	}

	logger.Warn("tool iteration limit reached", "limit", n.maxIterations)
	return graph.Result{
		Output:  fmt.Sprintf("Stopped after %d tool iterations.", n.maxIterations),
		Role:    core.RoleSystem,
		Summary: "tool iteration limit reached",
	}, nil
}
