package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
)

// ArtifactPlan holds the most recent plan.
const ArtifactPlan = "plan"

func invoke(ctx context.Context, agent core.AgentStep, role string, history []core.Message, tools []core.Tool) (core.AgentResponse, error) {
	system, err := SystemPrompt(role)
	if err != nil {
		return core.AgentResponse{}, err
	}
	return agent.Invoke(ctx, core.AgentRequest{
		Role:    role,
		System:  system,
		History: history,
		Tools:   tools,
	})
}

type coordinator struct {
	agent core.AgentStep
}

func (n *coordinator) Name() string { return agents.RoleCoordinator }

func (n *coordinator) Run(ctx context.Context, state *core.SharedState) (graph.Result, error) {
	resp, err := invoke(ctx, n.agent, agents.RoleCoordinator, state.History,
		[]core.Tool{agents.HandoffTool(agents.RolePlanner)})
	if err != nil {
		return graph.Result{}, err
	}
	summary := "answered directly"
	if resp.Handoff != "" {
		summary = "handoff to " + resp.Handoff
	}
	return graph.Result{Output: resp.Text, Role: core.RoleAssistant, Summary: summary, Handoff: resp.Handoff}, nil
}

type planner struct {
	agent core.AgentStep
}

func (n *planner) Name() string { return agents.RolePlanner }

// Run drafts the plan. Pending reviewer notes are passed to the agent as a
// <user_feedback> block and consumed.
func (n *planner) Run(ctx context.Context, state *core.SharedState) (graph.Result, error) {
	history := state.History
	if state.Feedback != "" {
		history = append(append([]core.Message(nil), history...), core.Message{
			Role: core.RoleUser,
			Text: feedbackBlock(state.Feedback),
		})
	}

	resp, err := invoke(ctx, n.agent, agents.RolePlanner, history, nil)
	if err != nil {
		return graph.Result{}, err
	}
	plan := strings.TrimSpace(resp.Text)
	if plan == "" {
		return graph.Result{}, core.ErrExecution(core.CodeAgentFailed, "planner returned an empty plan")
	}
	state.Plan = plan
	state.Feedback = ""
	state.SetArtifact(ArtifactPlan, plan)
	return graph.Result{
		Output:  plan,
		Role:    core.RoleAssistant,
		Summary: fmt.Sprintf("plan revision %d", state.Revision),
	}, nil
}

func feedbackBlock(notes string) string {
	return "<user_feedback>\n" + strings.TrimSpace(notes) + "\n</user_feedback>"
}
