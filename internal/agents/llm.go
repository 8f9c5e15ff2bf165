// Package agents provides AgentStep implementations: an LLM-backed agent and
// a scripted agent for offline runs and tests.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// HandoffToolName is the tool an agent calls to transfer control.
const HandoffToolName = "handoff"

// HandoffTool declares the handoff tool limited to the given targets.
func HandoffTool(targets ...string) core.Tool {
	return core.Tool{
		Name:        HandoffToolName,
		Description: "Transfer the conversation to another agent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{
					"type":        "string",
					"enum":        targets,
					"description": "Agent that should continue.",
				},
			},
			"required": []string{"target"},
		},
	}
}

type handoffArgs struct {
	Target string `json:"target"`
}

// LLM invokes a langchaingo chat model.
type LLM struct {
	model       llms.Model
	temperature float64
	logger      *slog.Logger
}

// NewLLM wraps model.
func NewLLM(model llms.Model, temperature float64, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = logging.NewNop().Logger
	}
	return &LLM{model: model, temperature: temperature, logger: logger}
}

// Invoke implements core.AgentStep. A call to the handoff tool is returned
// in Handoff rather than ToolCalls.
func (a *LLM) Invoke(ctx context.Context, req core.AgentRequest) (core.AgentResponse, error) {
	opts := []llms.CallOption{llms.WithTemperature(a.temperature)}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(toLLMTools(req.Tools)))
	}

	resp, err := a.model.GenerateContent(ctx, toMessages(req), opts...)
	if err != nil {
		return core.AgentResponse{}, core.ErrExecution(core.CodeAgentFailed,
			fmt.Sprintf("%s agent: %v", req.Role, err)).WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return core.AgentResponse{}, core.ErrExecution(core.CodeAgentFailed, req.Role+" agent returned no choices")
	}

	choice := resp.Choices[0]
	out := core.AgentResponse{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		if tc.FunctionCall.Name == HandoffToolName {
			var args handoffArgs
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil || args.Target == "" {
				a.logger.Warn("ignoring malformed handoff", "role", req.Role, "arguments", tc.FunctionCall.Arguments)
				continue
			}
			out.Handoff = args.Target
			continue
		}
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	a.logger.Debug("agent responded", "role", req.Role, "tool_calls", len(out.ToolCalls), "handoff", out.Handoff)
	return out, nil
}

func toLLMTools(tools []core.Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// toMessages flattens the history. Tool output is passed back as human text
// because history entries do not carry provider tool call ids.
func toMessages(req core.AgentRequest) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(req.History)+1)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case core.RoleAssistant:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Text))
		case core.RoleTool:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman,
				fmt.Sprintf("<tool_result name=%q>\n%s\n</tool_result>", m.Node, m.Text)))
		case core.RoleSystem:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, "[system] "+m.Text))
		default:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Text))
		}
	}
	return mergeAdjacent(msgs)
}

// mergeAdjacent joins consecutive messages of the same role; some providers
// reject two human turns in a row.
func mergeAdjacent(msgs []llms.MessageContent) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role != llms.ChatMessageTypeSystem {
			out[n-1] = llms.TextParts(m.Role, textOf(out[n-1])+"\n\n"+textOf(m))
			continue
		}
		out = append(out, m)
	}
	return out
}

func textOf(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
