package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Artifact keys written by the tool steps.
const (
	ArtifactReport   = "report"
	ArtifactProgress = "progress"
)

// maxToolOutput bounds tool output kept in history.
const maxToolOutput = 8 << 10

// Tool is a capability the supervisor may call.
type Tool interface {
	Spec() core.Tool
	Call(ctx context.Context, state *core.SharedState, call core.ToolCall) (string, error)
}

type taskArgs struct {
	Task string `json:"task"`
}

func taskSpec(name, description string) core.Tool {
	return core.Tool{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{"type": "string", "description": "What to do."},
			},
			"required": []string{"task"},
		},
	}
}

func parseTask(call core.ToolCall) string {
	var args taskArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.Task == "" {
		return strings.TrimSpace(call.Arguments)
	}
	return args.Task
}

// codeTool asks its agent role for a program and runs it on the request's
// remote session.
type codeTool struct {
	role        string
	description string
	artifact    string
	agent       core.AgentStep
	sessions    Sessions
	retry       RetryFunc
}

func newCodeTool(role, description, artifact string, d Deps) *codeTool {
	return &codeTool{
		role:        role,
		description: description,
		artifact:    artifact,
		agent:       d.Agent,
		sessions:    d.Sessions,
		retry:       d.Retry,
	}
}

func (t *codeTool) Spec() core.Tool { return taskSpec(t.role, t.description) }

func (t *codeTool) Call(ctx context.Context, state *core.SharedState, call core.ToolCall) (string, error) {
	task := parseTask(call)
	history := append(append([]core.Message(nil), state.History...), core.Message{
		Role: core.RoleUser,
		Text: "Plan:\n" + state.Plan + "\n\nTask: " + task,
	})
	resp, err := invoke(ctx, t.agent, t.role, history, nil)
	if err != nil {
		return "", err
	}
	code := extractCode(resp.Text)
	if code == "" {
		return "", core.ErrExecution(core.CodeAgentFailed, t.role+" returned no code")
	}

	res, err := t.run(ctx, state.RequestID, core.Command{Code: code, Type: core.CommandPython})
	if err != nil {
		return "", err
	}
	out := truncate(res.Output, maxToolOutput)
	if t.artifact != "" && res.Succeeded() {
		state.SetArtifact(t.artifact, res.Output)
	}
	if !res.Succeeded() {
		return fmt.Sprintf("exit status %d (%s)\n%s", res.ExitStatus, res.Status, out), nil
	}
	return out, nil
}

// run executes cmd on the request's session. A session left unhealthy by a
// timed-out call is released so the next attempt provisions a fresh worker.
func (t *codeTool) run(ctx context.Context, id core.RequestID, cmd core.Command) (core.ExecutionResult, error) {
	var res core.ExecutionResult
	err := t.retry(ctx, func(ctx context.Context) error {
		s, err := t.sessions.Acquire(ctx, id)
		if core.HasCode(err, core.CodeSessionUnhealthy) {
			if rerr := t.sessions.Release(ctx, id); rerr != nil {
				return rerr
			}
			s, err = t.sessions.Acquire(ctx, id)
		}
		if err != nil {
			return err
		}
		r, err := t.sessions.Execute(ctx, s, cmd)
		if err != nil {
			if core.HasCode(err, core.CodeExecutionTimeout) {
				_ = t.sessions.Release(ctx, id)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// trackerTool records completed plan steps.
type trackerTool struct{}

func (trackerTool) Spec() core.Tool {
	return taskSpec(agents.RoleTracker, "Record a completed plan step.")
}

func (trackerTool) Call(_ context.Context, state *core.SharedState, call core.ToolCall) (string, error) {
	step := parseTask(call)
	progress, _ := state.Artifact(ArtifactProgress)
	if progress != "" {
		progress += "\n"
	}
	progress += "- [x] " + step
	state.SetArtifact(ArtifactProgress, progress)
	return "Progress updated:\n" + progress, nil
}

// extractCode returns the first fenced block of text, or text itself.
func extractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}
