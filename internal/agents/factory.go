package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// New builds the agent step selected by cfg.Provider.
func New(cfg config.AgentsConfig, logger *slog.Logger) (core.AgentStep, error) {
	if cfg.Provider == "" || cfg.Provider == "scripted" {
		return DefaultScript(), nil
	}
	model, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", cfg.Provider, err)
	}
	return NewLLM(model, cfg.Temperature, logger), nil
}

func newModel(cfg config.AgentsConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unknown agents provider %q", cfg.Provider)
	}
}

// supervisorSteps is the tool order the default script walks through.
var supervisorSteps = []string{RoleCoder, RoleValidator, RoleReporter, RoleTracker}

// DefaultScript is a deterministic offline agent. It routes to the planner,
// drafts a fixed three-step plan, and has the supervisor call each tool once.
func DefaultScript() *Scripted {
	s := NewScripted()
	s.OnFunc(RoleCoordinator, func(core.AgentRequest) (core.AgentResponse, error) {
		return core.AgentResponse{Text: "This needs analysis; handing off to the planner.", Handoff: RolePlanner}, nil
	})
	s.OnFunc(RolePlanner, func(req core.AgentRequest) (core.AgentResponse, error) {
		task := firstUserText(req.History)
		plan := "1. Load and profile the data for: " + task + "\n" +
			"2. Compute the requested figures and validate them\n" +
			"3. Write the report"
		if fb := lastFeedback(req.History); fb != "" {
			plan += "\n4. Address reviewer notes: " + fb
		}
		return core.AgentResponse{Text: plan}, nil
	})
	s.OnFunc(RoleSupervisor, func(req core.AgentRequest) (core.AgentResponse, error) {
		done := make(map[string]bool)
		for _, m := range req.History {
			if m.Role == core.RoleTool {
				done[m.Node] = true
			}
		}
		for i, step := range supervisorSteps {
			if done[step] {
				continue
			}
			args, _ := json.Marshal(map[string]string{"task": "step " + strconv.Itoa(i+1) + " of the plan"})
			return core.AgentResponse{
				Text:      "Delegating to " + step + ".",
				ToolCalls: []core.ToolCall{{ID: "call_" + step, Name: step, Arguments: string(args)}},
			}, nil
		}
		return core.AgentResponse{Text: "All plan steps are complete."}, nil
	})
	s.OnFunc(RoleCoder, func(req core.AgentRequest) (core.AgentResponse, error) {
		return core.AgentResponse{Text: "print(" + strconv.Quote("analysed: "+firstUserText(req.History)) + ")"}, nil
	})
	s.OnFunc(RoleValidator, func(core.AgentRequest) (core.AgentResponse, error) {
		return core.AgentResponse{Text: `print("validation passed")`}, nil
	})
	s.OnFunc(RoleReporter, func(core.AgentRequest) (core.AgentResponse, error) {
		return core.AgentResponse{Text: `print("# Analysis report")`}, nil
	})
	return s
}

func firstUserText(history []core.Message) string {
	for _, m := range history {
		if m.Role == core.RoleUser {
			return strings.TrimSpace(m.Text)
		}
	}
	return ""
}

func lastFeedback(history []core.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		text := history[i].Text
		start := strings.Index(text, "<user_feedback>")
		end := strings.Index(text, "</user_feedback>")
		if start >= 0 && end > start {
			return strings.TrimSpace(text[start+len("<user_feedback>") : end])
		}
	}
	return ""
}
