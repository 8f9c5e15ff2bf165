package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
)

type fakeSessions struct {
	mu         sync.Mutex
	acquireErr []error
	execErr    []error
	acquired   int
	released   int
	commands   []core.Command
}

func (f *fakeSessions) Acquire(_ context.Context, id core.RequestID) (*core.ExecutionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if len(f.acquireErr) > 0 {
		err := f.acquireErr[0]
		f.acquireErr = f.acquireErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &core.ExecutionSession{ID: "sess-" + string(id), RequestID: id, State: core.SessionHealthy}, nil
}

func (f *fakeSessions) Execute(_ context.Context, _ *core.ExecutionSession, cmd core.Command) (core.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if len(f.execErr) > 0 {
		err := f.execErr[0]
		f.execErr = f.execErr[1:]
		if err != nil {
			return core.ExecutionResult{}, err
		}
	}
	out := strings.TrimSuffix(strings.TrimPrefix(cmd.Code, `print("`), `")`)
	return core.ExecutionResult{Output: out + "\n", Status: "success"}, nil
}

func (f *fakeSessions) Release(context.Context, core.RequestID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

// scriptedGate answers with the queued decisions, then approves.
func scriptedGate(decisions ...string) graph.Node {
	var mu sync.Mutex
	return graph.Func(approval.NodeName, func(_ context.Context, s *core.SharedState) (graph.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(decisions) > 0 {
			notes := decisions[0]
			decisions = decisions[1:]
			s.Approval = core.ApprovalRevise
			s.Feedback = notes
			s.Revision++
			return graph.Result{Output: "revise: " + notes, Role: core.RoleUser}, nil
		}
		s.Approval = core.ApprovalApproved
		return graph.Result{Output: "Plan approved.", Role: core.RoleUser}, nil
	})
}

func runPipeline(t *testing.T, d Deps) (core.RequestStatus, error, *core.SharedState, []events.Envelope) {
	t.Helper()
	bus := events.New(time.Minute)
	t.Cleanup(bus.Close)
	if d.Publisher == nil {
		d.Publisher = bus
	}
	g, err := Build(d)
	require.NoError(t, err)

	req := core.NewWorkflowRequest("req-1", "how did revenue change?", nil)
	state := core.NewSharedState(req)
	status, runErr := graph.NewExecutor(g, bus).Run(context.Background(), req, state)
	return status, runErr, state, bus.Drain(req.ID)
}

func TestBuild_RequiresCollaborators(t *testing.T) {
	_, err := Build(Deps{})
	require.Error(t, err)

	_, err = Build(Deps{Agent: agents.DefaultScript(), Sessions: &fakeSessions{}, Gate: scriptedGate(), Publisher: events.Discard})
	require.NoError(t, err)
}

func TestPipeline_ApprovedPlanRunsAllTools(t *testing.T) {
	sessions := &fakeSessions{}
	status, err, state, envs := runPipeline(t, Deps{
		Agent:    agents.DefaultScript(),
		Sessions: sessions,
		Gate:     scriptedGate(),
	})
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)

	plan, ok := state.Artifact(ArtifactPlan)
	require.True(t, ok)
	assert.Contains(t, plan, "how did revenue change?")
	report, _ := state.Artifact(ArtifactReport)
	assert.Equal(t, "# Analysis report\n", report)
	progress, _ := state.Artifact(ArtifactProgress)
	assert.Contains(t, progress, "- [x] step 4 of the plan")

	assert.Len(t, sessions.commands, 3, "coder, validator and reporter each run once")
	for _, cmd := range sessions.commands {
		assert.Equal(t, core.CommandPython, cmd.Type)
	}
	assert.Zero(t, sessions.released, "the runtime releases the session, not the pipeline")

	var tools []string
	for _, env := range envs {
		if ev, ok := env.Event.(events.ToolResultEvent); ok {
			assert.False(t, ev.IsError)
			tools = append(tools, ev.Tool)
		}
	}
	assert.Equal(t, []string{agents.RoleCoder, agents.RoleValidator, agents.RoleReporter, agents.RoleTracker}, tools)

	last, _ := state.Last()
	assert.Equal(t, agents.RoleSupervisor, last.Node)
	assert.Equal(t, "All plan steps are complete.", last.Text)
}

func TestPipeline_ReviseLoopsBackToPlanner(t *testing.T) {
	script := agents.DefaultScript()
	status, err, state, _ := runPipeline(t, Deps{
		Agent:    script,
		Sessions: &fakeSessions{},
		Gate:     scriptedGate("split revenue by region"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)

	calls := script.CallsFor(agents.RolePlanner)
	require.Len(t, calls, 2)
	lastMsg := calls[1].History[len(calls[1].History)-1]
	assert.Equal(t, "<user_feedback>\nsplit revenue by region\n</user_feedback>", lastMsg.Text)
	assert.Contains(t, state.Plan, "Address reviewer notes: split revenue by region")
	assert.Empty(t, state.Feedback)
	assert.Equal(t, 1, state.Revision)
}

func TestPipeline_CoordinatorAnswersDirectly(t *testing.T) {
	script := agents.NewScripted().On(agents.RoleCoordinator, core.AgentResponse{Text: "Revenue is in table sales."})
	status, err, state, _ := runPipeline(t, Deps{
		Agent:    script,
		Sessions: &fakeSessions{},
		Gate:     scriptedGate(),
	})
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)
	assert.Empty(t, state.Plan)
	assert.Empty(t, script.CallsFor(agents.RolePlanner))
}

func TestPipeline_EmptyPlanFailsStep(t *testing.T) {
	script := agents.NewScripted().
		On(agents.RoleCoordinator, core.AgentResponse{Handoff: agents.RolePlanner}).
		On(agents.RolePlanner, core.AgentResponse{Text: "   "})
	status, err, _, _ := runPipeline(t, Deps{Agent: script, Sessions: &fakeSessions{}, Gate: scriptedGate()})
	assert.Equal(t, core.RequestStatusFailed, status)
	assert.True(t, core.HasCode(err, core.CodeStepFailed))
	assert.True(t, core.HasCode(errors.Unwrap(err), core.CodeAgentFailed))
}

func TestPipeline_ProvisionFailureFailsRequest(t *testing.T) {
	sessions := &fakeSessions{acquireErr: []error{core.ErrProvision("req-1", "no capacity")}}
	status, err, state, envs := runPipeline(t, Deps{
		Agent:    agents.DefaultScript(),
		Sessions: sessions,
		Gate:     scriptedGate(),
	})
	assert.Equal(t, core.RequestStatusFailed, status)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeStepFailed))
	assert.True(t, core.HasCode(errors.Unwrap(err), core.CodeProvisionFailed))
	_, ok := state.Artifact(ArtifactReport)
	assert.False(t, ok)

	var failedTool bool
	for _, env := range envs {
		if ev, ok := env.Event.(events.ToolResultEvent); ok && ev.IsError {
			failedTool = ev.Tool == agents.RoleCoder
		}
	}
	assert.True(t, failedTool)
}

func TestPipeline_UnhealthySessionIsReplaced(t *testing.T) {
	sessions := &fakeSessions{acquireErr: []error{core.ErrSessionUnhealthy("req-1", "sess-old")}}
	status, err, _, _ := runPipeline(t, Deps{
		Agent:    agents.DefaultScript(),
		Sessions: sessions,
		Gate:     scriptedGate(),
	})
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)
	assert.Equal(t, 1, sessions.released)
	assert.Equal(t, 4, sessions.acquired)
}

func TestPipeline_TimedOutExecutionIsRetried(t *testing.T) {
	sessions := &fakeSessions{execErr: []error{core.ErrExecutionTimeout("sess-req-1", time.Second)}}
	attempts := 0
	retry := func(ctx context.Context, fn func(context.Context) error) error {
		var err error
		for i := 0; i < 2; i++ {
			attempts++
			if err = fn(ctx); err == nil || !core.IsRetryable(err) {
				return err
			}
		}
		return err
	}
	status, err, _, _ := runPipeline(t, Deps{
		Agent:    agents.DefaultScript(),
		Sessions: sessions,
		Gate:     scriptedGate(),
		Retry:    retry,
	})
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)
	assert.Equal(t, 1, sessions.released, "a timed-out session is released before the retry")
	assert.Equal(t, 4, attempts)
}

func TestSupervisor_UnknownToolIsReportedToAgent(t *testing.T) {
	script := agents.NewScripted().
		On(agents.RoleSupervisor,
			core.AgentResponse{ToolCalls: []core.ToolCall{{Name: "shell", Arguments: `{"task":"ls"}`}}},
			core.AgentResponse{Text: "done"})
	bus := events.New(time.Minute)
	t.Cleanup(bus.Close)

	d := Deps{Agent: script, Sessions: &fakeSessions{}, Gate: scriptedGate(), Publisher: bus}
	require.NoError(t, d.defaults())
	sup := newSupervisor(d, []Tool{trackerTool{}})

	state := core.NewSharedState(core.NewWorkflowRequest("req-1", "q", nil))
	res, err := sup.Run(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	last, _ := state.Last()
	assert.Equal(t, core.RoleTool, last.Role)
	assert.Contains(t, last.Text, core.CodeUnknownTool)
}

func TestSupervisor_IterationLimit(t *testing.T) {
	loop := core.AgentResponse{ToolCalls: []core.ToolCall{{Name: agents.RoleTracker, Arguments: `{"task":"again"}`}}}
	script := agents.NewScripted().OnFunc(agents.RoleSupervisor, func(core.AgentRequest) (core.AgentResponse, error) {
		return loop, nil
	})
	d := Deps{Agent: script, Sessions: &fakeSessions{}, Gate: scriptedGate(), Publisher: events.Discard, MaxToolIterations: 3}
	require.NoError(t, d.defaults())

	state := core.NewSharedState(core.NewWorkflowRequest("req-1", "q", nil))
	res, err := newSupervisor(d, []Tool{trackerTool{}}).Run(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.RoleSystem, res.Role)
	assert.Len(t, script.CallsFor(agents.RoleSupervisor), 3)
}

func TestSupervisor_AgentErrorPropagates(t *testing.T) {
	boom := errors.New("model offline")
	script := agents.NewScripted().OnFunc(agents.RoleSupervisor, func(core.AgentRequest) (core.AgentResponse, error) {
		return core.AgentResponse{}, boom
	})
	d := Deps{Agent: script, Sessions: &fakeSessions{}, Gate: scriptedGate(), Publisher: events.Discard}
	require.NoError(t, d.defaults())

	_, err := newSupervisor(d, nil).Run(context.Background(), core.NewSharedState(core.NewWorkflowRequest("req-1", "q", nil)))
	assert.ErrorIs(t, err, boom)
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"print(1)", "print(1)"},
		{"Here:\n```python\nprint(1)\n```\nthanks", "print(1)"},
		{"```\nx = 2\nprint(x)\n```", "x = 2\nprint(x)"},
		{"```python\nunterminated", "unterminated"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractCode(tt.in))
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	out := strings.Repeat("a", 9) + "é and more"
	got := truncate(out, 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 9)+"\n... (truncated)", got)

	assert.Equal(t, "short", truncate("short", 10))
}

func TestPrompts_EveryRoleHasOne(t *testing.T) {
	for _, role := range []string{
		agents.RoleCoordinator, agents.RolePlanner, agents.RoleSupervisor,
		agents.RoleCoder, agents.RoleValidator, agents.RoleReporter,
	} {
		p, err := SystemPrompt(role)
		require.NoError(t, err, role)
		assert.NotEmpty(t, p, role)
	}
	_, err := SystemPrompt("nobody")
	assert.Error(t, err)
}
