package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
)

func echo(name, output string) Node {
	return Func(name, func(context.Context, *core.SharedState) (Result, error) {
		return Result{Output: output}, nil
	})
}

func newRun(t *testing.T) (*core.WorkflowRequest, *core.SharedState, *events.Bus) {
	t.Helper()
	req := core.NewWorkflowRequest("req-1", "how did revenue change?", nil)
	bus := events.New(time.Minute)
	t.Cleanup(bus.Close)
	return req, core.NewSharedState(req), bus
}

func eventTypes(envs []events.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Event.EventType())
	}
	return out
}

func TestExecutor_FirstSatisfiedEdgeWins(t *testing.T) {
	req, state, bus := newRun(t)

	g, err := NewBuilder().
		AddNode(echo("a", "from a")).
		AddNode(echo("b", "from b")).
		AddNode(echo("c", "from c")).
		AddConditionalEdge("a", "b", "to-b", Always).
		AddConditionalEdge("a", "c", "to-c", Always).
		SetStart("a").
		Build()
	require.NoError(t, err)

	status, err := NewExecutor(g, bus).Run(context.Background(), req, state)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusCompleted, status)

	var nodes []string
	for _, m := range state.History[1:] {
		nodes = append(nodes, m.Node)
	}
	assert.Equal(t, []string{"a", "b"}, nodes)

	assert.Equal(t, []string{
		events.TypeNodeEntered, events.TypeNodeExited, events.TypeTransition,
		events.TypeNodeEntered, events.TypeNodeExited,
	}, eventTypes(bus.Drain(req.ID)))
}

func TestExecutor_HandoffRouting(t *testing.T) {
	req, state, bus := newRun(t)

	router := Func("coordinator", func(context.Context, *core.SharedState) (Result, error) {
		return Result{Output: "needs a plan", Handoff: "planner"}, nil
	})
	var plannerRuns, answerRuns int
	planner := Func("planner", func(context.Context, *core.SharedState) (Result, error) {
		plannerRuns++
		return Result{Output: "1. load"}, nil
	})
	answer := Func("answer", func(context.Context, *core.SharedState) (Result, error) {
		answerRuns++
		return Result{}, nil
	})

	g, err := NewBuilder().
		AddNode(router).AddNode(planner).AddNode(answer).
		AddConditionalEdge("coordinator", "planner", "handoff", HandoffTo("planner")).
		AddEdge("coordinator", "answer").
		SetStart("coordinator").
		SetTerminal("planner").
		Build()
	require.NoError(t, err)

	_, err = NewExecutor(g, bus).Run(context.Background(), req, state)
	require.NoError(t, err)
	assert.Equal(t, 1, plannerRuns)
	assert.Zero(t, answerRuns)
}

func TestExecutor_HandoffIsClearedBetweenSteps(t *testing.T) {
	req, state, bus := newRun(t)

	var seen string
	g, err := NewBuilder().
		AddNode(Func("a", func(context.Context, *core.SharedState) (Result, error) {
			return Result{Handoff: "b"}, nil
		})).
		AddNode(Func("b", func(_ context.Context, s *core.SharedState) (Result, error) {
			seen = s.Handoff
			return Result{}, nil
		})).
		AddConditionalEdge("a", "b", "", HandoffTo("b")).
		SetStart("a").
		Build()
	require.NoError(t, err)

	_, err = NewExecutor(g, bus).Run(context.Background(), req, state)
	require.NoError(t, err)
	assert.Empty(t, seen, "a stale handoff must not be visible to the next step")
}

func TestExecutor_StepFailureHalts(t *testing.T) {
	req, state, bus := newRun(t)

	boom := errors.New("agent unavailable")
	var afterRan bool
	g, err := NewBuilder().
		AddNode(Func("planner", func(context.Context, *core.SharedState) (Result, error) {
			return Result{}, boom
		})).
		AddNode(Func("after", func(context.Context, *core.SharedState) (Result, error) {
			afterRan = true
			return Result{}, nil
		})).
		AddEdge("planner", "after").
		SetStart("planner").
		Build()
	require.NoError(t, err)

	status, err := NewExecutor(g, bus).Run(context.Background(), req, state)
	assert.Equal(t, core.RequestStatusFailed, status)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeStepFailed))
	assert.ErrorIs(t, err, boom)
	assert.False(t, core.IsRetryable(err))
	assert.False(t, afterRan)

	types := eventTypes(bus.Drain(req.ID))
	assert.Equal(t, events.TypeStepFailed, types[len(types)-1])
}

func TestExecutor_HopLimitBoundsCycles(t *testing.T) {
	req, state, bus := newRun(t)

	g, err := NewBuilder().
		AddNode(echo("ping", "")).
		AddNode(echo("pong", "")).
		AddEdge("ping", "pong").
		AddEdge("pong", "ping").
		SetStart("ping").
		Build()
	require.NoError(t, err)

	status, err := NewExecutor(g, bus, WithMaxHops(5)).Run(context.Background(), req, state)
	assert.Equal(t, core.RequestStatusFailed, status)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeStepFailed))

	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "pong", de.Details["node"], "the node that would be entered is blamed")

	entered := 0
	for _, typ := range eventTypes(bus.Drain(req.ID)) {
		if typ == events.TypeNodeEntered {
			entered++
		}
	}
	assert.Equal(t, 5, entered)
}

func TestExecutor_CancellationStopsRun(t *testing.T) {
	req, state, bus := newRun(t)

	started := make(chan struct{})
	g, err := NewBuilder().
		AddNode(Func("gate", func(ctx context.Context, _ *core.SharedState) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		})).
		SetStart("gate").
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var status core.RequestStatus
	var runErr error
	go func() {
		status, runErr = NewExecutor(g, bus).Run(ctx, req, state)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Equal(t, core.RequestStatusCancelled, status)
	assert.ErrorIs(t, runErr, context.Canceled)
}

func TestExecutor_CheckpointAfterEveryNode(t *testing.T) {
	req, state, bus := newRun(t)

	g, err := NewBuilder().
		AddNode(echo("a", "x")).
		AddNode(echo("b", "y")).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetStart("a").
		Build()
	require.NoError(t, err)

	var calls atomic.Int32
	cp := func(context.Context, *core.SharedState) error {
		calls.Add(1)
		return errors.New("disk full")
	}

	status, err := NewExecutor(g, bus, WithCheckpoint(cp)).Run(context.Background(), req, state)
	require.NoError(t, err, "checkpoint failures are not fatal")
	assert.Equal(t, core.RequestStatusCompleted, status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_ToolRoleOutput(t *testing.T) {
	req, state, bus := newRun(t)

	g, err := NewBuilder().
		AddNode(Func("coder", func(context.Context, *core.SharedState) (Result, error) {
			return Result{Output: "42", Role: core.RoleTool, Summary: "ran code"}, nil
		})).
		SetStart("coder").
		Build()
	require.NoError(t, err)

	_, err = NewExecutor(g, bus).Run(context.Background(), req, state)
	require.NoError(t, err)

	last, _ := state.Last()
	assert.Equal(t, core.RoleTool, last.Role)

	envs := bus.Drain(req.ID)
	exited := envs[len(envs)-1].Event.(events.NodeExitedEvent)
	assert.Equal(t, "ran code", exited.Summary)
}
