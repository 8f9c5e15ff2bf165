package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// DefaultMaxHops bounds the number of node visits in one run.
const DefaultMaxHops = 100

// CheckpointFunc persists the state after a node exits. Failures are logged
// and do not stop the run.
type CheckpointFunc func(ctx context.Context, state *core.SharedState) error

// Executor walks a graph for one request at a time.
type Executor struct {
	graph      *Graph
	publisher  events.Publisher
	logger     *slog.Logger
	maxHops    int
	checkpoint CheckpointFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxHops overrides DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

// WithCheckpoint installs a checkpoint hook.
func WithCheckpoint(fn CheckpointFunc) Option {
	return func(e *Executor) { e.checkpoint = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor for g publishing on pub.
func NewExecutor(g *Graph, pub events.Publisher, opts ...Option) *Executor {
	e := &Executor{
		graph:     g,
		publisher: pub,
		logger:    logging.NewNop().Logger,
		maxHops:   DefaultMaxHops,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph this executor runs.
func (e *Executor) Graph() *Graph { return e.graph }

// Run drives req through the graph from the entry node. The run completes
// when a terminal node exits or no outgoing edge holds. A node error fails
// the run with a step failure; an ended context cancels it with ctx.Err().
func (e *Executor) Run(ctx context.Context, req *core.WorkflowRequest, state *core.SharedState) (core.RequestStatus, error) {
	id := req.ID
	logger := e.logger.With(logging.KeyRequest, string(id))
	current := e.graph.Start()

	for hop := 1; ; hop++ {
		if err := ctx.Err(); err != nil {
			return core.RequestStatusCancelled, err
		}
		if hop > e.maxHops {
			cause := core.ErrExecution(core.CodeHopLimit,
				fmt.Sprintf("hop limit %d exceeded", e.maxHops))
			e.publisher.Publish(id, events.NewStepFailedEvent(id, current, cause))
			return core.RequestStatusFailed, core.ErrStepFailure(current, cause)
		}

		node, _ := e.graph.Node(current)
		nodeLog := logger.With(logging.KeyNode, current)
		e.publisher.Publish(id, events.NewNodeEnteredEvent(id, current, hop))
		nodeLog.Debug("node entered", "hop", hop)

		state.Handoff = ""
		start := time.Now()
		result, err := node.Run(ctx, state)
		elapsed := time.Since(start)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return core.RequestStatusCancelled, ctxErr
			}
			nodeLog.Error("node failed", "error", err, "duration", elapsed)
			e.publisher.Publish(id, events.NewStepFailedEvent(id, current, err))
			return core.RequestStatusFailed, core.ErrStepFailure(current, err)
		}

		if result.Output != "" {
			role := result.Role
			if role == "" {
				role = core.RoleAssistant
			}
			state.Append(role, current, result.Output)
		}
		if result.Handoff != "" {
			state.Handoff = result.Handoff
		}

		e.publisher.Publish(id, events.NewNodeExitedEvent(id, current, summarize(result), elapsed))
		nodeLog.Debug("node exited", "duration", elapsed, "handoff", state.Handoff)

		if e.checkpoint != nil {
			if err := e.checkpoint(ctx, state); err != nil {
				nodeLog.Warn("checkpoint failed", "error", err)
			}
		}

		if e.graph.IsTerminal(current) {
			return core.RequestStatusCompleted, nil
		}
		edge, ok := e.graph.Next(current, state)
		if !ok || edge.To == End {
			return core.RequestStatusCompleted, nil
		}

		e.publisher.Publish(id, events.NewTransitionEvent(id, current, edge.To, edge.Label))
		current = edge.To
	}
}

func summarize(r Result) string {
	if r.Summary != "" {
		return r.Summary
	}
	const limit = 200
	if len(r.Output) <= limit {
		return r.Output
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(r.Output[cut]) {
		cut--
	}
	return r.Output[:cut] + "..."
}
