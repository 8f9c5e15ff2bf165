// Package graph defines workflow graphs of named nodes joined by conditional
// edges, and the executor that walks them for one request at a time.
package graph

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// End is the pseudo-node an edge targets to terminate the run explicitly.
const End = "__end__"

// Result is what a node hands back to the executor.
type Result struct {
	// Output is appended to the history when non-empty.
	Output string
	// Role of the history entry; defaults to assistant.
	Role string
	// Summary is a short description for the node_exited event.
	Summary string
	// Handoff names the node the step wants to route to next. Edge
	// conditions read it through SharedState.Handoff.
	Handoff string
}

// Node is one step of a workflow.
type Node interface {
	Name() string
	Run(ctx context.Context, state *core.SharedState) (Result, error)
}

// Condition is a pure predicate over the shared state.
type Condition func(state *core.SharedState) bool

// Always is the condition of an unconditional edge.
func Always(*core.SharedState) bool { return true }

// HandoffTo matches when the last step handed off to target.
func HandoffTo(target string) Condition {
	return func(s *core.SharedState) bool { return s.Handoff == target }
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	When  Condition
}

type funcNode struct {
	name string
	fn   func(ctx context.Context, state *core.SharedState) (Result, error)
}

func (n funcNode) Name() string { return n.name }

func (n funcNode) Run(ctx context.Context, state *core.SharedState) (Result, error) {
	return n.fn(ctx, state)
}

// Func adapts a function into a Node.
func Func(name string, fn func(ctx context.Context, state *core.SharedState) (Result, error)) Node {
	return funcNode{name: name, fn: fn}
}

// Builder assembles a Graph. Errors are collected and reported by Build.
type Builder struct {
	nodes     map[string]Node
	order     []string
	edges     map[string][]Edge
	terminals map[string]bool
	start     string
	errs      []string
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:     make(map[string]Node),
		edges:     make(map[string][]Edge),
		terminals: make(map[string]bool),
	}
}

// AddNode registers a node under its name.
func (b *Builder) AddNode(n Node) *Builder {
	name := n.Name()
	switch {
	case name == "" || name == End:
		b.errs = append(b.errs, fmt.Sprintf("invalid node name %q", name))
	case b.nodes[name] != nil:
		b.errs = append(b.errs, fmt.Sprintf("node %s already exists", name))
	default:
		b.nodes[name] = n
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge adds an unconditional edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.AddConditionalEdge(from, to, "", Always)
}

// AddConditionalEdge adds an edge taken when cond holds. Edges leaving a
// node are evaluated in the order they were added.
func (b *Builder) AddConditionalEdge(from, to, label string, cond Condition) *Builder {
	if cond == nil {
		cond = Always
	}
	if label == "" {
		label = from + "->" + to
	}
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, Label: label, When: cond})
	return b
}

// SetStart sets the entry node.
func (b *Builder) SetStart(name string) *Builder {
	b.start = name
	return b
}

// SetTerminal marks a node as terminal: the run completes after it.
func (b *Builder) SetTerminal(name string) *Builder {
	b.terminals[name] = true
	return b
}

// Build validates the definition and returns an immutable graph.
func (b *Builder) Build() (*Graph, error) {
	errs := append([]string(nil), b.errs...)

	if b.start == "" {
		errs = append(errs, "start node not set")
	} else if b.nodes[b.start] == nil {
		errs = append(errs, fmt.Sprintf("start node %s not found", b.start))
	}
	for from, edges := range b.edges {
		if b.nodes[from] == nil {
			errs = append(errs, fmt.Sprintf("edge source %s not found", from))
		}
		if b.terminals[from] {
			errs = append(errs, fmt.Sprintf("terminal node %s has outgoing edges", from))
		}
		for _, e := range edges {
			if e.To != End && b.nodes[e.To] == nil {
				errs = append(errs, fmt.Sprintf("edge target %s not found", e.To))
			}
		}
	}
	for name := range b.terminals {
		if b.nodes[name] == nil {
			errs = append(errs, fmt.Sprintf("terminal node %s not found", name))
		}
	}

	if len(errs) > 0 {
		return nil, core.ErrValidation(core.CodeInvalidGraph, "invalid graph").
			WithDetail("problems", errs)
	}

	g := &Graph{
		nodes:     make(map[string]Node, len(b.nodes)),
		order:     append([]string(nil), b.order...),
		edges:     make(map[string][]Edge, len(b.edges)),
		terminals: make(map[string]bool, len(b.terminals)),
		start:     b.start,
	}
	for k, v := range b.nodes {
		g.nodes[k] = v
	}
	for k, v := range b.edges {
		g.edges[k] = append([]Edge(nil), v...)
	}
	for k := range b.terminals {
		g.terminals[k] = true
	}
	return g, nil
}

// Graph is a validated workflow definition.
type Graph struct {
	nodes     map[string]Node
	order     []string
	edges     map[string][]Edge
	terminals map[string]bool
	start     string
}

// Start returns the entry node name.
func (g *Graph) Start() string { return g.start }

// Node returns a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns node names in registration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Edges returns the outgoing edges of a node in declaration order.
func (g *Graph) Edges(from string) []Edge {
	return append([]Edge(nil), g.edges[from]...)
}

// IsTerminal reports whether the node ends the run.
func (g *Graph) IsTerminal(name string) bool {
	return g.terminals[name]
}

// Next evaluates the outgoing edges of from against state and returns the
// first satisfied one. ok is false when none holds.
func (g *Graph) Next(from string, state *core.SharedState) (Edge, bool) {
	for _, e := range g.edges[from] {
		if e.When(state) {
			return e, true
		}
	}
	return Edge{}, false
}
