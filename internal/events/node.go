package events

import (
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Event type constants for graph execution events.
const (
	TypeNodeEntered = "node_entered"
	TypeNodeExited  = "node_exited"
	TypeTransition  = "transition"
	TypeStepFailed  = "step_failed"
	TypeToolCalled  = "tool_called"
	TypeToolResult  = "tool_result"
)

// NodeEnteredEvent is emitted before a node's step runs.
type NodeEnteredEvent struct {
	BaseEvent
	Node string `json:"node"`
	Hop  int    `json:"hop"`
}

// NewNodeEnteredEvent creates a new node entered event.
func NewNodeEnteredEvent(requestID core.RequestID, node string, hop int) NodeEnteredEvent {
	return NodeEnteredEvent{
		BaseEvent: NewBaseEvent(TypeNodeEntered, requestID),
		Node:      node,
		Hop:       hop,
	}
}

// NodeExitedEvent is emitted after a node's step returns successfully.
type NodeExitedEvent struct {
	BaseEvent
	Node     string        `json:"node"`
	Summary  string        `json:"summary,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NewNodeExitedEvent creates a new node exited event.
func NewNodeExitedEvent(requestID core.RequestID, node, summary string, duration time.Duration) NodeExitedEvent {
	return NodeExitedEvent{
		BaseEvent: NewBaseEvent(TypeNodeExited, requestID),
		Node:      node,
		Summary:   summary,
		Duration:  duration,
	}
}

// TransitionEvent records which edge was taken. To is empty when the run ends.
type TransitionEvent struct {
	BaseEvent
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Label string `json:"label,omitempty"`
}

// NewTransitionEvent creates a new transition event.
func NewTransitionEvent(requestID core.RequestID, from, to, label string) TransitionEvent {
	return TransitionEvent{
		BaseEvent: NewBaseEvent(TypeTransition, requestID),
		From:      from,
		To:        to,
		Label:     label,
	}
}

// StepFailedEvent is emitted when a node's step returns an error.
type StepFailedEvent struct {
	BaseEvent
	Node  string `json:"node"`
	Error string `json:"error"`
}

// NewStepFailedEvent creates a new step failed event.
func NewStepFailedEvent(requestID core.RequestID, node string, err error) StepFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return StepFailedEvent{
		BaseEvent: NewBaseEvent(TypeStepFailed, requestID),
		Node:      node,
		Error:     msg,
	}
}

// ToolCalledEvent is emitted when a dispatcher invokes a tool step.
type ToolCalledEvent struct {
	BaseEvent
	Node string `json:"node"`
	Tool string `json:"tool"`
}

// NewToolCalledEvent creates a new tool called event.
func NewToolCalledEvent(requestID core.RequestID, node, tool string) ToolCalledEvent {
	return ToolCalledEvent{
		BaseEvent: NewBaseEvent(TypeToolCalled, requestID),
		Node:      node,
		Tool:      tool,
	}
}

// ToolResultEvent is emitted when a tool step returns.
type ToolResultEvent struct {
	BaseEvent
	Node    string `json:"node"`
	Tool    string `json:"tool"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error"`
}

// NewToolResultEvent creates a new tool result event.
func NewToolResultEvent(requestID core.RequestID, node, tool, output string, isError bool) ToolResultEvent {
	return ToolResultEvent{
		BaseEvent: NewBaseEvent(TypeToolResult, requestID),
		Node:      node,
		Tool:      tool,
		Output:    output,
		IsError:   isError,
	}
}
