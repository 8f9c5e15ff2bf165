package events

import (
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Event type constants for request lifecycle events.
const (
	TypeRequestStarted   = "request_started"
	TypeRequestCompleted = "request_completed"
	TypeRequestFailed    = "request_failed"
	TypeRequestCancelled = "request_cancelled"
)

// RequestStartedEvent is emitted when a run begins.
type RequestStartedEvent struct {
	BaseEvent
	Input string `json:"input"`
}

// NewRequestStartedEvent creates a new request started event.
func NewRequestStartedEvent(requestID core.RequestID, input string) RequestStartedEvent {
	return RequestStartedEvent{
		BaseEvent: NewBaseEvent(TypeRequestStarted, requestID),
		Input:     input,
	}
}

// RequestCompletedEvent is emitted once when a run finishes successfully.
type RequestCompletedEvent struct {
	BaseEvent
	Duration  time.Duration     `json:"duration"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// NewRequestCompletedEvent creates a new request completed event.
func NewRequestCompletedEvent(requestID core.RequestID, duration time.Duration, artifacts map[string]string) RequestCompletedEvent {
	return RequestCompletedEvent{
		BaseEvent: NewBaseEvent(TypeRequestCompleted, requestID),
		Duration:  duration,
		Artifacts: artifacts,
	}
}

// RequestFailedEvent is emitted when a run halts on an error.
type RequestFailedEvent struct {
	BaseEvent
	Node   string `json:"node,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}

// NewRequestFailedEvent creates a new request failed event.
func NewRequestFailedEvent(requestID core.RequestID, node, code, reason string) RequestFailedEvent {
	return RequestFailedEvent{
		BaseEvent: NewBaseEvent(TypeRequestFailed, requestID),
		Node:      node,
		Code:      code,
		Reason:    reason,
	}
}

// RequestCancelledEvent is emitted when a run is cancelled externally.
type RequestCancelledEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewRequestCancelledEvent creates a new request cancelled event.
func NewRequestCancelledEvent(requestID core.RequestID, reason string) RequestCancelledEvent {
	return RequestCancelledEvent{
		BaseEvent: NewBaseEvent(TypeRequestCancelled, requestID),
		Reason:    reason,
	}
}

// IsTerminal reports whether an event type ends a request's stream.
func IsTerminal(eventType string) bool {
	switch eventType {
	case TypeRequestCompleted, TypeRequestFailed, TypeRequestCancelled:
		return true
	default:
		return false
	}
}
