package events

import (
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Event type constants for approval gate events.
const (
	TypeApprovalRequested = "approval_requested"
	TypeApprovalKeepalive = "approval_keepalive"
	TypeApprovalResolved  = "approval_resolved"
	TypeFeedbackDiscarded = "feedback_discarded"
)

// ApprovalRequestedEvent advertises a plan awaiting review and where to answer.
type ApprovalRequestedEvent struct {
	BaseEvent
	Plan           string `json:"plan"`
	Revision       int    `json:"revision_count"`
	MaxRevisions   int    `json:"max_revisions"`
	MailboxAddress string `json:"feedback_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// NewApprovalRequestedEvent creates a new approval requested event.
func NewApprovalRequestedEvent(t *core.ApprovalTicket, maxRevisions, timeoutSeconds int) ApprovalRequestedEvent {
	return ApprovalRequestedEvent{
		BaseEvent:      NewBaseEvent(TypeApprovalRequested, t.RequestID),
		Plan:           t.Plan,
		Revision:       t.Revision,
		MaxRevisions:   maxRevisions,
		MailboxAddress: t.Address,
		TimeoutSeconds: timeoutSeconds,
	}
}

// ApprovalKeepaliveEvent tells a listener the gate is still waiting.
type ApprovalKeepaliveEvent struct {
	BaseEvent
	ElapsedSeconds   int `json:"elapsed_seconds"`
	RemainingSeconds int `json:"remaining_seconds"`
	TimeoutSeconds   int `json:"timeout_seconds"`
}

// NewApprovalKeepaliveEvent creates a new keepalive event.
func NewApprovalKeepaliveEvent(requestID core.RequestID, elapsed, remaining, timeout int) ApprovalKeepaliveEvent {
	return ApprovalKeepaliveEvent{
		BaseEvent:        NewBaseEvent(TypeApprovalKeepalive, requestID),
		ElapsedSeconds:   elapsed,
		RemainingSeconds: remaining,
		TimeoutSeconds:   timeout,
	}
}

// ApprovalResolvedEvent reports how an approval cycle ended.
type ApprovalResolvedEvent struct {
	BaseEvent
	Outcome  core.ApprovalOutcome `json:"outcome"`
	Reason   string               `json:"reason,omitempty"`
	Feedback string               `json:"feedback,omitempty"`
	Revision int                  `json:"revision_count"`
}

// NewApprovalResolvedEvent creates a new approval resolved event.
func NewApprovalResolvedEvent(requestID core.RequestID, outcome core.ApprovalOutcome, reason, feedback string, revision int) ApprovalResolvedEvent {
	return ApprovalResolvedEvent{
		BaseEvent: NewBaseEvent(TypeApprovalResolved, requestID),
		Outcome:   outcome,
		Reason:    reason,
		Feedback:  feedback,
		Revision:  revision,
	}
}

// FeedbackDiscardedEvent reports feedback that was read but not applied.
type FeedbackDiscardedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewFeedbackDiscardedEvent creates a new feedback discarded event.
func NewFeedbackDiscardedEvent(requestID core.RequestID, reason string) FeedbackDiscardedEvent {
	return FeedbackDiscardedEvent{
		BaseEvent: NewBaseEvent(TypeFeedbackDiscarded, requestID),
		Reason:    reason,
	}
}
