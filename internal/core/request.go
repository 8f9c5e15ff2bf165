package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestID uniquely identifies a workflow request.
type RequestID string

// NewRequestID generates a fresh request id.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

// RequestStatus represents the lifecycle state of a workflow request.
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusRunning          RequestStatus = "running"
	RequestStatusAwaitingApproval RequestStatus = "awaiting_approval"
	RequestStatusCompleted        RequestStatus = "completed"
	RequestStatusFailed           RequestStatus = "failed"
	RequestStatusCancelled        RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRequest is one user-submitted task.
type WorkflowRequest struct {
	ID           RequestID     `json:"id"`
	Input        string        `json:"input"`
	PriorContext []Message     `json:"prior_context,omitempty"`
	Status       RequestStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// NewWorkflowRequest creates a pending request. An empty id gets a generated one.
func NewWorkflowRequest(id RequestID, input string, prior []Message) *WorkflowRequest {
	if id == "" {
		id = NewRequestID()
	}
	now := time.Now()
	return &WorkflowRequest{
		ID:           id,
		Input:        input,
		PriorContext: prior,
		Status:       RequestStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks the request input.
func (r *WorkflowRequest) Validate() error {
	if strings.TrimSpace(r.Input) == "" {
		return ErrValidation(CodeEmptyInput, "request input cannot be empty")
	}
	if len(r.Input) > MaxInputLength {
		return ErrValidation(CodeInputTooLong, "request input exceeds maximum length")
	}
	return nil
}

// Transition moves the request to a new status. Terminal requests never move again.
func (r *WorkflowRequest) Transition(to RequestStatus, reason string) error {
	if r.Status.IsTerminal() {
		return ErrState(CodeInvalidState, "request "+string(r.ID)+" is already "+string(r.Status))
	}
	now := time.Now()
	r.Status = to
	r.Reason = reason
	r.UpdatedAt = now
	if to.IsTerminal() {
		r.CompletedAt = &now
	}
	return nil
}
