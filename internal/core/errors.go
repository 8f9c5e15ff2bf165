package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Step logic failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // Illegal state transition
	ErrCatProvision  ErrorCategory = "provision"  // Worker never became healthy
	ErrCatRouting    ErrorCategory = "routing"    // Session affinity not established
	ErrCatNetwork    ErrorCategory = "network"    // Network connectivity
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatCancelled  ErrorCategory = "cancelled"  // Cancelled by caller
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNetwork creates a network error.
func ErrNetwork(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      "NETWORK_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      CodeCancelled,
		Message:   message,
		Retryable: false,
	}
}

// ErrStepFailure reports that a node's logic failed. It is fatal to the request.
func ErrStepFailure(node string, cause error) *DomainError {
	return (&DomainError{
		Category:  ErrCatExecution,
		Code:      CodeStepFailed,
		Message:   fmt.Sprintf("step %q failed", node),
		Retryable: false,
		Details:   map[string]interface{}{"node": node},
	}).WithCause(cause)
}

// ErrProvision reports that no worker became healthy within the provisioning ceiling.
func ErrProvision(requestID RequestID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProvision,
		Code:      CodeProvisionFailed,
		Message:   message,
		Retryable: true,
		Details:   map[string]interface{}{"request_id": string(requestID)},
	}
}

// ErrRouting reports that session affinity could not be established.
func ErrRouting(requestID RequestID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRouting,
		Code:      CodeRoutingFailed,
		Message:   message,
		Retryable: true,
		Details:   map[string]interface{}{"request_id": string(requestID)},
	}
}

// ErrExecutionTimeout reports that a remote call exceeded its bound.
func ErrExecutionTimeout(sessionID string, timeout time.Duration) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeExecutionTimeout,
		Message:   fmt.Sprintf("remote execution exceeded %s", timeout),
		Retryable: true,
		Details: map[string]interface{}{
			"session_id": sessionID,
			"timeout":    timeout.String(),
		},
	}
}

// ErrSessionUnhealthy reports that the request's session must be released before reuse.
func ErrSessionUnhealthy(requestID RequestID, sessionID string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      CodeSessionUnhealthy,
		Message:   fmt.Sprintf("session %s for request %s is unhealthy", sessionID, requestID),
		Retryable: false,
		Details: map[string]interface{}{
			"request_id": string(requestID),
			"session_id": sessionID,
		},
	}
}

// ErrStaleFeedback reports feedback addressed to a ticket that is no longer live.
func ErrStaleFeedback(want, got int) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeStaleFeedback,
		Message:   fmt.Sprintf("feedback for revision %d does not match live revision %d", got, want),
		Retryable: false,
		Details: map[string]interface{}{
			"expected_revision": want,
			"revision":          got,
		},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode checks if an error carries the given domain code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// Predefined error codes
const (
	CodeRequestNotFound  = "REQUEST_NOT_FOUND"
	CodeRequestRunning   = "REQUEST_RUNNING"
	CodeInvalidState     = "INVALID_STATE"
	CodeCancelled        = "CANCELLED"
	CodeStepFailed       = "STEP_FAILED"
	CodeHopLimit         = "HOP_LIMIT_EXCEEDED"
	CodeProvisionFailed  = "PROVISION_FAILED"
	CodeRoutingFailed    = "ROUTING_FAILED"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"
	CodeSessionUnhealthy = "SESSION_UNHEALTHY"
	CodeSessionMismatch  = "SESSION_MISMATCH"
	CodeStaleFeedback    = "STALE_FEEDBACK"
	CodeTicketLive       = "TICKET_ALREADY_LIVE"
	CodeNoLiveTicket     = "NO_LIVE_TICKET"
	CodeAgentFailed      = "AGENT_FAILED"
	CodeUnknownTool      = "UNKNOWN_TOOL"

	// Validation error codes
	CodeEmptyInput    = "EMPTY_INPUT"
	CodeInputTooLong  = "INPUT_TOO_LONG"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeInvalidGraph  = "INVALID_GRAPH"
)

// MaxInputLength is the maximum allowed request input length.
const MaxInputLength = 100000
