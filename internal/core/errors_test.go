package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *DomainError
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{"step failure", ErrStepFailure("planner", errors.New("boom")), ErrCatExecution, CodeStepFailed, false},
		{"provision", ErrProvision("r1", "no healthy worker"), ErrCatProvision, CodeProvisionFailed, true},
		{"routing", ErrRouting("r1", "no affinity"), ErrCatRouting, CodeRoutingFailed, true},
		{"execution timeout", ErrExecutionTimeout("s1", time.Second), ErrCatTimeout, CodeExecutionTimeout, true},
		{"stale feedback", ErrStaleFeedback(2, 1), ErrCatValidation, CodeStaleFeedback, false},
		{"unhealthy", ErrSessionUnhealthy("r1", "s1"), ErrCatState, CodeSessionUnhealthy, false},
		{"cancelled", ErrCancelled("stop"), ErrCatCancelled, CodeCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("category = %s, want %s", tt.err.Category, tt.category)
			}
			if tt.err.Code != tt.code {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
			}
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", IsRetryable(tt.err), tt.retryable)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !HasCode(wrapped, tt.code) {
				t.Errorf("HasCode through wrap failed for %s", tt.code)
			}
		})
	}
}

func TestErrStepFailure_KeepsCause(t *testing.T) {
	cause := ErrProvision("r1", "ceiling reached")
	err := ErrStepFailure("coder", cause)
	if !errors.Is(err, &DomainError{Category: ErrCatProvision, Code: CodeProvisionFailed}) {
		t.Fatalf("expected provision cause to be reachable through step failure")
	}
	if err.Details["node"] != "coder" {
		t.Fatalf("expected node detail, got %v", err.Details)
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrTimeout("m")) != ErrCatTimeout {
		t.Fatalf("expected timeout category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	if !IsCategory(ErrConflict("C", "m"), ErrCatConflict) {
		t.Fatalf("expected category match")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}
