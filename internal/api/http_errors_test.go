package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

func TestHTTPStatusForDomainError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		ok     bool
	}{
		{name: "validation", err: core.ErrValidation(core.CodeEmptyInput, "empty"), status: http.StatusBadRequest, ok: true},
		{name: "not found", err: core.ErrNotFound("request", "r1"), status: http.StatusNotFound, ok: true},
		{name: "conflict", err: core.ErrConflict(core.CodeRequestRunning, "busy"), status: http.StatusConflict, ok: true},
		{name: "state", err: core.ErrState(core.CodeInvalidState, "done"), status: http.StatusConflict, ok: true},
		{name: "provision", err: core.ErrProvision("r1", "no worker"), status: http.StatusServiceUnavailable, ok: true},
		{name: "wrapped", err: fmt.Errorf("outer: %w", core.ErrNotFound("session", "r1")), status: http.StatusNotFound, ok: true},
		{name: "execution", err: core.ErrExecution(core.CodeStepFailed, "boom"), status: http.StatusInternalServerError, ok: true},
		{name: "plain", err: errors.New("boom"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := httpStatusForDomainError(tt.err)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
		})
	}
}
