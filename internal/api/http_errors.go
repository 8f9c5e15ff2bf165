package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusBadRequest, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict, core.ErrCatState:
		return http.StatusConflict, true
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, true
	case core.ErrCatProvision, core.ErrCatRouting, core.ErrCatNetwork:
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, true
	}
}

// respondDomainError maps err onto a status code and writes it. Errors that
// are not domain errors are logged and reported as internal.
func (s *Server) respondDomainError(w http.ResponseWriter, err error, msg string) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			respondError(w, http.StatusGatewayTimeout, msg)
			return
		}
		s.logger.Error(msg, "error", err)
		respondError(w, http.StatusInternalServerError, msg)
		return
	}

	var domErr *core.DomainError
	_ = errors.As(err, &domErr)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:     domErr.Message,
		Code:      domErr.Code,
		Retryable: domErr.Retryable,
	})
}
