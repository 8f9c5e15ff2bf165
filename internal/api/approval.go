package api

import (
	"net/http"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// handleGetApproval returns the live approval ticket of a request.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	ticket, ok := s.runtime.Ticket(id)
	if !ok {
		if _, err := s.runtime.Get(r.Context(), id); err != nil {
			s.respondDomainError(w, err, "failed to load request")
			return
		}
		respondJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "no approval pending for request " + string(id),
			Code:  core.CodeNoLiveTicket,
		})
		return
	}
	respondJSON(w, http.StatusOK, ticket)
}

// handleSubmitApproval writes reviewer feedback for the live ticket.
func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var fb core.ApprovalFeedback
	if err := decodeJSON(w, r, &fb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid feedback body: "+err.Error())
		return
	}
	id := requestID(r)
	if err := s.runtime.SubmitFeedback(r.Context(), id, fb); err != nil {
		s.respondDomainError(w, err, "failed to submit feedback")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       string(id),
		"approved": fb.Approved,
	})
}

// handleListApprovals returns every live ticket.
func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	tickets := s.runtime.Tickets()
	if tickets == nil {
		tickets = []core.ApprovalTicket{}
	}
	respondJSON(w, http.StatusOK, tickets)
}
