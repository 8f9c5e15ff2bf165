package api

import (
	"net/http"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// handleListSessions returns the leased execution sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.runtime.Sessions()
	if sessions == nil {
		sessions = []core.ExecutionSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// handleReleaseSession releases a request's session.
func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.ReleaseSession(r.Context(), requestID(r)); err != nil {
		s.respondDomainError(w, err, "failed to release session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProbeSession health-checks a request's session.
func (s *Server) handleProbeSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.runtime.ProbeSession(r.Context(), requestID(r))
	if err != nil {
		s.respondDomainError(w, err, "failed to probe session")
		return
	}
	respondJSON(w, http.StatusOK, session)
}
