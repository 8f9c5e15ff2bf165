package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
)

const defaultListLimit = 50

// CreateRequestBody is the request body for submitting a request.
type CreateRequestBody struct {
	ID           string         `json:"id,omitempty"`
	Input        string         `json:"input"`
	PriorContext []core.Message `json:"prior_context,omitempty"`
}

// RequestResponse summarizes a request.
type RequestResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Input       string     `json:"input"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventsResponse is the body of GET /requests/{id}/events.
type EventsResponse struct {
	Events   interface{} `json:"events"`
	Complete bool        `json:"complete"`
}

func toRequestResponse(req *core.WorkflowRequest) RequestResponse {
	return RequestResponse{
		ID:          string(req.ID),
		Status:      string(req.Status),
		Input:       req.Input,
		Reason:      req.Reason,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
		CompletedAt: req.CompletedAt,
	}
}

func requestID(r *http.Request) core.RequestID {
	return core.RequestID(chi.URLParam(r, "requestID"))
}

// handleCreateRequest starts a new run.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// The run outlives the HTTP request; Submit only uses ctx for persistence.
	id, err := s.runtime.Submit(r.Context(), core.RequestID(body.ID), body.Input, body.PriorContext)
	if err != nil {
		s.respondDomainError(w, err, "failed to submit request")
		return
	}

	view, err := s.runtime.Get(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err, "failed to load request")
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+string(id))
	respondJSON(w, http.StatusAccepted, toRequestResponse(&view.Request))
}

// handleListRequests returns recent requests, newest first.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	reqs, err := s.runtime.List(r.Context(), limit)
	if err != nil {
		s.respondDomainError(w, err, "failed to list requests")
		return
	}
	resp := make([]RequestResponse, 0, len(reqs))
	for _, req := range reqs {
		resp = append(resp, toRequestResponse(req))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRequest returns the full view of a request.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := s.runtime.Get(r.Context(), requestID(r))
	if err != nil {
		s.respondDomainError(w, err, "failed to load request")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleCancelRequest cancels a running request.
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	if err := s.runtime.Cancel(id, r.URL.Query().Get("reason")); err != nil {
		s.respondDomainError(w, err, "failed to cancel request")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     string(id),
		"status": "cancelling",
	})
}

// handleDrainEvents returns the events published since the last drain.
// Each event is delivered to exactly one drain.
func (s *Server) handleDrainEvents(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	bus := s.runtime.Bus()

	if exists, _ := bus.Status(id); !exists {
		if _, err := s.runtime.Get(r.Context(), id); err != nil {
			s.respondDomainError(w, err, "failed to load request")
			return
		}
	}

	envs := bus.Drain(id)
	exists, complete := bus.Status(id)
	done := !exists || (complete && bus.Pending(id) == 0)

	if r.URL.Query().Get("format") == "cloudevents" {
		out := make([]interface{}, 0, len(envs))
		for _, env := range envs {
			ce, err := events.ToCloudEvent(env)
			if err != nil {
				s.logger.Warn("rendering cloudevent failed", "request_id", string(id), "error", err)
				continue
			}
			out = append(out, ce)
		}
		respondJSON(w, http.StatusOK, EventsResponse{Events: out, Complete: done})
		return
	}

	out := make([]events.WireEvent, 0, len(envs))
	for _, env := range envs {
		out = append(out, events.ToWire(env))
	}
	respondJSON(w, http.StatusOK, EventsResponse{Events: out, Complete: done})
}
