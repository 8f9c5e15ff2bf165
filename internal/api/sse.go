package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
)

// EventEnd is the SSE event type sent once a request's queue is exhausted.
const EventEnd = "end"

// endWait bounds how long the final event waits for the run's cleanup.
const endWait = 5 * time.Second

// StreamEnd is the payload of the final SSE event.
type StreamEnd struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// handleStream drains a request's queue as Server-Sent Events until the run
// is terminal and every event has been delivered.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	ctx := r.Context()
	bus := s.runtime.Bus()

	if exists, _ := bus.Status(id); !exists {
		// Unknown, or finished with its queue already torn down.
		if _, err := s.runtime.Get(ctx, id); err != nil {
			s.respondDomainError(w, err, "failed to load request")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "request_id", string(id))

	keepalive := time.NewTicker(s.streamKeepalive)
	defer keepalive.Stop()

	for {
		for _, env := range bus.Drain(id) {
			s.sendEnvelope(w, flusher, env)
		}

		exists, complete := bus.Status(id)
		if !exists {
			s.sendEnd(ctx, w, flusher, id)
			return
		}
		if complete {
			// Events published before completion are still queued.
			continue
		}

		notify, ok := bus.Notify(id)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr, "request_id", string(id))
			return
		case <-notify:
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) sendEnvelope(w http.ResponseWriter, flusher http.Flusher, env events.Envelope) {
	s.sendSSEEvent(w, flusher, env.Sequence, env.Event.EventType(), events.ToWire(env))
}

// sendEnd reports the terminal status. The queue completes slightly before
// the run records its final status, so it waits for the run to finish.
func (s *Server) sendEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id core.RequestID) {
	end := StreamEnd{RequestID: string(id)}
	waitCtx, cancel := context.WithTimeout(ctx, endWait)
	defer cancel()
	if view, _ := s.runtime.Wait(waitCtx, id); view != nil {
		end.Status = string(view.Request.Status)
		end.Reason = view.Request.Reason
	}
	s.sendSSEEvent(w, flusher, 0, EventEnd, end)
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, seq int64, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	// SSE format: id: seq\nevent: type\ndata: json\n\n
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
