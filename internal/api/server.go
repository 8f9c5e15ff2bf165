// Package api provides the HTTP REST API for submitting requests, following
// their events and answering plan approvals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/service"
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultStreamKeepalive = 15 * time.Second
	maxBodyBytes           = 1 << 20
)

// Server provides HTTP endpoints over a Runtime.
type Server struct {
	router      chi.Router
	runtime     *service.Runtime
	diagnostics *diagnostics.Collector
	logger      *slog.Logger

	corsOrigins     []string
	version         string
	provisioner     string
	requestTimeout  time.Duration
	streamKeepalive time.Duration
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDiagnostics adds host metrics to /health.
func WithDiagnostics(c *diagnostics.Collector) ServerOption {
	return func(s *Server) { s.diagnostics = c }
}

// WithCORSOrigins restricts cross-origin access. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithProvisioner sets the session provisioner name reported by /health.
func WithProvisioner(name string) ServerOption {
	return func(s *Server) { s.provisioner = name }
}

// WithStreamKeepalive sets the interval between SSE keepalive comments.
func WithStreamKeepalive(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.streamKeepalive = d
		}
	}
}

// NewServer creates a new API server.
func NewServer(rt *service.Runtime, opts ...ServerOption) *Server {
	s := &Server{
		runtime:         rt,
		logger:          slog.Default(),
		version:         "dev",
		requestTimeout:  defaultRequestTimeout,
		streamKeepalive: defaultStreamKeepalive,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	// Streams outlive the request timeout.
	r.Get("/api/v1/requests/{requestID}/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/health", s.handleHealth)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/requests", func(r chi.Router) {
				r.Get("/", s.handleListRequests)
				r.Post("/", s.handleCreateRequest)

				r.Route("/{requestID}", func(r chi.Router) {
					r.Get("/", s.handleGetRequest)
					r.Delete("/", s.handleCancelRequest)
					r.Get("/events", s.handleDrainEvents)
					r.Get("/approval", s.handleGetApproval)
					r.Put("/approval", s.handleSubmitApproval)
				})
			})

			r.Get("/approvals", s.handleListApprovals)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Delete("/{requestID}", s.handleReleaseSession)
				r.Post("/{requestID}/probe", s.handleProbeSession)
			})

			r.Get("/metrics", s.handleMetrics)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string                `json:"status"`
	Time        string                `json:"time"`
	Version     string                `json:"version"`
	Provisioner string                `json:"provisioner,omitempty"`
	Sessions    int                   `json:"sessions"`
	Approvals   int                   `json:"pending_approvals"`
	System      *diagnostics.Snapshot `json:"system,omitempty"`
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Time:        time.Now().UTC().Format(time.RFC3339),
		Version:     s.version,
		Provisioner: s.provisioner,
		Sessions:    len(s.runtime.Sessions()),
		Approvals:   len(s.runtime.Tickets()),
	}
	if s.diagnostics != nil {
		snap := s.diagnostics.Collect()
		resp.System = &snap
		if len(snap.Warnings) > 0 {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleMetrics returns runtime counters aggregated from the event stream.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, MetricsResponse{
		Snapshot:       s.runtime.Metrics().Snapshot(),
		RejectedEvents: s.runtime.Bus().RejectedCount(),
	})
}

// MetricsResponse is the body of GET /api/v1/metrics.
type MetricsResponse struct {
	service.Snapshot
	RejectedEvents int64 `json:"rejected_events"`
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
