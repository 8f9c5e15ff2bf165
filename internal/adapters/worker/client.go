// Package worker is the HTTP client for remote execution workers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// SessionHeader carries the affinity token on every session-scoped call.
const SessionHeader = "X-Session-ID"

// Health is the worker's /health response.
type Health struct {
	Status            string   `json:"status"`
	Timestamp         int64    `json:"timestamp"`
	PythonVersion     string   `json:"python_version,omitempty"`
	InstalledPackages []string `json:"installed_packages,omitempty"`
}

// Healthy reports whether the worker declared itself healthy.
func (h Health) Healthy() bool { return h.Status == "healthy" }

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

type sessionResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	ContainerID string `json:"container_id"`
}

type executeRequest struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Timeout int    `json:"timeout"`
}

type executeResponse struct {
	Output        string  `json:"output"`
	Status        string  `json:"status"`
	ExecutionTime float64 `json:"execution_time"`
	ReturnCode    *int    `json:"return_code"`
	Error         string  `json:"error"`
}

// Client talks to workers over HTTP. The worker address is passed per call
// so one client serves every session.
type Client struct {
	http           *resty.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout bounds control calls (health, session, reset).
// Execute is bounded by the caller's context instead.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the underlying resty client.
func WithHTTPClient(rc *resty.Client) Option {
	return func(c *Client) {
		if rc != nil {
			c.http = rc
		}
	}
}

// New creates a worker client.
func New(opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json"),
		requestTimeout: 30 * time.Second,
		logger:         logging.NewNop().Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpoint(addr, path string) string {
	return strings.TrimSuffix(addr, "/") + path
}

func (c *Client) controlContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context, addr string) (Health, error) {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()

	var out Health
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(endpoint(addr, "/health"))
	if err != nil {
		return Health{}, fmt.Errorf("probing %s: %w", addr, err)
	}
	if resp.IsError() {
		return Health{}, fmt.Errorf("probing %s: status %d", addr, resp.StatusCode())
	}
	if !out.Healthy() {
		return out, fmt.Errorf("worker %s reports status %q", addr, out.Status)
	}
	return out, nil
}

// OpenSession registers sessionID with the worker (POST /session get_or_create).
func (c *Client) OpenSession(ctx context.Context, addr, sessionID string) error {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()

	var out sessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(SessionHeader, sessionID).
		SetBody(sessionRequest{SessionID: sessionID, Action: "get_or_create"}).
		SetResult(&out).
		SetError(&out).
		Post(endpoint(addr, "/session"))
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", addr, err)
	}
	if resp.IsError() || out.Status != "success" {
		return fmt.Errorf("opening session on %s: status %d: %s", addr, resp.StatusCode(), out.Message)
	}
	if out.SessionID != "" && out.SessionID != sessionID {
		return fmt.Errorf("worker %s answered for session %s, want %s", addr, out.SessionID, sessionID)
	}
	c.logger.Debug("worker session opened", logging.KeySession, sessionID, "worker", out.ContainerID)
	return nil
}

// Execute runs cmd on the worker (POST /execute). A worker that reports an
// error status still yields a result; only transport failures are errors.
func (c *Client) Execute(ctx context.Context, addr, sessionID string, cmd core.Command) (core.ExecutionResult, error) {
	kind := cmd.Type
	if kind == "" {
		kind = core.CommandPython
	}
	body := executeRequest{Code: cmd.Code, Type: kind}
	if cmd.Timeout > 0 {
		body.Timeout = int(cmd.Timeout.Round(time.Second) / time.Second)
	}

	var out executeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(SessionHeader, sessionID).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(endpoint(addr, "/execute"))
	if err != nil {
		return core.ExecutionResult{}, fmt.Errorf("executing on %s: %w", addr, err)
	}
	if resp.StatusCode() >= 500 || (resp.IsError() && out.Error == "") {
		return core.ExecutionResult{}, fmt.Errorf("executing on %s: status %d", addr, resp.StatusCode())
	}

	res := core.ExecutionResult{
		Output:   out.Output,
		Status:   out.Status,
		Duration: time.Duration(out.ExecutionTime * float64(time.Second)),
	}
	switch {
	case out.ReturnCode != nil:
		res.ExitStatus = *out.ReturnCode
	case out.Status == "error" || out.Error != "":
		res.ExitStatus = 1
	}
	if out.Error != "" && res.Output == "" {
		res.Output = out.Error
		res.Status = "error"
	}
	return res, nil
}

// Reset clears interpreter state on the worker (POST /reset).
func (c *Client) Reset(ctx context.Context, addr string) error {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		Post(endpoint(addr, "/reset"))
	if err != nil {
		return fmt.Errorf("resetting %s: %w", addr, err)
	}
	if resp.IsError() {
		return fmt.Errorf("resetting %s: status %d", addr, resp.StatusCode())
	}
	return nil
}
