package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/control"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/pipeline"
)

// cleanupTimeout bounds the finally path of a run.
const cleanupTimeout = 30 * time.Second

// Cancellation reasons.
const (
	ReasonUserCancelled = "cancelled by user"
	ReasonShutdown      = "runtime shutting down"
	ReasonInterrupted   = "interrupted by restart"
)

// SessionManager is the session surface the runtime needs.
type SessionManager interface {
	pipeline.Sessions
	Get(id core.RequestID) (core.ExecutionSession, bool)
	List() []core.ExecutionSession
	Probe(ctx context.Context, id core.RequestID) (core.SessionState, error)
	Close(ctx context.Context) error
}

// RuntimeDeps are the collaborators of a Runtime.
type RuntimeDeps struct {
	Agent    core.AgentStep
	Sessions SessionManager
	Mailbox  core.Mailbox
	Store    core.RequestStore
	Bus      *events.Bus
	// Metrics observes everything published; one forwarding to Bus is
	// created when nil.
	Metrics  *MetricsCollector
	Approval approval.Config
	// GateOptions are passed to the approval gate (clock injection in tests).
	GateOptions       []approval.Option
	Retry             *RetryPolicy
	MaxToolIterations int
	MaxHops           int
	// Retention is how long finished runs stay in memory.
	Retention time.Duration
	Logger    *logging.Logger
}

// RequestView is a point-in-time view of one request.
type RequestView struct {
	Request core.WorkflowRequest   `json:"request"`
	State   *core.SharedState      `json:"state,omitempty"`
	Ticket  *core.ApprovalTicket   `json:"approval,omitempty"`
	Session *core.ExecutionSession `json:"session,omitempty"`
	Control *control.Status        `json:"control,omitempty"`
}

type run struct {
	req      core.WorkflowRequest
	snapshot *core.SharedState
	cp       *control.ControlPlane
	done     chan struct{}
	err      error
}

// Runtime runs workflow requests, one serial graph run per request and many
// requests concurrently.
type Runtime struct {
	graph    *graph.Graph
	sessions SessionManager
	mailbox  core.Mailbox
	store    core.RequestStore
	bus      *events.Bus
	metrics  *MetricsCollector
	tickets  *approval.Tickets
	controls *control.Registry
	gateCfg  approval.Config
	maxHops  int
	logger   *logging.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	runs     map[core.RequestID]*run
	finished *cache.Cache
	closed   bool
	wg       sync.WaitGroup
}

// NewRuntime wires the workflow graph and returns a runtime ready to accept
// requests. When the mailbox can report writes, feedback arriving out of band
// wakes the waiting gate early.
func NewRuntime(d RuntimeDeps) (*Runtime, error) {
	if d.Sessions == nil || d.Mailbox == nil || d.Store == nil || d.Bus == nil {
		return nil, errors.New("runtime: sessions, mailbox, store and bus are required")
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Retry == nil {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetricsCollector(d.Bus)
	}
	if d.Retention <= 0 {
		d.Retention = events.DefaultRetention
	}
	def := approval.DefaultConfig()
	if d.Approval.MaxRevisions <= 0 {
		d.Approval.MaxRevisions = def.MaxRevisions
	}

	r := &Runtime{
		sessions: d.Sessions,
		mailbox:  d.Mailbox,
		store:    d.Store,
		bus:      d.Bus,
		metrics:  d.Metrics,
		tickets:  approval.NewTickets(),
		controls: control.NewRegistry(),
		maxHops:  d.MaxHops,
		logger:   d.Logger.WithComponent("runtime"),
		runs:     make(map[core.RequestID]*run),
		finished: cache.New(d.Retention, d.Retention/2),
	}

	gateOpts := append([]approval.Option{
		approval.WithLogger(d.Logger.Logger),
		approval.WithNudges(r.controls.Nudges),
	}, d.GateOptions...)
	gate := approval.NewGate(d.Approval, d.Mailbox, r.tickets, d.Metrics, gateOpts...)
	r.gateCfg = gate.Config()

	g, err := pipeline.Build(pipeline.Deps{
		Agent:             d.Agent,
		Sessions:          d.Sessions,
		Gate:              gate,
		Publisher:         d.Metrics,
		Retry:             d.Retry.Execute,
		MaxToolIterations: d.MaxToolIterations,
		Logger:            d.Logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.graph = g

	if err := r.recoverInterrupted(); err != nil {
		return nil, err
	}

	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	if w, ok := d.Mailbox.(core.MailboxWatcher); ok {
		if err := r.watchMailbox(w); err != nil {
			r.logger.Warn("mailbox watch unavailable, relying on polling", "error", err)
		}
	}
	return r, nil
}

// recoverInterrupted fails every request a previous process left unfinished.
// Nothing in this process owns those runs, so they can never complete.
func (r *Runtime) recoverInterrupted() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	open, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("listing interrupted requests: %w", err)
	}
	for _, req := range open {
		prev := req.Status
		if err := req.Transition(core.RequestStatusFailed, ReasonInterrupted); err != nil {
			continue
		}
		if err := r.store.SaveRequest(ctx, req); err != nil {
			r.logger.Warn("marking interrupted request failed", "request_id", req.ID, "error", err)
			continue
		}
		r.logger.Info("request interrupted by restart", "request_id", req.ID, "previous_status", prev)
	}
	return nil
}

// Graph returns the workflow graph.
func (r *Runtime) Graph() *graph.Graph { return r.graph }

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Metrics returns the runtime metrics.
func (r *Runtime) Metrics() *MetricsCollector { return r.metrics }

// ApprovalConfig returns the effective gate configuration.
func (r *Runtime) ApprovalConfig() approval.Config { return r.gateCfg }

// Submit starts a run for a new request. An empty id gets a generated one.
// Submitting an id that is already known fails with a conflict.
func (r *Runtime) Submit(ctx context.Context, id core.RequestID, input string, prior []core.Message) (core.RequestID, error) {
	req := core.NewWorkflowRequest(id, input, prior)
	if err := req.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", core.ErrState(core.CodeInvalidState, "runtime is shut down")
	}
	if _, live := r.runs[req.ID]; live {
		r.mu.Unlock()
		return "", core.ErrConflict(core.CodeRequestRunning, "request "+string(req.ID)+" is already running")
	}
	if _, done := r.finished.Get(string(req.ID)); done {
		r.mu.Unlock()
		return "", core.ErrConflict(core.CodeRequestRunning, "request "+string(req.ID)+" already exists")
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	cp := control.New(cancel)
	if !r.controls.Register(req.ID, cp) {
		r.mu.Unlock()
		cancel()
		return "", core.ErrConflict(core.CodeRequestRunning, "request "+string(req.ID)+" is already running")
	}
	_ = req.Transition(core.RequestStatusRunning, "")
	state := core.NewSharedState(req)
	rn := &run{req: *req, snapshot: state.Clone(), cp: cp, done: make(chan struct{})}
	r.runs[req.ID] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.store.SaveRequest(ctx, req); err != nil {
		r.logger.Warn("persisting request failed", logging.KeyRequest, string(req.ID), "error", err)
	}
	r.bus.Open(req.ID)
	r.metrics.Publish(req.ID, events.NewRequestStartedEvent(req.ID, req.Input))
	r.logger.Info("request started", logging.KeyRequest, string(req.ID))

	go r.execute(runCtx, rn, req, state)
	return req.ID, nil
}

func (r *Runtime) execute(ctx context.Context, rn *run, req *core.WorkflowRequest, state *core.SharedState) {
	defer r.wg.Done()
	start := time.Now()

	opts := []graph.Option{
		graph.WithLogger(r.logger.Logger),
		graph.WithCheckpoint(func(ctx context.Context, s *core.SharedState) error {
			snap := s.Clone()
			r.mu.Lock()
			rn.snapshot = snap
			r.mu.Unlock()
			return r.store.SaveCheckpoint(ctx, snap)
		}),
	}
	if r.maxHops > 0 {
		opts = append(opts, graph.WithMaxHops(r.maxHops))
	}

	status, err := graph.NewExecutor(r.graph, r.metrics, opts...).Run(ctx, req, state)
	r.finish(ctx, rn, req, state, status, err, time.Since(start))
}

// finish is the cleanup path shared by every outcome.
func (r *Runtime) finish(ctx context.Context, rn *run, req *core.WorkflowRequest, state *core.SharedState,
	status core.RequestStatus, runErr error, elapsed time.Duration) {
	id := req.ID
	logger := r.logger.WithRequest(string(id))
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := r.sessions.Release(cleanupCtx, id); err != nil {
		logger.Warn("releasing session failed", "error", err)
	}
	r.tickets.Forget(id)

	var reason string
	switch status {
	case core.RequestStatusCompleted:
		r.metrics.Publish(id, events.NewRequestCompletedEvent(id, elapsed, state.Clone().Artifacts))
	case core.RequestStatusCancelled:
		reason = rn.cp.CancelReason()
		if reason == "" {
			reason = ReasonShutdown
		}
		addr := approval.Address(r.gateCfg.KeyPrefix, id)
		if err := r.mailbox.Delete(cleanupCtx, addr); err != nil {
			logger.Warn("purging mailbox failed", "address", addr, "error", err)
		}
		r.metrics.Publish(id, events.NewRequestCancelledEvent(id, reason))
	default:
		status = core.RequestStatusFailed
		var node, code string
		node, code, reason = failure(runErr)
		r.metrics.Publish(id, events.NewRequestFailedEvent(id, node, code, reason))
	}
	r.bus.Complete(id)

	_ = req.Transition(status, reason)
	if err := r.store.SaveRequest(cleanupCtx, req); err != nil {
		logger.Warn("persisting request failed", "error", err)
	}
	snap := state.Clone()
	if err := r.store.SaveCheckpoint(cleanupCtx, snap); err != nil {
		logger.Warn("persisting final state failed", "error", err)
	}

	r.mu.Lock()
	rn.req = *req
	rn.snapshot = snap
	rn.err = runErr
	delete(r.runs, id)
	r.finished.SetDefault(string(id), rn)
	r.mu.Unlock()
	r.controls.Remove(id)
	close(rn.done)

	logger.Info("request finished", "status", status, "reason", reason, "duration", elapsed.Round(time.Millisecond))
}

// failure extracts the failing node, a code and a readable reason from a run error.
func failure(err error) (node, code, reason string) {
	if err == nil {
		return "", core.CodeStepFailed, "run stopped without a result"
	}
	code = core.CodeStepFailed
	var de *core.DomainError
	if !errors.As(err, &de) {
		return "", code, err.Error()
	}
	node, _ = de.Details["node"].(string)
	if de.Cause == nil {
		return node, de.Code, de.Message
	}
	var inner *core.DomainError
	if errors.As(de.Cause, &inner) {
		code = inner.Code
	}
	if node != "" {
		return node, code, fmt.Sprintf("%s: %v", node, de.Cause)
	}
	return node, code, de.Cause.Error()
}

func (r *Runtime) lookup(id core.RequestID) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runs[id]; ok {
		return rn, true
	}
	if v, ok := r.finished.Get(string(id)); ok {
		return v.(*run), true
	}
	return nil, false
}

// Get returns the current view of a request. Requests no longer held in
// memory are loaded from the store.
func (r *Runtime) Get(ctx context.Context, id core.RequestID) (*RequestView, error) {
	rn, ok := r.lookup(id)
	if !ok {
		rec, err := r.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		return &RequestView{Request: *rec.Request, State: rec.State}, nil
	}

	r.mu.Lock()
	view := &RequestView{Request: rn.req, State: rn.snapshot}
	r.mu.Unlock()

	if !view.Request.Status.IsTerminal() {
		if t, ok := r.tickets.Get(id); ok {
			view.Ticket = &t
			view.Request.Status = core.RequestStatusAwaitingApproval
		}
		st := rn.cp.Status()
		view.Control = &st
	}
	if s, ok := r.sessions.Get(id); ok {
		view.Session = &s
	}
	return view, nil
}

// List returns recent requests from the store, newest first.
func (r *Runtime) List(ctx context.Context, limit int) ([]*core.WorkflowRequest, error) {
	return r.store.List(ctx, limit)
}

// Wait blocks until the request reaches a terminal state and returns its
// final view along with the run error, if any.
func (r *Runtime) Wait(ctx context.Context, id core.RequestID) (*RequestView, error) {
	rn, ok := r.lookup(id)
	if !ok {
		return r.Get(ctx, id)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rn.done:
	}
	view, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return view, rn.err
}

// Cancel stops a running request.
func (r *Runtime) Cancel(id core.RequestID, reason string) error {
	rn, ok := r.lookup(id)
	if !ok {
		return core.ErrNotFound("request", string(id))
	}
	select {
	case <-rn.done:
		return core.ErrState(core.CodeInvalidState, "request "+string(id)+" already finished")
	default:
	}
	if reason == "" {
		reason = ReasonUserCancelled
	}
	rn.cp.Cancel(reason)
	r.logger.Info("request cancel requested", logging.KeyRequest, string(id), "reason", reason)
	return nil
}

// Ticket returns the live approval ticket of a request.
func (r *Runtime) Ticket(id core.RequestID) (core.ApprovalTicket, bool) {
	return r.tickets.Get(id)
}

// Tickets lists every live approval ticket.
func (r *Runtime) Tickets() []core.ApprovalTicket {
	return r.tickets.List()
}

// SubmitFeedback writes reviewer feedback to the live ticket's address and
// wakes the gate. It fails with a conflict when no ticket is live.
func (r *Runtime) SubmitFeedback(ctx context.Context, id core.RequestID, fb core.ApprovalFeedback) error {
	t, ok := r.tickets.Get(id)
	if !ok {
		if _, known := r.lookup(id); !known {
			if _, err := r.store.Load(ctx, id); err != nil {
				return err
			}
		}
		return core.ErrConflict(core.CodeNoLiveTicket, "no approval pending for request "+string(id))
	}
	if err := approval.Submit(ctx, r.mailbox, t.Address, fb); err != nil {
		return err
	}
	if cp, ok := r.controls.Get(id); ok {
		cp.Nudge()
	}
	return nil
}

// Sessions lists the leased execution sessions.
func (r *Runtime) Sessions() []core.ExecutionSession {
	return r.sessions.List()
}

// ProbeSession health-checks the session of a request and returns its
// snapshot afterwards.
func (r *Runtime) ProbeSession(ctx context.Context, id core.RequestID) (core.ExecutionSession, error) {
	state, err := r.sessions.Probe(ctx, id)
	if err != nil {
		return core.ExecutionSession{}, err
	}
	s, ok := r.sessions.Get(id)
	if !ok {
		return core.ExecutionSession{}, core.ErrNotFound("session", string(id))
	}
	s.State = state
	return s, nil
}

// ReleaseSession releases the session of a request. A running request
// acquires a fresh session on its next tool step.
func (r *Runtime) ReleaseSession(ctx context.Context, id core.RequestID) error {
	if _, ok := r.sessions.Get(id); !ok {
		return core.ErrNotFound("session", string(id))
	}
	return r.sessions.Release(ctx, id)
}

// Shutdown cancels in-flight runs, waits for their cleanup and releases every
// remaining session.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.controls.CancelAll(ReasonShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}

	r.baseCancel()
	return errors.Join(waitErr, r.sessions.Close(ctx))
}

func (r *Runtime) watchMailbox(w core.MailboxWatcher) error {
	keys, err := w.Watch(r.baseCtx)
	if err != nil {
		return err
	}
	go func() {
		for key := range keys {
			id, ok := approval.RequestFromAddress(r.gateCfg.KeyPrefix, key)
			if !ok {
				continue
			}
			if cp, ok := r.controls.Get(id); ok {
				cp.Nudge()
			}
		}
	}()
	return nil
}
