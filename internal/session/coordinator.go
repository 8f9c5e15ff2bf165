// Package session leases remote execution workers to requests.
//
// Each request owns at most one live session. A session is created on first
// Acquire, reused by later Acquire calls from the same request, and torn down
// by Release, by the idle reaper, or by Close. Sessions are never shared
// between requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// teardownTimeout bounds worker teardown once the caller's context is gone.
const teardownTimeout = 30 * time.Second

// Release reasons.
const (
	ReasonReleased = "released"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Config tunes the coordinator.
type Config struct {
	ProvisionCeiling time.Duration
	ProbeInterval    time.Duration
	ExecuteTimeout   time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		ProvisionCeiling: time.Minute,
		ProbeInterval:    2 * time.Second,
		ExecuteTimeout:   300 * time.Second,
	}
}

type entry struct {
	mu       sync.Mutex
	session  *core.ExecutionSession
	instance Instance
	removed  bool
	inflight int // Execute calls currently on the worker
}

// Coordinator owns the request -> session table.
type Coordinator struct {
	cfg         Config
	provisioner Provisioner
	client      WorkerClient
	publisher   events.Publisher
	clock       clockwork.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[core.RequestID]*entry
	group   singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects the clock used for activity timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.logger = l
		}
	}
}

// WithPublisher sets where session events go.
func WithPublisher(p events.Publisher) Option {
	return func(co *Coordinator) { co.publisher = p }
}

// NewCoordinator creates a coordinator that provisions workers with prov and
// talks to them through client.
func NewCoordinator(cfg Config, prov Provisioner, client WorkerClient, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ProvisionCeiling <= 0 {
		cfg.ProvisionCeiling = def.ProvisionCeiling
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = def.ExecuteTimeout
	}
	c := &Coordinator{
		cfg:         cfg,
		provisioner: prov,
		client:      client,
		clock:       clockwork.NewRealClock(),
		logger:      logging.NewNop().Logger,
		entries:     make(map[core.RequestID]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provisioner returns the provisioner name.
func (c *Coordinator) Provisioner() string { return c.provisioner.Name() }

func (c *Coordinator) publish(eventType string, s *core.ExecutionSession, reason string) {
	if c.publisher != nil {
		c.publisher.Publish(s.RequestID, events.NewSessionEvent(eventType, s, reason))
	}
}

func (c *Coordinator) entryFor(id core.RequestID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

func (c *Coordinator) lookup(id core.RequestID) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// lock returns the current entry of id, locked. Entries removed by a
// concurrent Release are skipped.
func (c *Coordinator) lock(id core.RequestID) *entry {
	for {
		e := c.entryFor(id)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// Acquire returns the live session of the request, provisioning one if
// needed. Concurrent calls for the same request share one provisioning.
func (c *Coordinator) Acquire(ctx context.Context, id core.RequestID) (*core.ExecutionSession, error) {
	v, err, _ := c.group.Do(string(id), func() (interface{}, error) {
		return c.acquire(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*core.ExecutionSession)
	return &s, nil
}

func (c *Coordinator) acquire(ctx context.Context, id core.RequestID) (*core.ExecutionSession, error) {
	e := c.lock(id)
	defer e.mu.Unlock()

	if s := e.session; s != nil {
		if s.State != core.SessionHealthy {
			return nil, core.ErrSessionUnhealthy(id, s.ID)
		}
		s.LastActivity = c.clock.Now()
		cp := *s
		return &cp, nil
	}

	sessionID := uuid.NewString()
	logger := c.logger.With(logging.KeyRequest, string(id), logging.KeySession, sessionID)
	now := c.clock.Now()
	s := &core.ExecutionSession{
		ID:            sessionID,
		RequestID:     id,
		AffinityToken: sessionID,
		State:         core.SessionProvisioning,
		CreatedAt:     now,
		LastActivity:  now,
	}

	inst, err := c.provisioner.Provision(ctx, Spec{RequestID: id, SessionID: sessionID})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.ErrProvision(id, "provisioning worker: "+err.Error()).WithCause(err)
	}
	s.WorkerID = inst.ID
	s.Address = inst.Address
	logger.Info("worker provisioned", "provisioner", c.provisioner.Name(), "worker", inst.ID, "address", inst.Address)

	if err := c.waitHealthy(ctx, inst, logger); err != nil {
		c.teardown(ctx, inst, logger)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.ErrProvision(id,
			fmt.Sprintf("worker %s not healthy within %s", inst.Address, c.cfg.ProvisionCeiling)).WithCause(err)
	}

	if err := c.client.OpenSession(ctx, inst.Address, sessionID); err != nil {
		c.teardown(ctx, inst, logger)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.ErrRouting(id, "establishing session affinity: "+err.Error()).WithCause(err)
	}

	// Cancelled while the worker came up: do not keep it.
	if ctx.Err() != nil {
		c.teardown(ctx, inst, logger)
		return nil, ctx.Err()
	}

	s.State = core.SessionHealthy
	s.LastActivity = c.clock.Now()
	e.session = s
	e.instance = inst
	c.publish(events.TypeSessionAcquired, s, "")
	logger.Info("session acquired", "address", inst.Address)

	cp := *s
	return &cp, nil
}

// waitHealthy polls the worker's health endpoint until it answers or the
// provisioning ceiling is reached.
func (c *Coordinator) waitHealthy(ctx context.Context, inst Instance, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProvisionCeiling)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ProbeInterval
	b.MaxInterval = 4 * c.cfg.ProbeInterval
	b.MaxElapsedTime = c.cfg.ProvisionCeiling

	attempts := 0
	return backoff.RetryNotify(func() error {
		attempts++
		_, err := c.client.Health(ctx, inst.Address)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(errors.Join(err, ctx.Err()))
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Debug("worker not ready", "attempt", attempts, "retry_in", next, "error", err)
	})
}

func (c *Coordinator) teardown(ctx context.Context, inst Instance, logger *slog.Logger) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := c.provisioner.Teardown(tctx, inst); err != nil {
		logger.Warn("worker teardown failed", "worker", inst.ID, "error", err)
	}
}

// Execute runs cmd on the session's worker. The call is bounded by the
// command timeout, or the configured default. On timeout the session is
// marked unhealthy and left for the caller to release.
func (c *Coordinator) Execute(ctx context.Context, s *core.ExecutionSession, cmd core.Command) (core.ExecutionResult, error) {
	e, ok := c.lookup(s.RequestID)
	if !ok {
		return core.ExecutionResult{}, core.ErrState(core.CodeSessionMismatch,
			fmt.Sprintf("no live session for request %s", s.RequestID))
	}
	e.mu.Lock()
	live := e.session
	if live == nil || live.ID != s.ID {
		e.mu.Unlock()
		return core.ExecutionResult{}, core.ErrState(core.CodeSessionMismatch,
			fmt.Sprintf("session %s is not the live session of request %s", s.ID, s.RequestID))
	}
	if live.State != core.SessionHealthy {
		e.mu.Unlock()
		return core.ExecutionResult{}, core.ErrSessionUnhealthy(s.RequestID, s.ID)
	}
	addr := live.Address
	live.LastActivity = c.clock.Now()
	e.inflight++
	e.mu.Unlock()
	defer c.finishExecute(e, s.ID)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ExecuteTimeout
		cmd.Timeout = timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.client.Execute(callCtx, addr, s.ID, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return core.ExecutionResult{}, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.markUnhealthy(s.RequestID, s.ID, fmt.Sprintf("execution exceeded %s", timeout))
			return core.ExecutionResult{}, core.ErrExecutionTimeout(s.ID, timeout).WithCause(err)
		}
		return core.ExecutionResult{}, core.ErrNetwork("remote execution failed: " + err.Error()).WithCause(err)
	}
	return res, nil
}

// finishExecute ends an in-flight call and restarts the idle clock.
func (c *Coordinator) finishExecute(e *entry, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.session != nil && e.session.ID == sessionID {
		e.session.LastActivity = c.clock.Now()
	}
}

func (c *Coordinator) markUnhealthy(id core.RequestID, sessionID, reason string) {
	e, ok := c.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil || s.ID != sessionID || s.State == core.SessionUnhealthy {
		return
	}
	s.State = core.SessionUnhealthy
	s.StateMessage = reason
	c.publish(events.TypeSessionUnhealthy, s, reason)
	c.logger.Warn("session marked unhealthy", logging.KeyRequest, string(id), logging.KeySession, sessionID, "reason", reason)
}

// Probe checks the worker of the request's session. A failed check marks
// the session unhealthy; a passing one never revives an unhealthy session,
// which stays unhealthy until released.
func (c *Coordinator) Probe(ctx context.Context, id core.RequestID) (core.SessionState, error) {
	e, ok := c.lookup(id)
	if !ok {
		return "", core.ErrNotFound("session", string(id))
	}
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return "", core.ErrNotFound("session", string(id))
	}
	addr, sessionID := s.Address, s.ID
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeInterval*4)
	defer cancel()
	if _, err := c.client.Health(pctx, addr); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.markUnhealthy(id, sessionID, "health probe failed: "+err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.ID != sessionID {
		return core.SessionReleased, nil
	}
	return e.session.State, nil
}

// Release tears down the request's session. Releasing a request without a
// session is a no-op.
func (c *Coordinator) Release(ctx context.Context, id core.RequestID) error {
	return c.release(ctx, id, ReasonReleased)
}

func (c *Coordinator) release(ctx context.Context, id core.RequestID, reason string) error {
	_, err := c.releaseIf(ctx, id, reason, nil)
	return err
}

// releaseIfIdle releases the request's session only if it is still
// sessionID, has no execution in flight and saw no activity after cutoff.
func (c *Coordinator) releaseIfIdle(ctx context.Context, id core.RequestID, sessionID string, cutoff time.Time) (bool, error) {
	return c.releaseIf(ctx, id, ReasonIdle, func(e *entry) bool {
		s := e.session
		return s != nil && s.ID == sessionID && e.inflight == 0 && !s.LastActivity.After(cutoff)
	})
}

// releaseIf tears the entry down when cond, evaluated under the entry lock,
// holds. A nil cond always releases.
func (c *Coordinator) releaseIf(ctx context.Context, id core.RequestID, reason string, cond func(*entry) bool) (bool, error) {
	e, ok := c.lookup(id)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false, nil
	}
	if cond != nil && !cond(e) {
		return false, nil
	}
	e.removed = true
	c.mu.Lock()
	if c.entries[id] == e {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	s := e.session
	if s == nil {
		return false, nil
	}
	e.session = nil
	logger := c.logger.With(logging.KeyRequest, string(id), logging.KeySession, s.ID)

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	err := c.provisioner.Teardown(tctx, e.instance)

	s.State = core.SessionReleased
	c.publish(events.TypeSessionReleased, s, reason)
	if err != nil {
		logger.Warn("session released with teardown error", "reason", reason, "error", err)
		return true, fmt.Errorf("tearing down worker %s: %w", e.instance.ID, err)
	}
	logger.Info("session released", "reason", reason)
	return true, nil
}

// Get returns a snapshot of the request's session.
func (c *Coordinator) Get(id core.RequestID) (core.ExecutionSession, bool) {
	e, ok := c.lookup(id)
	if !ok {
		return core.ExecutionSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return core.ExecutionSession{}, false
	}
	return *e.session, true
}

// List returns snapshots of all live sessions, oldest first.
func (c *Coordinator) List() []core.ExecutionSession {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]core.ExecutionSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil {
			out = append(out, *e.session)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close releases every live session in parallel.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]core.RequestID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return c.release(gctx, id, ReasonShutdown)
		})
	}
	return g.Wait()
}
