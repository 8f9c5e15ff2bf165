// Package approval implements the human review gate that pauses a workflow
// until a reviewer answers through a poll-based mailbox.
//
// A ticket moves Created -> Waiting -> {Approved | Revise | AutoApproved}.
// Feedback is stale only when it names a different plan revision; reviewer
// clocks are not trusted. Leftovers from an earlier ticket are purged before
// waiting. Reviewer feedback is deleted from the mailbox before it is applied. When
// the delete fails the payload fingerprint is remembered for the request, so
// reading the same payload again retries the delete instead of applying it a
// second time.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/graph"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// NodeName is the graph name of the gate.
const NodeName = "plan_reviewer"

// cleanupTimeout bounds mailbox cleanup after the run context has ended.
const cleanupTimeout = 5 * time.Second

// Config tunes the gate.
type Config struct {
	PollInterval   time.Duration
	Timeout        time.Duration
	MaxRevisions   int
	KeepaliveEvery int
	KeyPrefix      string
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		Timeout:        300 * time.Second,
		MaxRevisions:   10,
		KeepaliveEvery: 2,
		KeyPrefix:      DefaultKeyPrefix,
	}
}

// NudgeFunc returns a channel that is signalled when feedback for a request
// may have arrived. A nil channel disables nudging.
type NudgeFunc func(id core.RequestID) <-chan struct{}

// Gate is the plan_reviewer node.
type Gate struct {
	cfg       Config
	mailbox   core.Mailbox
	tickets   *Tickets
	publisher events.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	nudges    NudgeFunc
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects the clock used for polling and deadlines.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithNudges lets callers trigger an early poll.
func WithNudges(fn NudgeFunc) Option {
	return func(g *Gate) { g.nudges = fn }
}

// NewGate creates the approval gate.
func NewGate(cfg Config, mb core.Mailbox, tickets *Tickets, pub events.Publisher, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.KeepaliveEvery <= 0 {
		cfg.KeepaliveEvery = def.KeepaliveEvery
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	g := &Gate{
		cfg:       cfg,
		mailbox:   mb,
		tickets:   tickets,
		publisher: pub,
		clock:     clockwork.NewRealClock(),
		logger:    logging.NewNop().Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name implements graph.Node.
func (g *Gate) Name() string { return NodeName }

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Run opens a ticket for the current plan and waits for a decision. The
// outcome is stored in state.Approval; on Revise the reviewer notes are in
// state.Feedback and state.Revision has been incremented.
func (g *Gate) Run(ctx context.Context, state *core.SharedState) (graph.Result, error) {
	id := state.RequestID
	logger := g.logger.With(logging.KeyRequest, string(id), logging.KeyNode, NodeName)

	if state.Revision >= g.cfg.MaxRevisions {
		return g.autoApprove(state, core.AutoApproveMaxRevisions), nil
	}

	addr := Address(g.cfg.KeyPrefix, id)
	if err := g.mailbox.Delete(ctx, addr); err != nil {
		logger.Warn("purging stale feedback failed", "address", addr, "error", err)
	}

	now := g.clock.Now()
	ticket := &core.ApprovalTicket{
		RequestID: id,
		Plan:      state.Plan,
		Revision:  state.Revision,
		State:     core.TicketCreated,
		CreatedAt: now,
		Deadline:  now.Add(g.cfg.Timeout),
		Address:   addr,
	}
	if err := g.tickets.Open(ticket); err != nil {
		return graph.Result{}, err
	}
	defer g.tickets.Close(id)

	g.publisher.Publish(id, events.NewApprovalRequestedEvent(ticket, g.cfg.MaxRevisions, seconds(g.cfg.Timeout)))
	g.tickets.SetState(id, core.TicketWaiting)
	ticket.State = core.TicketWaiting
	logger.Info("awaiting plan approval", "revision", ticket.Revision, "address", addr, "deadline", ticket.Deadline)

	var nudge <-chan struct{}
	if g.nudges != nil {
		nudge = g.nudges(id)
	}

	emptyPolls := 0
	for {
		timer := g.clock.NewTimer(g.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.abandon(ctx, id, addr, logger)
			return graph.Result{}, ctx.Err()
		case <-timer.Chan():
		case <-nudge:
			timer.Stop()
		}

		fb, ok := g.poll(ctx, ticket, logger)
		if ok {
			return g.resolve(state, ticket, fb), nil
		}

		emptyPolls++
		now := g.clock.Now()
		if emptyPolls%g.cfg.KeepaliveEvery == 0 {
			elapsed := now.Sub(ticket.CreatedAt)
			remaining := ticket.Deadline.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			g.publisher.Publish(id, events.NewApprovalKeepaliveEvent(id,
				seconds(elapsed), seconds(remaining), seconds(g.cfg.Timeout)))
		}
		if ticket.Expired(now) {
			logger.Info("approval deadline reached", "timeout", g.cfg.Timeout)
			return g.autoApprove(state, core.AutoApproveTimeout), nil
		}
	}
}

// poll reads the mailbox once. ok is true when applicable feedback was read.
func (g *Gate) poll(ctx context.Context, ticket *core.ApprovalTicket, logger *slog.Logger) (core.ApprovalFeedback, bool) {
	id := ticket.RequestID
	payload, found, err := g.mailbox.Get(ctx, ticket.Address)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("polling mailbox failed", "address", ticket.Address, "error", err)
		}
		return core.ApprovalFeedback{}, false
	}
	if !found {
		return core.ApprovalFeedback{}, false
	}

	fp := fingerprint(payload)
	if g.tickets.Consumed(id, fp) {
		if err := g.mailbox.Delete(ctx, ticket.Address); err != nil {
			logger.Warn("retrying delete of consumed feedback failed", "error", err)
		}
		return core.ApprovalFeedback{}, false
	}

	if err := g.mailbox.Delete(ctx, ticket.Address); err != nil {
		logger.Warn("deleting feedback failed, marking consumed", "address", ticket.Address, "error", err)
		g.tickets.MarkConsumed(id, fp)
	}

	var fb core.ApprovalFeedback
	if err := json.Unmarshal(payload, &fb); err != nil {
		g.discard(id, "malformed feedback payload: "+err.Error(), logger)
		return core.ApprovalFeedback{}, false
	}
	if fb.Revision != nil && *fb.Revision != ticket.Revision {
		g.discard(id, core.ErrStaleFeedback(ticket.Revision, *fb.Revision).Message, logger)
		return core.ApprovalFeedback{}, false
	}
	return fb, true
}

func (g *Gate) discard(id core.RequestID, reason string, logger *slog.Logger) {
	logger.Warn("discarding feedback", "reason", reason)
	g.publisher.Publish(id, events.NewFeedbackDiscardedEvent(id, reason))
}

func (g *Gate) resolve(state *core.SharedState, ticket *core.ApprovalTicket, fb core.ApprovalFeedback) graph.Result {
	id := state.RequestID
	g.tickets.SetState(id, core.TicketClosed)

	if fb.Approved {
		state.Approval = core.ApprovalApproved
		state.Feedback = ""
		g.publisher.Publish(id, events.NewApprovalResolvedEvent(id, core.ApprovalApproved, "", fb.Feedback, ticket.Revision))
		out := "Plan approved."
		if fb.Feedback != "" {
			out += " Reviewer notes: " + fb.Feedback
		}
		return graph.Result{Output: out, Role: core.RoleUser, Summary: string(core.ApprovalApproved)}
	}

	state.Approval = core.ApprovalRevise
	state.Feedback = fb.Feedback
	state.Revision++
	g.publisher.Publish(id, events.NewApprovalResolvedEvent(id, core.ApprovalRevise, "", fb.Feedback, state.Revision))
	return graph.Result{
		Output:  "Plan revision requested: " + fb.Feedback,
		Role:    core.RoleUser,
		Summary: string(core.ApprovalRevise),
	}
}

func (g *Gate) autoApprove(state *core.SharedState, reason string) graph.Result {
	id := state.RequestID
	state.Approval = core.ApprovalAutoApproved
	state.Feedback = ""
	g.publisher.Publish(id, events.NewApprovalResolvedEvent(id, core.ApprovalAutoApproved, reason, "", state.Revision))

	var msg string
	switch reason {
	case core.AutoApproveMaxRevisions:
		msg = fmt.Sprintf("Plan auto-approved: revision limit of %d reached.", g.cfg.MaxRevisions)
	default:
		msg = fmt.Sprintf("Plan auto-approved: no reviewer feedback within %s.", g.cfg.Timeout)
	}
	return graph.Result{Output: msg, Role: core.RoleSystem, Summary: string(core.ApprovalAutoApproved) + ": " + reason}
}

// abandon closes the ticket and purges the address after cancellation.
func (g *Gate) abandon(ctx context.Context, id core.RequestID, addr string, logger *slog.Logger) {
	g.tickets.Close(id)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := g.mailbox.Delete(cleanupCtx, addr); err != nil {
		logger.Warn("purging mailbox after cancellation failed", "address", addr, "error", err)
	}
	logger.Info("approval abandoned", "reason", ctx.Err())
}

func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func seconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}
