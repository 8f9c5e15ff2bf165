package approval

import (
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Tickets tracks the live approval ticket of every request and the payload
// fingerprints already consumed for it.
type Tickets struct {
	mu       sync.RWMutex
	live     map[core.RequestID]*core.ApprovalTicket
	consumed map[core.RequestID]map[string]struct{}
}

// NewTickets creates an empty registry.
func NewTickets() *Tickets {
	return &Tickets{
		live:     make(map[core.RequestID]*core.ApprovalTicket),
		consumed: make(map[core.RequestID]map[string]struct{}),
	}
}

// Open registers t as the live ticket of its request. At most one ticket
// may be live per request.
func (r *Tickets) Open(t *core.ApprovalTicket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.live[t.RequestID]; exists {
		return core.ErrConflict(core.CodeTicketLive, "approval ticket already live for request "+string(t.RequestID))
	}
	cp := *t
	r.live[t.RequestID] = &cp
	return nil
}

// SetState updates the state of the live ticket, if any.
func (r *Tickets) SetState(id core.RequestID, state core.TicketState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.live[id]; ok {
		t.State = state
	}
}

// Get returns a copy of the live ticket of id.
func (r *Tickets) Get(id core.RequestID) (core.ApprovalTicket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.live[id]
	if !ok {
		return core.ApprovalTicket{}, false
	}
	return *t, true
}

// Close removes the live ticket of id. It reports whether one existed.
func (r *Tickets) Close(id core.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	delete(r.live, id)
	return ok
}

// List returns all live tickets ordered by creation time.
func (r *Tickets) List() []core.ApprovalTicket {
	r.mu.RLock()
	out := make([]core.ApprovalTicket, 0, len(r.live))
	for _, t := range r.live {
		out = append(out, *t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkConsumed records a payload fingerprint as already handled for id.
func (r *Tickets) MarkConsumed(id core.RequestID, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.consumed[id]
	if !ok {
		set = make(map[string]struct{})
		r.consumed[id] = set
	}
	set[fingerprint] = struct{}{}
}

// Consumed reports whether the fingerprint was already handled for id.
func (r *Tickets) Consumed(id core.RequestID, fingerprint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.consumed[id][fingerprint]
	return ok
}

// Forget drops everything known about id.
func (r *Tickets) Forget(id core.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	delete(r.consumed, id)
}
