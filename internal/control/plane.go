// Package control holds the per-request control surface used to cancel a
// running workflow and to wake the approval gate early.
package control

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// ControlPlane controls one running request.
type ControlPlane struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled atomic.Bool
	reason    string
	nudges    chan struct{}
	nudged    atomic.Int64
}

// New creates a ControlPlane that cancels the run through cancel.
func New(cancel context.CancelFunc) *ControlPlane {
	return &ControlPlane{
		cancel: cancel,
		nudges: make(chan struct{}, 1),
	}
}

// Cancel cancels the run. Only the first reason is kept.
func (cp *ControlPlane) Cancel(reason string) {
	cp.mu.Lock()
	if cp.cancelled.Load() {
		cp.mu.Unlock()
		return
	}
	cp.cancelled.Store(true)
	cp.reason = reason
	cancel := cp.cancel
	cp.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsCancelled returns true if Cancel was called.
func (cp *ControlPlane) IsCancelled() bool {
	return cp.cancelled.Load()
}

// CancelReason returns the reason given to Cancel.
func (cp *ControlPlane) CancelReason() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.reason
}

// CheckCancelled returns an error if cancelled.
func (cp *ControlPlane) CheckCancelled() error {
	if cp.cancelled.Load() {
		return core.ErrCancelled("request cancelled: " + cp.CancelReason())
	}
	return nil
}

// Nudge signals that feedback may have arrived. Signals coalesce.
func (cp *ControlPlane) Nudge() {
	cp.nudged.Add(1)
	select {
	case cp.nudges <- struct{}{}:
	default:
	}
}

// Nudges returns the channel Nudge signals on.
func (cp *ControlPlane) Nudges() <-chan struct{} {
	return cp.nudges
}

// Status returns the current control status.
type Status struct {
	Cancelled    bool   `json:"cancelled"`
	CancelReason string `json:"cancel_reason,omitempty"`
	Nudges       int64  `json:"nudges"`
}

func (cp *ControlPlane) Status() Status {
	return Status{
		Cancelled:    cp.cancelled.Load(),
		CancelReason: cp.CancelReason(),
		Nudges:       cp.nudged.Load(),
	}
}

// Registry maps running requests to their control planes.
type Registry struct {
	mu     sync.RWMutex
	planes map[core.RequestID]*ControlPlane
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{planes: make(map[core.RequestID]*ControlPlane)}
}

// Register adds the plane of a running request. It returns false if the
// request already has one.
func (r *Registry) Register(id core.RequestID, cp *ControlPlane) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.planes[id]; exists {
		return false
	}
	r.planes[id] = cp
	return true
}

// Get returns the plane of a running request.
func (r *Registry) Get(id core.RequestID) (*ControlPlane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.planes[id]
	return cp, ok
}

// Remove drops the plane of a finished request.
func (r *Registry) Remove(id core.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.planes, id)
}

// Len returns the number of running requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.planes)
}

// CancelAll cancels every registered request.
func (r *Registry) CancelAll(reason string) {
	r.mu.RLock()
	planes := make([]*ControlPlane, 0, len(r.planes))
	for _, cp := range r.planes {
		planes = append(planes, cp)
	}
	r.mu.RUnlock()

	for _, cp := range planes {
		cp.Cancel(reason)
	}
}

// Nudges returns the nudge channel of id, or nil when it is not running.
// It matches the approval gate's nudge hook.
func (r *Registry) Nudges(id core.RequestID) <-chan struct{} {
	if cp, ok := r.Get(id); ok {
		return cp.Nudges()
	}
	return nil
}
