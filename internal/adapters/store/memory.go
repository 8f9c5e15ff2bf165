package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Memory is an in-process request store.
type Memory struct {
	mu       sync.RWMutex
	requests map[core.RequestID]core.WorkflowRequest
	states   map[core.RequestID][]byte
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[core.RequestID]core.WorkflowRequest),
		states:   make(map[core.RequestID][]byte),
	}
}

// SaveRequest stores a copy of req.
func (m *Memory) SaveRequest(_ context.Context, req *core.WorkflowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = *req
	return nil
}

// SaveCheckpoint stores a snapshot of state.
func (m *Memory) SaveCheckpoint(_ context.Context, state *core.SharedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[state.RequestID]; !ok {
		return core.ErrNotFound("request", string(state.RequestID))
	}
	m.states[state.RequestID] = data
	return nil
}

// Load returns copies of the request and its latest checkpoint.
func (m *Memory) Load(_ context.Context, id core.RequestID) (*core.RequestRecord, error) {
	m.mu.RLock()
	req, ok := m.requests[id]
	data := m.states[id]
	m.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound("request", string(id))
	}

	rec := &core.RequestRecord{Request: &req}
	if data != nil {
		var state core.SharedState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decoding checkpoint for %s: %w", id, err)
		}
		rec.State = &state
	}
	return rec, nil
}

// List returns the most recent requests first.
func (m *Memory) List(_ context.Context, limit int) ([]*core.WorkflowRequest, error) {
	m.mu.RLock()
	out := make([]*core.WorkflowRequest, 0, len(m.requests))
	for _, r := range m.requests {
		r := r
		out = append(out, &r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnfinished returns the requests that are not terminal, oldest first.
func (m *Memory) ListUnfinished(_ context.Context) ([]*core.WorkflowRequest, error) {
	m.mu.RLock()
	var out []*core.WorkflowRequest
	for _, r := range m.requests {
		if r.Status.IsTerminal() {
			continue
		}
		r := r
		out = append(out, &r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
