package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// MockSessions is an in-memory session manager. Each request gets one
// session until it is released.
type MockSessions struct {
	mu       sync.Mutex
	sessions map[core.RequestID]*core.ExecutionSession
	calls    []MockCall
	seq      int

	acquireErr error
	executeFn  func(context.Context, core.Command) (core.ExecutionResult, error)
	closed     bool
}

// MockCall records a call to the mock.
type MockCall struct {
	Method    string
	RequestID core.RequestID
	Time      time.Time
}

// NewMockSessions creates an empty mock.
func NewMockSessions() *MockSessions {
	return &MockSessions{sessions: make(map[core.RequestID]*core.ExecutionSession)}
}

// WithAcquireError makes every Acquire fail with err.
func (m *MockSessions) WithAcquireError(err error) *MockSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
	return m
}

// WithExecuteFunc sets the Execute behavior. The default echoes the code.
func (m *MockSessions) WithExecuteFunc(fn func(context.Context, core.Command) (core.ExecutionResult, error)) *MockSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFn = fn
	return m
}

// Acquire implements the session manager.
func (m *MockSessions) Acquire(ctx context.Context, id core.RequestID) (*core.ExecutionSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Acquire", id)
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	if s, ok := m.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	m.seq++
	now := time.Now()
	s := &core.ExecutionSession{
		ID:           fmt.Sprintf("mock-session-%d", m.seq),
		RequestID:    id,
		WorkerID:     "mock-worker",
		Address:      "http://mock-worker",
		State:        core.SessionHealthy,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[id] = s
	cp := *s
	return &cp, nil
}

// Execute implements the session manager.
func (m *MockSessions) Execute(ctx context.Context, s *core.ExecutionSession, cmd core.Command) (core.ExecutionResult, error) {
	m.mu.Lock()
	m.record("Execute", s.RequestID)
	fn := m.executeFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd)
	}
	return core.ExecutionResult{Output: cmd.Code + "\n", Status: "success"}, nil
}

// Release implements the session manager. It is idempotent.
func (m *MockSessions) Release(_ context.Context, id core.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Release", id)
	delete(m.sessions, id)
	return nil
}

// Get implements the session manager.
func (m *MockSessions) Get(id core.RequestID) (core.ExecutionSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.ExecutionSession{}, false
	}
	return *s, true
}

// List implements the session manager.
func (m *MockSessions) List() []core.ExecutionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.ExecutionSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Probe implements the session manager. Sessions marked with
// MarkUnhealthy stay unhealthy.
func (m *MockSessions) Probe(_ context.Context, id core.RequestID) (core.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Probe", id)
	s, ok := m.sessions[id]
	if !ok {
		return "", core.ErrNotFound("session", string(id))
	}
	return s.State, nil
}

// MarkUnhealthy flags the request's session as unhealthy.
func (m *MockSessions) MarkUnhealthy(id core.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = core.SessionUnhealthy
	}
}

// Close releases every session.
func (m *MockSessions) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.record("Release", id)
		delete(m.sessions, id)
	}
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockSessions) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Calls returns every recorded call.
func (m *MockSessions) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how often method was called for id.
func (m *MockSessions) CallCount(method string, id core.RequestID) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method && c.RequestID == id {
			n++
		}
	}
	return n
}

func (m *MockSessions) record(method string, id core.RequestID) {
	m.calls = append(m.calls, MockCall{Method: method, RequestID: id, Time: time.Now()})
}
