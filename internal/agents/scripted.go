package agents

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Turn computes a scripted response.
type Turn func(req core.AgentRequest) (core.AgentResponse, error)

// Scripted answers from per-role queues, falling back to a per-role function.
type Scripted struct {
	mu     sync.Mutex
	queued map[string][]core.AgentResponse
	funcs  map[string]Turn
	calls  []core.AgentRequest
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{
		queued: make(map[string][]core.AgentResponse),
		funcs:  make(map[string]Turn),
	}
}

// On queues responses for role, returned in order.
func (s *Scripted) On(role string, responses ...core.AgentResponse) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[role] = append(s.queued[role], responses...)
	return s
}

// OnFunc answers role with fn once its queue is empty.
func (s *Scripted) OnFunc(role string, fn Turn) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[role] = fn
	return s
}

// Invoke implements core.AgentStep.
func (s *Scripted) Invoke(ctx context.Context, req core.AgentRequest) (core.AgentResponse, error) {
	if err := ctx.Err(); err != nil {
		return core.AgentResponse{}, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if q := s.queued[req.Role]; len(q) > 0 {
		resp := q[0]
		s.queued[req.Role] = q[1:]
		s.mu.Unlock()
		return resp, nil
	}
	fn := s.funcs[req.Role]
	s.mu.Unlock()

	if fn == nil {
		return core.AgentResponse{}, core.ErrExecution(core.CodeAgentFailed, "no scripted response for role "+req.Role)
	}
	return fn(req)
}

// Calls returns every request received so far.
func (s *Scripted) Calls() []core.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.AgentRequest(nil), s.calls...)
}

// CallsFor returns the requests received for role.
func (s *Scripted) CallsFor(role string) []core.AgentRequest {
	var out []core.AgentRequest
	for _, c := range s.Calls() {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}
