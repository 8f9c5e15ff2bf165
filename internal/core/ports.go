package core

import (
	"context"
)

// =============================================================================
// Agent Step Port
// =============================================================================

// Tool declares a capability an agent may invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ToolCall is an agent's request to run a declared tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// AgentRequest is the context passed to an agent step.
type AgentRequest struct {
	Role    string // coordinator, planner, supervisor, coder, ...
	System  string
	History []Message
	Tools   []Tool
}

// AgentResponse is what an agent step returns. Handoff carries the structured
// transfer signal; it is empty when the agent answered directly.
type AgentResponse struct {
	Text      string
	ToolCalls []ToolCall
	Handoff   string
}

// AgentStep is the opaque inference capability. Implementations may be slow
// or fail; callers do not retry them.
type AgentStep interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// =============================================================================
// Mailbox Port
// =============================================================================

// Mailbox is a key-addressed durable store used for approval feedback.
type Mailbox interface {
	Put(ctx context.Context, key string, payload []byte) error
	// Get returns found=false when nothing is stored under key.
	Get(ctx context.Context, key string) (payload []byte, found bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// MailboxWatcher is implemented by mailboxes that can report writes.
// Keys are delivered on the returned channel after a successful write.
type MailboxWatcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

// =============================================================================
// Request Store Port
// =============================================================================

// RequestRecord is a request together with its latest state checkpoint.
type RequestRecord struct {
	Request *WorkflowRequest
	State   *SharedState
}

// RequestStore persists requests and checkpoints of their shared state.
type RequestStore interface {
	SaveRequest(ctx context.Context, req *WorkflowRequest) error
	SaveCheckpoint(ctx context.Context, state *SharedState) error
	Load(ctx context.Context, id RequestID) (*RequestRecord, error)
	List(ctx context.Context, limit int) ([]*WorkflowRequest, error)
	// ListUnfinished returns every request not yet in a terminal status.
	ListUnfinished(ctx context.Context) ([]*WorkflowRequest, error)
	Close() error
}
