package core

import (
	"maps"
	"time"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation history.
type Message struct {
	Role string    `json:"role"`
	Node string    `json:"node,omitempty"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// SharedState is the mutable record attached to one request.
// The executor serializes access; it is never shared across requests.
type SharedState struct {
	RequestID RequestID         `json:"request_id"`
	History   []Message         `json:"history"`
	Plan      string            `json:"plan,omitempty"`
	Revision  int               `json:"revision"`
	Feedback  string            `json:"feedback,omitempty"`
	Approval  ApprovalOutcome   `json:"approval,omitempty"`
	Handoff   string            `json:"handoff,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// NewSharedState creates the state for a request, seeded with prior context and input.
func NewSharedState(req *WorkflowRequest) *SharedState {
	s := &SharedState{
		RequestID: req.ID,
		History:   make([]Message, 0, len(req.PriorContext)+1),
		Artifacts: make(map[string]string),
	}
	s.History = append(s.History, req.PriorContext...)
	s.Append(RoleUser, "", req.Input)
	return s
}

// Append adds an entry to the conversation history.
func (s *SharedState) Append(role, node, text string) {
	s.History = append(s.History, Message{
		Role: role,
		Node: node,
		Text: text,
		Time: time.Now(),
	})
}

// Last returns the most recent history entry.
func (s *SharedState) Last() (Message, bool) {
	if len(s.History) == 0 {
		return Message{}, false
	}
	return s.History[len(s.History)-1], true
}

// SetArtifact records a named artifact (file path, report location, ...).
func (s *SharedState) SetArtifact(key, value string) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]string)
	}
	s.Artifacts[key] = value
}

// Artifact returns a named artifact.
func (s *SharedState) Artifact(key string) (string, bool) {
	v, ok := s.Artifacts[key]
	return v, ok
}

// Clone returns a deep copy suitable for checkpoints and API responses.
func (s *SharedState) Clone() *SharedState {
	c := *s
	c.History = append([]Message(nil), s.History...)
	c.Artifacts = maps.Clone(s.Artifacts)
	return &c
}
