package events

import (
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Event type constants for remote session events.
const (
	TypeSessionAcquired  = "session_acquired"
	TypeSessionUnhealthy = "session_unhealthy"
	TypeSessionReleased  = "session_released"
)

// SessionEvent reports a lease state change of a request's remote session.
type SessionEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	Address   string `json:"address,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewSessionEvent creates a new session event of the given type.
func NewSessionEvent(eventType string, s *core.ExecutionSession, reason string) SessionEvent {
	return SessionEvent{
		BaseEvent: NewBaseEvent(eventType, s.RequestID),
		SessionID: s.ID,
		Address:   s.Address,
		Reason:    reason,
	}
}
