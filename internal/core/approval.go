package core

import "time"

// ApprovalOutcome is the terminal state of one approval cycle.
type ApprovalOutcome string

const (
	ApprovalApproved     ApprovalOutcome = "approved"
	ApprovalRevise       ApprovalOutcome = "revise"
	ApprovalAutoApproved ApprovalOutcome = "auto_approved"
)

// Reasons recorded for an automatic approval.
const (
	AutoApproveTimeout      = "timeout"
	AutoApproveMaxRevisions = "max_revisions"
)

// TicketState tracks an approval ticket through its cycle.
type TicketState string

const (
	TicketCreated TicketState = "created"
	TicketWaiting TicketState = "waiting"
	TicketClosed  TicketState = "closed"
)

// ApprovalTicket represents one outstanding human review cycle.
type ApprovalTicket struct {
	RequestID RequestID   `json:"request_id"`
	Plan      string      `json:"plan"`
	Revision  int         `json:"revision"`
	State     TicketState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	Deadline  time.Time   `json:"deadline"`
	Address   string      `json:"mailbox_address"`
}

// Expired reports whether the deadline has passed at now.
func (t *ApprovalTicket) Expired(now time.Time) bool {
	return !now.Before(t.Deadline)
}

// ApprovalFeedback is the payload a reviewer places in the mailbox.
// Revision is optional; when set it must match the live ticket.
type ApprovalFeedback struct {
	Approved  bool      `json:"approved"`
	Feedback  string    `json:"feedback,omitempty"`
	Revision  *int      `json:"revision,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
