package core

import "time"

// SessionState is the lease state of a remote execution session.
type SessionState string

const (
	SessionProvisioning SessionState = "provisioning"
	SessionHealthy      SessionState = "healthy"
	SessionUnhealthy    SessionState = "unhealthy"
	SessionReleased     SessionState = "released"
)

// ExecutionSession is one leased remote execution worker.
type ExecutionSession struct {
	ID            string       `json:"id"`
	RequestID     RequestID    `json:"request_id"`
	WorkerID      string       `json:"worker_id"`
	Address       string       `json:"address"`
	AffinityToken string       `json:"-"`
	State         SessionState `json:"state"`
	StateMessage  string       `json:"state_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Command kinds understood by the worker.
const (
	CommandPython = "python"
	CommandBash   = "bash"
)

// Command is one unit of work sent to a session's worker.
type Command struct {
	Code    string        `json:"code"`
	Type    string        `json:"type"`
	Timeout time.Duration `json:"-"`
}

// ExecutionResult is what the worker returns for a command.
type ExecutionResult struct {
	Output     string        `json:"output"`
	Status     string        `json:"status"`
	ExitStatus int           `json:"return_code"`
	Duration   time.Duration `json:"execution_time"`
}

// Succeeded reports a zero exit status.
func (r ExecutionResult) Succeeded() bool {
	return r.ExitStatus == 0
}
