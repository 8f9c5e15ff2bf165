package testutil

import (
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// NewTestRequest creates a running request and its shared state.
func NewTestRequest(id core.RequestID, opts ...func(*core.SharedState)) (*core.WorkflowRequest, *core.SharedState) {
	req := core.NewWorkflowRequest(id, "how did revenue change last quarter?", nil)
	_ = req.Transition(core.RequestStatusRunning, "")
	state := core.NewSharedState(req)
	for _, opt := range opts {
		opt(state)
	}
	return req, state
}

// WithPlan sets the plan and its artifact.
func WithPlan(plan string) func(*core.SharedState) {
	return func(s *core.SharedState) {
		s.Plan = plan
		s.SetArtifact("plan", plan)
	}
}

// WithRevision sets the plan revision.
func WithRevision(n int) func(*core.SharedState) {
	return func(s *core.SharedState) {
		s.Revision = n
	}
}
