package core

import (
	"testing"
	"time"
)

func TestNewSharedState_SeedsHistory(t *testing.T) {
	prior := []Message{{Role: RoleAssistant, Text: "earlier answer"}}
	req := NewWorkflowRequest("r1", "analyze churn", prior)

	s := NewSharedState(req)
	if len(s.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(s.History))
	}
	last, ok := s.Last()
	if !ok || last.Role != RoleUser || last.Text != "analyze churn" {
		t.Errorf("unexpected last entry: %+v", last)
	}
	if s.RequestID != "r1" {
		t.Errorf("request id = %s", s.RequestID)
	}
}

func TestSharedState_CloneIsDeep(t *testing.T) {
	s := NewSharedState(NewWorkflowRequest("r1", "x", nil))
	s.SetArtifact("report", "/tmp/report.html")

	c := s.Clone()
	c.Append(RoleAssistant, "planner", "plan")
	c.SetArtifact("report", "changed")

	if len(s.History) != 1 {
		t.Errorf("clone history leaked into original: %d entries", len(s.History))
	}
	if v, _ := s.Artifact("report"); v != "/tmp/report.html" {
		t.Errorf("clone artifacts leaked into original: %s", v)
	}
}

func TestSharedState_LastOnEmpty(t *testing.T) {
	var s SharedState
	if _, ok := s.Last(); ok {
		t.Error("expected no last entry")
	}
	s.SetArtifact("k", "v")
	if v, ok := s.Artifact("k"); !ok || v != "v" {
		t.Errorf("artifact = %q, %v", v, ok)
	}
}

func TestApprovalTicket_Expired(t *testing.T) {
	now := time.Now()
	ticket := &ApprovalTicket{CreatedAt: now, Deadline: now.Add(time.Minute)}

	if ticket.Expired(now) {
		t.Error("ticket should be live at creation")
	}
	if !ticket.Expired(now.Add(time.Minute)) {
		t.Error("ticket should expire at its deadline")
	}
}

func TestExecutionResult_Succeeded(t *testing.T) {
	if !(ExecutionResult{ExitStatus: 0}).Succeeded() {
		t.Error("exit 0 should succeed")
	}
	if (ExecutionResult{ExitStatus: 1}).Succeeded() {
		t.Error("exit 1 should fail")
	}
}
