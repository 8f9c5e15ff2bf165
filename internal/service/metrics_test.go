package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/service"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/testutil"
)

func TestMetricsCollector_ForwardsEvents(t *testing.T) {
	bus := events.New(time.Minute)
	defer bus.Close()
	collector := service.NewMetricsCollector(bus)

	collector.Publish("r1", events.NewRequestStartedEvent("r1", "q"))
	collector.Publish("r1", events.NewNodeExitedEvent("r1", "planner", "plan", 20*time.Millisecond))

	testutil.AssertEqual(t, bus.Pending("r1"), 2)
}

func TestMetricsCollector_Requests(t *testing.T) {
	collector := service.NewMetricsCollector(nil)

	collector.Publish("a", events.NewRequestStartedEvent("a", "q"))
	collector.Publish("b", events.NewRequestStartedEvent("b", "q"))
	collector.Publish("c", events.NewRequestStartedEvent("c", "q"))
	collector.Publish("a", events.NewRequestCompletedEvent("a", time.Second, nil))
	collector.Publish("b", events.NewRequestFailedEvent("b", "supervisor", core.CodeProvisionFailed, "no worker"))
	collector.Publish("c", events.NewRequestCancelledEvent("c", "cancelled by user"))

	rm := collector.Snapshot().Runtime
	testutil.AssertEqual(t, rm.RequestsStarted, 3)
	testutil.AssertEqual(t, rm.RequestsCompleted, 1)
	testutil.AssertEqual(t, rm.RequestsFailed, 1)
	testutil.AssertEqual(t, rm.RequestsCancelled, 1)
	testutil.AssertEqual(t, rm.TotalDuration, time.Second)
}

func TestMetricsCollector_NodesAndTools(t *testing.T) {
	collector := service.NewMetricsCollector(nil)

	collector.Publish("a", events.NewNodeExitedEvent("a", "planner", "", 10*time.Millisecond))
	collector.Publish("a", events.NewNodeExitedEvent("a", "planner", "", 30*time.Millisecond))
	collector.Publish("a", events.NewStepFailedEvent("a", "supervisor", errors.New("boom")))
	collector.Publish("a", events.NewToolResultEvent("a", "supervisor", "coder", "ok", false))
	collector.Publish("a", events.NewToolResultEvent("a", "supervisor", "coder", "boom", true))

	snap := collector.Snapshot()
	testutil.AssertLen(t, snap.Nodes, 2)
	testutil.AssertEqual(t, snap.Nodes[0].Name, "planner")
	testutil.AssertEqual(t, snap.Nodes[0].Invocations, 2)
	testutil.AssertEqual(t, snap.Nodes[0].AvgDuration, 20*time.Millisecond)
	testutil.AssertEqual(t, snap.Nodes[1].Failures, 1)

	testutil.AssertLen(t, snap.Tools, 1)
	testutil.AssertEqual(t, snap.Tools[0].Calls, 2)
	testutil.AssertEqual(t, snap.Tools[0].Errors, 1)
}

func TestMetricsCollector_Approvals(t *testing.T) {
	collector := service.NewMetricsCollector(nil)

	collector.Publish("a", events.NewApprovalResolvedEvent("a", core.ApprovalRevise, "", "more", 1))
	collector.Publish("a", events.NewApprovalResolvedEvent("a", core.ApprovalApproved, "", "", 1))
	collector.Publish("b", events.NewApprovalResolvedEvent("b", core.ApprovalAutoApproved, core.AutoApproveTimeout, "", 0))
	collector.Publish("b", events.NewFeedbackDiscardedEvent("b", "stale"))

	rm := collector.Snapshot().Runtime
	testutil.AssertEqual(t, rm.Approved, 1)
	testutil.AssertEqual(t, rm.Revised, 1)
	testutil.AssertEqual(t, rm.AutoApproved, 1)
	testutil.AssertEqual(t, rm.FeedbackDiscarded, 1)

	collector.Reset()
	testutil.AssertEqual(t, collector.Snapshot().Runtime.Approved, 0)
}
