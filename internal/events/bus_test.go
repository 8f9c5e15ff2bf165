package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

func TestBus_DrainReturnsPublishOrder(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish("r1", NewNodeEnteredEvent("r1", fmt.Sprintf("n%d", i), i))
	}

	got := bus.Drain("r1")
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, env := range got {
		if env.Sequence != int64(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, env.Sequence, i+1)
		}
		if env.ID == "" {
			t.Errorf("event %d: missing event id", i)
		}
		entered := env.Event.(NodeEnteredEvent)
		if entered.Node != fmt.Sprintf("n%d", i) {
			t.Errorf("event %d: node = %s", i, entered.Node)
		}
	}

	if again := bus.Drain("r1"); len(again) != 0 {
		t.Errorf("second drain should be empty, got %d", len(again))
	}
}

func TestBus_DrainUnknownRequestIsEmpty(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	if got := bus.Drain("missing"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestBus_RequestsAreIsolated(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	bus.Publish("a", NewRequestStartedEvent("a", "x"))
	bus.Publish("b", NewRequestStartedEvent("b", "y"))
	bus.Publish("a", NewRequestCompletedEvent("a", time.Second, nil))

	a := bus.Drain("a")
	b := bus.Drain("b")
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("expected 2 and 1 events, got %d and %d", len(a), len(b))
	}
	if b[0].Sequence != 1 {
		t.Errorf("sequence must be per request, got %d", b[0].Sequence)
	}
}

func TestBus_ConcurrentPublishKeepsOrderPerProducer(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish("r", NewNodeEnteredEvent("r", fmt.Sprintf("p%d", p), i))
			}
		}(p)
	}

	var collected []Envelope
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		collected = append(collected, bus.Drain("r")...)
		select {
		case <-done:
			collected = append(collected, bus.Drain("r")...)
			goto check
		default:
		}
	}

check:
	if len(collected) != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, len(collected))
	}
	last := make(map[string]int)
	for i, env := range collected {
		if env.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, env.Sequence)
		}
		e := env.Event.(NodeEnteredEvent)
		if prev, ok := last[e.Node]; ok && e.Hop <= prev {
			t.Fatalf("producer %s reordered: %d after %d", e.Node, e.Hop, prev)
		}
		last[e.Node] = e.Hop
	}
}

func TestBus_CompleteTearsDownAfterDrain(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	bus.Publish("r", NewRequestStartedEvent("r", "x"))
	bus.Publish("r", NewRequestCompletedEvent("r", time.Second, nil))
	bus.Complete("r")

	bus.Publish("r", NewNodeEnteredEvent("r", "late", 9))
	if bus.RejectedCount() != 1 {
		t.Errorf("expected late publish to be rejected, got %d", bus.RejectedCount())
	}

	exists, complete := bus.Status("r")
	if !exists || !complete {
		t.Fatalf("expected completed queue to still exist before drain")
	}

	got := bus.Drain("r")
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if exists, _ := bus.Status("r"); exists {
		t.Error("queue should be torn down after draining a completed request")
	}
}

func TestBus_PublishAfterTeardownIsRejected(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	bus.Open("r")
	bus.Publish("r", NewRequestStartedEvent("r", "x"))
	bus.Complete("r")
	if got := bus.Drain("r"); len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}

	bus.Publish("r", NewNodeEnteredEvent("r", "late", 2))
	if exists, _ := bus.Status("r"); exists {
		t.Fatal("a late publish must not recreate the queue")
	}
	if bus.RejectedCount() != 1 {
		t.Errorf("expected late publish to be rejected, got %d", bus.RejectedCount())
	}
	if got := bus.Drain("r"); len(got) != 0 {
		t.Errorf("expected nothing to drain, got %d", len(got))
	}

	// A new run under the same id starts over.
	bus.Open("r")
	bus.Publish("r", NewRequestStartedEvent("r", "again"))
	got := bus.Drain("r")
	if len(got) != 1 || got[0].Sequence != 1 {
		t.Fatalf("expected a fresh queue, got %+v", got)
	}
}

func TestBus_RetentionEvictsUndrainedQueue(t *testing.T) {
	bus := New(40 * time.Millisecond)
	defer bus.Close()

	bus.Publish("r", NewRequestStartedEvent("r", "x"))
	bus.Complete("r")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exists, _ := bus.Status("r"); !exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("completed queue was not evicted after retention")
}

func TestBus_NotifySignalsPublish(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	bus.Open("r")
	ch, ok := bus.Notify("r")
	if !ok {
		t.Fatal("expected queue to exist after Open")
	}

	bus.Publish("r", NewRequestStartedEvent("r", "x"))

	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for notify")
	}
}

func TestBus_CloseRejectsPublish(t *testing.T) {
	bus := New(time.Minute)
	bus.Publish("r", NewRequestStartedEvent("r", "x"))
	bus.Close()
	bus.Close()

	bus.Publish("r", NewRequestStartedEvent("r", "x"))
	if got := bus.Drain("r"); len(got) != 0 {
		t.Errorf("expected nothing after close, got %d", len(got))
	}
}

func TestToWireAndCloudEvent(t *testing.T) {
	bus := New(time.Minute)
	defer bus.Close()

	ticket := &core.ApprovalTicket{RequestID: "r", Plan: "1. load data", Revision: 0, Address: "deep-insight/feedback/r.json"}
	bus.Publish("r", NewApprovalRequestedEvent(ticket, 10, 300))
	env := bus.Drain("r")[0]

	wire := ToWire(env)
	raw, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeApprovalRequested || decoded["event_id"] != env.ID {
		t.Errorf("unexpected wire event: %s", raw)
	}
	data := decoded["data"].(map[string]any)
	if data["feedback_key"] != "deep-insight/feedback/r.json" || data["max_revisions"] != float64(10) {
		t.Errorf("unexpected payload: %v", data)
	}

	ce, err := ToCloudEvent(env)
	if err != nil {
		t.Fatalf("ToCloudEvent: %v", err)
	}
	if ce.ID() != env.ID {
		t.Errorf("cloudevent id = %s, want %s", ce.ID(), env.ID)
	}
	if ce.Type() != CloudEventTypePrefix+TypeApprovalRequested {
		t.Errorf("cloudevent type = %s", ce.Type())
	}
	if ce.Subject() != "r" {
		t.Errorf("cloudevent subject = %s", ce.Subject())
	}
}

func TestIsTerminal(t *testing.T) {
	for _, typ := range []string{TypeRequestCompleted, TypeRequestFailed, TypeRequestCancelled} {
		if !IsTerminal(typ) {
			t.Errorf("%s should be terminal", typ)
		}
	}
	if IsTerminal(TypeApprovalKeepalive) {
		t.Error("keepalive is not terminal")
	}
}
