package service

import (
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
)

// MetricsCollector aggregates runtime metrics from the event stream. It is
// a Publisher that records each event and forwards it unchanged.
type MetricsCollector struct {
	next    events.Publisher
	runtime RuntimeMetrics
	nodes   map[string]*NodeMetrics
	tools   map[string]*ToolMetrics
	mu      sync.RWMutex
}

// RuntimeMetrics holds request-level counters.
type RuntimeMetrics struct {
	StartedAt         time.Time     `json:"started_at"`
	RequestsStarted   int           `json:"requests_started"`
	RequestsCompleted int           `json:"requests_completed"`
	RequestsFailed    int           `json:"requests_failed"`
	RequestsCancelled int           `json:"requests_cancelled"`
	TotalDuration     time.Duration `json:"total_duration"`
	Approved          int           `json:"approvals_approved"`
	Revised           int           `json:"approvals_revised"`
	AutoApproved      int           `json:"approvals_auto"`
	FeedbackDiscarded int           `json:"feedback_discarded"`
	SessionsAcquired  int           `json:"sessions_acquired"`
	SessionsUnhealthy int           `json:"sessions_unhealthy"`
}

// NodeMetrics holds per-node metrics.
type NodeMetrics struct {
	Name          string        `json:"name"`
	Invocations   int           `json:"invocations"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// ToolMetrics holds per-tool metrics.
type ToolMetrics struct {
	Name   string `json:"name"`
	Calls  int    `json:"calls"`
	Errors int    `json:"errors"`
}

// NewMetricsCollector creates a collector forwarding to next.
func NewMetricsCollector(next events.Publisher) *MetricsCollector {
	if next == nil {
		next = events.Discard
	}
	return &MetricsCollector{
		next:    next,
		runtime: RuntimeMetrics{StartedAt: time.Now()},
		nodes:   make(map[string]*NodeMetrics),
		tools:   make(map[string]*ToolMetrics),
	}
}

// Publish records event and forwards it.
func (m *MetricsCollector) Publish(requestID core.RequestID, event events.Event) {
	m.record(event)
	m.next.Publish(requestID, event)
}

func (m *MetricsCollector) record(event events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := event.(type) {
	case events.RequestStartedEvent:
		m.runtime.RequestsStarted++
	case events.RequestCompletedEvent:
		m.runtime.RequestsCompleted++
		m.runtime.TotalDuration += ev.Duration
	case events.RequestFailedEvent:
		m.runtime.RequestsFailed++
	case events.RequestCancelledEvent:
		m.runtime.RequestsCancelled++
	case events.NodeExitedEvent:
		n := m.node(ev.Node)
		n.Invocations++
		n.TotalDuration += ev.Duration
		n.AvgDuration = n.TotalDuration / time.Duration(n.Invocations)
	case events.StepFailedEvent:
		n := m.node(ev.Node)
		n.Invocations++
		n.Failures++
	case events.ToolResultEvent:
		t, ok := m.tools[ev.Tool]
		if !ok {
			t = &ToolMetrics{Name: ev.Tool}
			m.tools[ev.Tool] = t
		}
		t.Calls++
		if ev.IsError {
			t.Errors++
		}
	case events.ApprovalResolvedEvent:
		switch ev.Outcome {
		case core.ApprovalApproved:
			m.runtime.Approved++
		case core.ApprovalRevise:
			m.runtime.Revised++
		case core.ApprovalAutoApproved:
			m.runtime.AutoApproved++
		}
	case events.FeedbackDiscardedEvent:
		m.runtime.FeedbackDiscarded++
	case events.SessionEvent:
		switch ev.EventType() {
		case events.TypeSessionAcquired:
			m.runtime.SessionsAcquired++
		case events.TypeSessionUnhealthy:
			m.runtime.SessionsUnhealthy++
		}
	}
}

func (m *MetricsCollector) node(name string) *NodeMetrics {
	n, ok := m.nodes[name]
	if !ok {
		n = &NodeMetrics{Name: name}
		m.nodes[name] = n
	}
	return n
}

// Snapshot is a copy of every metric.
type Snapshot struct {
	Runtime RuntimeMetrics `json:"runtime"`
	Nodes   []NodeMetrics  `json:"nodes"`
	Tools   []ToolMetrics  `json:"tools"`
}

// Snapshot returns the current metrics, nodes and tools ordered by name.
func (m *MetricsCollector) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Runtime: m.runtime,
		Nodes:   make([]NodeMetrics, 0, len(m.nodes)),
		Tools:   make([]ToolMetrics, 0, len(m.tools)),
	}
	for _, n := range m.nodes {
		s.Nodes = append(s.Nodes, *n)
	}
	for _, t := range m.tools {
		s.Tools = append(s.Tools, *t)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].Name < s.Nodes[j].Name })
	sort.Slice(s.Tools, func(i, j int) bool { return s.Tools[i].Name < s.Tools[j].Name })
	return s
}

// Reset clears all metrics.
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtime = RuntimeMetrics{StartedAt: time.Now()}
	m.nodes = make(map[string]*NodeMetrics)
	m.tools = make(map[string]*ToolMetrics)
}
