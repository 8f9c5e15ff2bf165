// Package events provides the per-request event queues that bridge a background
// workflow run to its live listener.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	RequestID() core.RequestID
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type    string         `json:"type"`
	Time    time.Time      `json:"timestamp"`
	Request core.RequestID `json:"request_id"`
}

func (e BaseEvent) EventType() string         { return e.Type }
func (e BaseEvent) Timestamp() time.Time      { return e.Time }
func (e BaseEvent) RequestID() core.RequestID { return e.Request }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType string, requestID core.RequestID) BaseEvent {
	return BaseEvent{
		Type:    eventType,
		Time:    time.Now(),
		Request: requestID,
	}
}

// Envelope is a published event stamped with its identity and position.
type Envelope struct {
	ID       string `json:"event_id"`
	Sequence int64  `json:"seq"`
	Event    Event  `json:"event"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(requestID core.RequestID, event Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(core.RequestID, Event) {}

type queue struct {
	pending  []Envelope
	seq      int64
	complete bool
	notify   chan struct{}
}

// Bus holds one ordered queue per request. Publish order equals drain order.
type Bus struct {
	mu       sync.Mutex
	queues   map[core.RequestID]*queue
	finished *cache.Cache
	// tombstones remembers torn-down requests so late publishes stay rejected.
	tombstones *cache.Cache
	rejected   int64
	closed     bool
}

// DefaultRetention is how long a completed but undrained queue is kept.
const DefaultRetention = 10 * time.Minute

// New creates a Bus. Completed queues that are never drained are torn down
// after retention.
func New(retention time.Duration) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	b := &Bus{
		queues:     make(map[core.RequestID]*queue),
		finished:   cache.New(retention, retention/2),
		tombstones: cache.New(retention, retention/2),
	}
	b.finished.OnEvicted(func(key string, _ interface{}) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if q, ok := b.queues[core.RequestID(key)]; ok && q.complete {
			delete(b.queues, core.RequestID(key))
			b.tombstones.SetDefault(key, struct{}{})
		}
	})
	return b
}

func (b *Bus) queueLocked(requestID core.RequestID) *queue {
	q, ok := b.queues[requestID]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[requestID] = q
	}
	return q
}

// Open creates the queue for a request ahead of its first event. Opening a
// request that was completed starts a fresh queue.
func (b *Bus) Open(requestID core.RequestID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.tombstones.Delete(string(requestID))
	if q, ok := b.queues[requestID]; ok && q.complete {
		delete(b.queues, requestID)
	}
	b.queueLocked(requestID)
}

// Publish appends an event to the tail of the request's queue.
// Events published after Complete are rejected.
func (b *Bus) Publish(requestID core.RequestID, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		atomic.AddInt64(&b.rejected, 1)
		return
	}
	if _, ok := b.queues[requestID]; !ok {
		if _, dead := b.tombstones.Get(string(requestID)); dead {
			atomic.AddInt64(&b.rejected, 1)
			return
		}
	}
	q := b.queueLocked(requestID)
	if q.complete {
		atomic.AddInt64(&b.rejected, 1)
		return
	}

	q.seq++
	q.pending = append(q.pending, Envelope{
		ID:       uuid.NewString(),
		Sequence: q.seq,
		Event:    event,
	})
	signal(q.notify)
}

// Drain returns the events published since the last drain, in publish order.
// It never blocks. Once a completed queue has been fully drained it is torn down.
func (b *Bus) Drain(requestID core.RequestID) []Envelope {
	b.mu.Lock()
	q, ok := b.queues[requestID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	out := q.pending
	q.pending = nil
	teardown := q.complete
	if teardown {
		delete(b.queues, requestID)
	}
	b.mu.Unlock()

	if teardown {
		b.finished.Delete(string(requestID))
	}
	return out
}

// Complete marks the request terminal. Pending events stay drainable.
func (b *Bus) Complete(requestID core.RequestID) {
	b.mu.Lock()
	q, ok := b.queues[requestID]
	if !ok || q.complete {
		b.mu.Unlock()
		return
	}
	q.complete = true
	signal(q.notify)
	b.mu.Unlock()

	b.finished.SetDefault(string(requestID), struct{}{})
}

// Notify returns a channel signalled whenever the request's queue changes.
// ok is false if the bus holds no queue for the request.
func (b *Bus) Notify(requestID core.RequestID) (<-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[requestID]
	if !ok {
		return nil, false
	}
	return q.notify, true
}

// Status reports whether a queue exists for the request and whether it is complete.
func (b *Bus) Status(requestID core.RequestID) (exists, complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[requestID]
	if !ok {
		return false, false
	}
	return true, q.complete
}

// Pending returns the number of undrained events for a request.
func (b *Bus) Pending(requestID core.RequestID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[requestID]; ok {
		return len(q.pending)
	}
	return 0
}

// RejectedCount returns how many events were published after completion or close.
func (b *Bus) RejectedCount() int64 {
	return atomic.LoadInt64(&b.rejected)
}

// Close tears down every queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		q.complete = true
		signal(q.notify)
	}
	b.queues = make(map[core.RequestID]*queue)
	b.mu.Unlock()

	b.finished.Flush()
	b.tombstones.Flush()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
