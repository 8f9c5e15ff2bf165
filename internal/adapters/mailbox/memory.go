// Package mailbox provides the key-addressed stores reviewers drop approval
// feedback into.
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed mailbox.
var ErrClosed = errors.New("mailbox closed")

// Memory is an in-process mailbox. It is the default backend and the one
// used by tests.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[chan string]struct{}
	closed   bool
}

// NewMemory creates an empty in-memory mailbox.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[chan string]struct{}),
	}
}

// Put stores payload under key, replacing any previous value.
func (m *Memory) Put(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), payload...)
	for ch := range m.watchers {
		select {
		case ch <- key:
		default:
		}
	}
	return nil
}

// Get returns the payload stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	payload, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), payload...), true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Watch delivers the key of every Put until ctx ends.
func (m *Memory) Watch(ctx context.Context) (<-chan string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan string, 16)
	m.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// Close releases the mailbox and ends all watches.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.watchers {
		delete(m.watchers, ch)
		close(ch)
	}
	return nil
}
