package session

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/spaolacci/murmur3"
)

// ErrPoolExhausted is returned when every static worker is leased.
var ErrPoolExhausted = errors.New("all static workers are leased")

type hasher struct {
	hf hash.Hash64
}

func newHasher() hasher {
	return hasher{hf: murmur3.New64()}
}

func (h hasher) Sum64(data []byte) uint64 {
	h.hf.Write(data)
	out := h.hf.Sum64()
	h.hf.Reset()
	return out
}

type member string

func (m member) String() string { return string(m) }

// Static leases workers from a fixed pool. A request is placed on the ring
// by its id and takes the closest free worker; a leased worker serves no
// other request until it is returned, at which point it is reset.
type Static struct {
	mu     sync.Mutex
	ring   *consistent.Consistent
	size   int
	leased map[string]string // address -> session id
	reset  Resetter
}

// NewStatic creates a pool over the given worker base URLs.
func NewStatic(addrs []string, reset Resetter) (*Static, error) {
	if len(addrs) == 0 {
		return nil, errors.New("static provisioner needs at least one worker address")
	}
	ring := consistent.New(nil, consistent.Config{
		PartitionCount:    71,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            newHasher(),
	})
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSuffix(a, "/")
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		ring.Add(member(a))
	}
	return &Static{
		ring:   ring,
		size:   len(seen),
		leased: make(map[string]string),
		reset:  reset,
	}, nil
}

// Name implements Provisioner.
func (p *Static) Name() string { return "static" }

// Provision leases the closest free worker to the request.
func (p *Static) Provision(_ context.Context, spec Spec) (Instance, error) {
	// The hasher is stateful; ring lookups are serialized with leasing.
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates, err := p.ring.GetClosestN([]byte(spec.RequestID), p.size)
	if err != nil {
		return Instance{}, fmt.Errorf("locating worker: %w", err)
	}
	for _, m := range candidates {
		addr := m.String()
		if _, busy := p.leased[addr]; busy {
			continue
		}
		p.leased[addr] = spec.SessionID
		return Instance{ID: addr, Address: addr}, nil
	}
	return Instance{}, ErrPoolExhausted
}

// Teardown resets the worker and returns it to the pool.
func (p *Static) Teardown(ctx context.Context, inst Instance) error {
	p.mu.Lock()
	_, ok := p.leased[inst.Address]
	delete(p.leased, inst.Address)
	p.mu.Unlock()

	if !ok || p.reset == nil {
		return nil
	}
	return p.reset.Reset(ctx, inst.Address)
}

// Leased returns the number of workers currently leased.
func (p *Static) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}
