// Package sessionpool holds the fixed-capacity set of live Gate 2
// contexts the engine steps. Lookup is a linear scan over active
// slots; a new subscriber is allocated on its first event and
// released only by an explicit Detach call.
package sessionpool

import (
	"sync"

	"github.com/arc3silicon/dgateplus/pkg/gate2"
)

// Pool is a fixed-capacity, mutex-guarded set of gate2.Context slots.
type Pool struct {
	mu       sync.Mutex
	slots    []*gate2.Context
	occupied []bool
}

// New allocates a pool with room for capacity concurrent subscribers
// (reference: 8).
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 8
	}
	return &Pool{
		slots:    make([]*gate2.Context, capacity),
		occupied: make([]bool, capacity),
	}
}

// Capacity returns the pool's fixed slot count.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Lookup returns the context for subscriberID and whether it is
// currently allocated.
func (p *Pool) Lookup(subscriberID uint64) (*gate2.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookupLocked(subscriberID)
}

func (p *Pool) lookupLocked(subscriberID uint64) (*gate2.Context, bool) {
	for i, occ := range p.occupied {
		if occ && p.slots[i].SubscriberID == subscriberID {
			return p.slots[i], true
		}
	}
	return nil, false
}

// Acquire returns the existing context for subscriberID, or allocates
// a fresh one in state INIT into the first free slot. ok is false
// when no context exists and the pool has no free slot; the caller
// must then emit the synthetic FAILSAFE action spec §4.H requires
// without allocating.
func (p *Pool) Acquire(subscriberID uint64) (ctx *gate2.Context, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, found := p.lookupLocked(subscriberID); found {
		return ctx, true
	}
	for i, occ := range p.occupied {
		if !occ {
			ctx := gate2.NewContext(subscriberID)
			p.slots[i] = ctx
			p.occupied[i] = true
			return ctx, true
		}
	}
	return nil, false
}

// Detach releases subscriberID's slot, if any. It is idempotent.
func (p *Pool) Detach(subscriberID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, occ := range p.occupied {
		if occ && p.slots[i].SubscriberID == subscriberID {
			p.occupied[i] = false
			p.slots[i] = nil
			return
		}
	}
}

// Active returns a snapshot of every currently allocated context, for
// periodic persistence. The returned contexts are the pool's own
// pointers; callers that persist asynchronously should copy them.
func (p *Pool) Active() []*gate2.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*gate2.Context, 0, len(p.slots))
	for i, occ := range p.occupied {
		if occ {
			out = append(out, p.slots[i])
		}
	}
	return out
}

// Occupancy returns the number of currently allocated slots.
func (p *Pool) Occupancy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, occ := range p.occupied {
		if occ {
			n++
		}
	}
	return n
}
