// Package engine composes Gate 1, Gate 2, and the session pool into
// the single admission-control step spec.md §4.I describes: two
// logical input streams (Gate 2 events, Gate 1 requests/registry
// updates) and two logical output streams (Gate 1 decisions, Gate 2
// actions), with FIFO order preserved per channel and access
// serialised by a single mutex, consistent with spec.md §5's
// single-threaded cooperative stepping model.
package engine

import (
	"sync"

	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
	"github.com/arc3silicon/dgateplus/pkg/gate1"
	"github.com/arc3silicon/dgateplus/pkg/gate2"
	"github.com/arc3silicon/dgateplus/pkg/sessionpool"
	"github.com/arc3silicon/dgateplus/pkg/stream"
)

// Engine serialises access to Gate 1, Gate 2, and the session pool
// behind one mutex, and best-effort publishes every decision and
// action onto a live feed hub.
type Engine struct {
	mu    sync.Mutex
	gate1 *gate1.Engine
	gate2 *gate2.Engine
	pool  *sessionpool.Pool
	hub   *stream.Hub
}

// New constructs an Engine from its three collaborators. hub may be
// nil, in which case publication is skipped.
func New(g1 *gate1.Engine, g2 *gate2.Engine, pool *sessionpool.Pool, hub *stream.Hub) *Engine {
	return &Engine{gate1: g1, gate2: g2, pool: pool, hub: hub}
}

// Admit runs one Gate 1 admission request and publishes the decision.
func (e *Engine) Admit(subscriberID uint64, vec []fingerprint.ComplexSample, now uint32) (gate1.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.gate1.Admit(subscriberID, vec, now)
	if err != nil {
		return gate1.Result{}, err
	}
	e.publish("gate1.decision", res)
	return res, nil
}

// Enroll runs one Gate 1 registry upsert on the separate enrollment
// channel spec.md §4.E describes.
func (e *Engine) Enroll(subscriberID uint64, vec []fingerprint.ComplexSample, now uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate1.Enroll(subscriberID, vec, now)
}

// Event feeds one Gate 2 event for subscriberID, acquiring (or
// allocating) its session context from the pool. When the pool is
// full and the subscriber has no existing context, it returns the
// synthetic FAILSAFE action spec.md §4.H mandates without allocating.
func (e *Engine) Event(subscriberID uint64, ev gate2.Event, payload gate2.Payload, now uint32) gate2.Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.pool.Acquire(subscriberID)
	if !ok {
		action := gate2.Action{
			SubscriberID: subscriberID,
			NewState:     gate2.StateFailsafe,
			TriggerEvent: ev,
			LogSecurity:  true,
		}
		e.publish("gate2.action", action)
		return action
	}
	action := e.gate2.Step(ctx, ev, payload, now)
	e.publish("gate2.action", action)
	return action
}

// Detach releases subscriberID's session context, if any.
func (e *Engine) Detach(subscriberID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool.Detach(subscriberID)
}

// Session returns a copy of subscriberID's current session context
// for introspection.
func (e *Engine) Session(subscriberID uint64) (gate2.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.pool.Lookup(subscriberID)
	if !ok {
		return gate2.Context{}, false
	}
	return *ctx, true
}

// PoolOccupancy reports the session pool's current occupancy.
func (e *Engine) PoolOccupancy() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Occupancy()
}

// ActiveSessions returns every currently allocated session context,
// for periodic snapshotting.
func (e *Engine) ActiveSessions() []*gate2.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Active()
}

// Hub returns the live feed hub actions and decisions are published
// to, or nil if the Engine was built without one.
func (e *Engine) Hub() *stream.Hub {
	return e.hub
}

func (e *Engine) publish(eventType string, data interface{}) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(stream.NewEvent(eventType, data))
}
