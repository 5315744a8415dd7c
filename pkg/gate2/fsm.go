// Package gate2 implements the protocol-downgrade guard: a 12-state
// finite-state machine that forbids attachment to any pre-5G radio
// access technology unless an authenticated, unexpired downgrade
// permit has been presented and verified.
package gate2

import (
	"github.com/arc3silicon/dgateplus/pkg/permit"
)

// State is one of the 12 reachable Gate 2 states.
type State string

const (
	StateInit         State = "INIT"
	StateScan5G       State = "SCAN_5G"
	StateAttach5G     State = "ATTACH_5G"
	StateConn5G       State = "CONN_5G"
	StatePermitReq    State = "PERMIT_REQ"
	StatePermitVal    State = "PERMIT_VAL"
	StateLegacyOK     State = "LEGACY_OK"
	StateAttachLegacy State = "ATTACH_LEGACY"
	StateConnLegacy   State = "CONN_LEGACY"
	StateEmergency    State = "EMERGENCY"
	StateReject       State = "REJECT"
	StateFailsafe     State = "FAILSAFE"
)

// Event is one of the 14 input events a Gate 2 context can receive.
type Event string

const (
	EventFiveGFound     Event = "5G_FOUND"
	EventFiveGAttached  Event = "5G_ATTACHED"
	EventFiveGLost      Event = "5G_LOST"
	EventServiceReject  Event = "SERVICE_REJECT"
	EventPermitReceived Event = "PERMIT_RECEIVED"
	EventPermitValid    Event = "PERMIT_VALID"
	EventPermitInvalid  Event = "PERMIT_INVALID"
	EventPermitExpired  Event = "PERMIT_EXPIRED"
	EventLegacyAttached Event = "LEGACY_ATTACHED"
	EventLegacyFailed   Event = "LEGACY_FAILED"
	EventEmergencyDial  Event = "EMERGENCY_DIAL"
	EventEmergencyEnd   Event = "EMERGENCY_END"
	EventTimeout        Event = "TIMEOUT"
	EventError          Event = "ERROR"
)

// Emergency number recognizers: the 24-bit ASCII-digit literals for
// "911" and "112". A dialled number matches if its upper 24 bits equal
// either literal, so trailing digits (e.g. "9110", "9119") also match;
// this ambiguity is carried forward unchanged from the reference
// recognizer rather than tightened.
const (
	emergency911 uint32 = 0x393131
	emergency112 uint32 = 0x313132

	// attachFailureLimit trips FAILSAFE once Context.AttachFailures
	// exceeds it. The counter grows on each ATTACH_5G TIMEOUT/ERROR
	// and each LEGACY_FAILED, and is not reset by a successful attach.
	attachFailureLimit = 3
)

func isEmergencyNumber(dialled uint32) bool {
	top := dialled >> 8
	return dialled == emergency911 || dialled == emergency112 || top == emergency911 || top == emergency112
}

// Payload carries the event-kind-specific data a Gate 2 event may
// bring: a permit for PERMIT_RECEIVED, a dialled number for
// EMERGENCY_DIAL, a cause code for SERVICE_REJECT. Unused fields are
// zero.
type Payload struct {
	Permit        *permit.Permit
	DialledNumber uint32
	CauseCode     int
}

// Context is the per-subscriber state Gate 2 threads through events.
type Context struct {
	SubscriberID    uint64
	State           State
	PreviousState   State
	CachedPermit    *permit.Permit
	HasPermit       bool
	PermitExpiry    uint32
	StateEnteredAt  uint32
	InEmergency     bool
	PermitFailures  int
	AttachFailures  int
	TransitionCount int
}

// NewContext allocates a context in the initial state for a
// subscriber.
func NewContext(subscriberID uint64) *Context {
	return &Context{SubscriberID: subscriberID, State: StateInit, PreviousState: StateInit}
}

// Action is the tuple emitted per transition.
type Action struct {
	SubscriberID  uint64
	NewState      State
	PreviousState State
	TriggerEvent  Event
	AllowAttach   bool
	RequestPermit bool
	LogSecurity   bool
	AllowedRATs   byte
	StreamLast    bool
}

// Config parameterizes an Engine. MaxTransitions is the per-context
// circuit breaker bound (reference: 64).
type Config struct {
	Verifier       permit.Verifier
	IssuerKey      []byte
	MaxTransitions int
}

// Engine evaluates Gate 2's transition function against contexts it is
// given; it holds no per-subscriber state itself.
type Engine struct {
	cfg Config
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = 64
	}
	return &Engine{cfg: cfg}
}

// Step evaluates event against ctx at timestamp now, mutating ctx in
// place and returning the action produced. Step never blocks and
// always produces exactly one action.
func (e *Engine) Step(ctx *Context, ev Event, payload Payload, now uint32) Action {
	newState, allow, request, log, rats := e.evaluate(ctx, ev, payload, now)

	ctx.TransitionCount++
	if ctx.TransitionCount > e.cfg.MaxTransitions {
		newState = StateFailsafe
		allow, request, rats = false, false, 0
		log = true
	}

	prev := ctx.State
	ctx.PreviousState = prev
	if newState != prev {
		ctx.State = newState
		ctx.StateEnteredAt = now
	}

	return Action{
		SubscriberID:  ctx.SubscriberID,
		NewState:      newState,
		PreviousState: prev,
		TriggerEvent:  ev,
		AllowAttach:   allow,
		RequestPermit: request,
		LogSecurity:   log,
		AllowedRATs:   rats,
	}
}

// evaluate computes the priority-override path and, failing that, the
// state-indexed transition table. It does not touch transition
// counting or StateEnteredAt; Step handles that uniformly for every
// path so the circuit breaker sees every transition exactly once.
func (e *Engine) evaluate(ctx *Context, ev Event, payload Payload, now uint32) (newState State, allow, request, log bool, rats byte) {
	if ev == EventEmergencyDial && isEmergencyNumber(payload.DialledNumber) {
		ctx.InEmergency = true
		return StateEmergency, true, false, true, permit.RATAll
	}
	if ev == EventEmergencyEnd && ctx.InEmergency {
		ctx.InEmergency = false
		return StateScan5G, false, false, false, permit.RAT5G
	}

	switch ctx.State {
	case StateInit:
		return StateScan5G, false, false, false, 0

	case StateScan5G:
		switch ev {
		case EventFiveGFound:
			return StateAttach5G, true, false, false, permit.RAT5G
		case EventTimeout:
			return StatePermitReq, false, true, true, 0
		default:
			return StateScan5G, false, false, false, 0
		}

	case StateAttach5G:
		switch ev {
		case EventFiveGAttached:
			return StateConn5G, true, false, false, permit.RAT5G
		case EventServiceReject:
			return StatePermitReq, false, true, true, 0
		case EventTimeout, EventError:
			ctx.AttachFailures++
			if ctx.AttachFailures > attachFailureLimit {
				return StateFailsafe, false, false, true, 0
			}
			return StateScan5G, false, false, false, 0
		default:
			return StateAttach5G, false, false, false, 0
		}

	case StateConn5G:
		switch ev {
		case EventFiveGLost, EventServiceReject:
			return StatePermitReq, false, true, true, 0
		default:
			return StateConn5G, true, false, false, 0
		}

	case StatePermitReq:
		switch ev {
		case EventPermitReceived:
			ctx.CachedPermit = payload.Permit
			return StatePermitVal, false, false, false, 0
		case EventFiveGFound:
			return StateAttach5G, true, false, false, 0
		case EventTimeout:
			return StateReject, false, false, true, 0
		default:
			return StatePermitReq, false, true, false, 0
		}

	case StatePermitVal:
		// Every event reaching this state triggers a recheck of the
		// cached permit at the current timestamp, regardless of kind.
		if ctx.CachedPermit != nil && permit.Valid(*ctx.CachedPermit, now, e.cfg.Verifier, e.cfg.IssuerKey) {
			ctx.HasPermit = true
			ctx.PermitExpiry = ctx.CachedPermit.ValidUntil
			ctx.PermitFailures = 0
			return StateLegacyOK, true, false, false, ctx.CachedPermit.AllowedRATs
		}
		ctx.PermitFailures++
		return StateReject, false, false, true, 0

	case StateLegacyOK:
		permitStale := ctx.CachedPermit != nil && !ctx.CachedPermit.Within(now)
		switch {
		case ev == EventFiveGFound:
			return StateAttach5G, true, false, false, permit.RAT5G
		case ev == EventPermitExpired || permitStale:
			ctx.HasPermit = false
			return StatePermitReq, false, true, false, 0
		default:
			var r byte
			if ctx.CachedPermit != nil {
				r = ctx.CachedPermit.AllowedRATs
			}
			return StateAttachLegacy, true, false, false, r
		}

	case StateAttachLegacy:
		if ctx.CachedPermit == nil || !permit.Valid(*ctx.CachedPermit, now, e.cfg.Verifier, e.cfg.IssuerKey) {
			return StateReject, false, false, true, 0
		}
		switch ev {
		case EventLegacyAttached:
			return StateConnLegacy, true, false, false, ctx.CachedPermit.AllowedRATs
		case EventLegacyFailed:
			ctx.AttachFailures++
			return StateScan5G, false, false, false, 0
		case EventFiveGFound:
			return StateAttach5G, true, false, false, permit.RAT5G
		default:
			var r byte
			if ctx.CachedPermit != nil {
				r = ctx.CachedPermit.AllowedRATs
			}
			return StateAttachLegacy, true, false, false, r
		}

	case StateConnLegacy:
		if ctx.CachedPermit == nil || !permit.Valid(*ctx.CachedPermit, now, e.cfg.Verifier, e.cfg.IssuerKey) {
			return StatePermitReq, false, true, true, 0
		}
		switch ev {
		case EventFiveGFound:
			return StateAttach5G, true, false, false, permit.RAT5G
		case EventPermitExpired:
			ctx.HasPermit = false
			return StatePermitReq, false, true, false, 0
		default:
			return StateConnLegacy, true, false, false, ctx.CachedPermit.AllowedRATs
		}

	case StateEmergency:
		return StateEmergency, true, false, false, permit.RATAll

	case StateReject:
		return StateScan5G, false, false, true, 0

	case StateFailsafe:
		return StateFailsafe, false, false, false, 0

	default:
		return StateFailsafe, false, false, true, 0
	}
}
