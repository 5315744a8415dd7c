package engine

import (
	"testing"

	"github.com/arc3silicon/dgateplus/pkg/correlation"
	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
	"github.com/arc3silicon/dgateplus/pkg/fixedpoint"
	"github.com/arc3silicon/dgateplus/pkg/gate1"
	"github.com/arc3silicon/dgateplus/pkg/gate2"
	"github.com/arc3silicon/dgateplus/pkg/permit"
	"github.com/arc3silicon/dgateplus/pkg/plab"
	"github.com/arc3silicon/dgateplus/pkg/sessionpool"
	"github.com/arc3silicon/dgateplus/pkg/stream"
)

func newTestEngine() *Engine {
	codec := fingerprint.NewCodec(4, fixedpoint.Q8_8)
	scorer := correlation.NewScorer(codec, fixedpoint.Q16_16)
	registry := plab.New(16, 4, 1000)
	g1 := gate1.NewEngine(gate1.Config{Registry: registry, Scorer: &scorer})
	g2 := gate2.NewEngine(gate2.Config{Verifier: permit.FakeVerifier{}})
	return New(g1, g2, sessionpool.New(4), stream.NewHub())
}

func TestEventAllocatesSessionOnFirstEvent(t *testing.T) {
	e := newTestEngine()
	action := e.Event(1, gate2.EventFiveGFound, gate2.Payload{}, 0)
	if action.NewState != gate2.StateScan5G {
		t.Fatalf("NewState = %v, want SCAN_5G", action.NewState)
	}
	if e.PoolOccupancy() != 1 {
		t.Fatalf("PoolOccupancy() = %d, want 1", e.PoolOccupancy())
	}
}

func TestEventReturnsSyntheticFailsafeWhenPoolFull(t *testing.T) {
	e := newTestEngine()
	for i := uint64(1); i <= 4; i++ {
		e.Event(i, gate2.EventFiveGFound, gate2.Payload{}, 0)
	}
	action := e.Event(5, gate2.EventFiveGFound, gate2.Payload{}, 0)
	if action.NewState != gate2.StateFailsafe || !action.LogSecurity || action.AllowAttach {
		t.Fatalf("expected synthetic FAILSAFE action for subscriber 5, got %+v", action)
	}
	if e.PoolOccupancy() != 4 {
		t.Fatalf("PoolOccupancy() = %d, want 4 (rejection must not allocate)", e.PoolOccupancy())
	}
}

func TestDetachFreesSlotForNewSubscriber(t *testing.T) {
	e := newTestEngine()
	for i := uint64(1); i <= 4; i++ {
		e.Event(i, gate2.EventFiveGFound, gate2.Payload{}, 0)
	}
	e.Detach(1)
	action := e.Event(5, gate2.EventFiveGFound, gate2.Payload{}, 0)
	if action.NewState == gate2.StateFailsafe {
		t.Fatalf("expected pool slot to be reused after Detach, got FAILSAFE")
	}
}

func TestSessionReflectsLatestState(t *testing.T) {
	e := newTestEngine()
	e.Event(1, gate2.EventFiveGFound, gate2.Payload{}, 0)
	ctx, ok := e.Session(1)
	if !ok || ctx.State != gate2.StateScan5G {
		t.Fatalf("Session(1) = %+v, %v, want SCAN_5G", ctx, ok)
	}
}

func TestActiveSessionsReflectsAllocatedSubscribers(t *testing.T) {
	e := newTestEngine()
	e.Event(1, gate2.EventFiveGFound, gate2.Payload{}, 0)
	e.Event(2, gate2.EventFiveGFound, gate2.Payload{}, 0)
	active := e.ActiveSessions()
	if len(active) != 2 {
		t.Fatalf("ActiveSessions() returned %d contexts, want 2", len(active))
	}
}

func TestAdmitUnknownThenEnrollThenAccept(t *testing.T) {
	e := newTestEngine()
	vec := make([]fingerprint.ComplexSample, 4)
	for i := range vec {
		vec[i] = fingerprint.ComplexSample{
			Re: fixedpoint.FromFloat(fixedpoint.Q8_8, 0.9),
			Im: fixedpoint.FromFloat(fixedpoint.Q8_8, 0.1),
		}
	}
	res, err := e.Admit(1, vec, 0)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if res.Decision != gate1.DecisionUnknown {
		t.Fatalf("Decision = %v, want UNKNOWN", res.Decision)
	}
	if err := e.Enroll(1, vec, 0); err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	res, err = e.Admit(1, vec, 5)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if res.Decision != gate1.DecisionAccept {
		t.Fatalf("Decision = %v, want ACCEPT", res.Decision)
	}
}
