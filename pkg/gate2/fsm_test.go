package gate2

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/arc3silicon/dgateplus/pkg/permit"
)

func newTestEngine() *Engine {
	return NewEngine(Config{Verifier: permit.FakeVerifier{}, IssuerKey: nil})
}

func TestScenarioFiveGAttachReachesConn5G(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateScan5G

	a1 := e.Step(ctx, EventFiveGFound, Payload{}, 0)
	if a1.NewState != StateAttach5G || !a1.AllowAttach || a1.AllowedRATs != permit.RAT5G {
		t.Fatalf("after 5G_FOUND: %+v", a1)
	}
	a2 := e.Step(ctx, EventFiveGAttached, Payload{}, 1)
	if a2.NewState != StateConn5G || !a2.AllowAttach || a2.AllowedRATs != permit.RAT5G {
		t.Fatalf("after 5G_ATTACHED: %+v", a2)
	}
}

func TestScenarioValidPermitReachesConnLegacy(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateConn5G

	a1 := e.Step(ctx, EventServiceReject, Payload{}, 10)
	if a1.NewState != StatePermitReq || !a1.RequestPermit || !a1.LogSecurity {
		t.Fatalf("after SERVICE_REJECT: %+v", a1)
	}

	p := permit.Permit{
		Version:     1,
		Subject:     1,
		AllowedRATs: permit.RAT4G,
		ValidFrom:   0,
		ValidUntil:  1000,
		Signature:   []byte{1},
	}
	a2 := e.Step(ctx, EventPermitReceived, Payload{Permit: &p}, 11)
	if a2.NewState != StatePermitVal {
		t.Fatalf("after PERMIT_RECEIVED: %+v", a2)
	}
	a3 := e.Step(ctx, EventTimeout, Payload{}, 12)
	if a3.NewState != StateLegacyOK || !a3.AllowAttach || a3.AllowedRATs != permit.RAT4G {
		t.Fatalf("after permit recheck: %+v", a3)
	}
	a4 := e.Step(ctx, EventTimeout, Payload{}, 13)
	if a4.NewState != StateAttachLegacy || !a4.AllowAttach || a4.AllowedRATs != permit.RAT4G {
		t.Fatalf("after LEGACY_OK: %+v", a4)
	}
	a5 := e.Step(ctx, EventLegacyAttached, Payload{}, 14)
	if a5.NewState != StateConnLegacy || !a5.AllowAttach || a5.AllowedRATs != permit.RAT4G {
		t.Fatalf("after LEGACY_ATTACHED: %+v", a5)
	}
}

func TestScenarioInvalidSignatureRejected(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateConn5G

	e.Step(ctx, EventServiceReject, Payload{}, 10)
	badPermit := permit.Permit{
		Subject:     1,
		AllowedRATs: permit.RAT4G,
		ValidFrom:   0,
		ValidUntil:  1000,
		Signature:   nil, // all-zero/empty fails FakeVerifier
	}
	e.Step(ctx, EventPermitReceived, Payload{Permit: &badPermit}, 11)
	final := e.Step(ctx, EventTimeout, Payload{}, 12)

	if final.NewState != StateReject && final.NewState != StateScan5G {
		t.Fatalf("expected final state in {REJECT, SCAN_5G}, got %v", final.NewState)
	}
	if !final.LogSecurity || final.AllowAttach {
		t.Fatalf("expected log-security set and allow-attach clear: %+v", final)
	}
}

func TestScenarioEmergencyDialOverridesAnyState(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateFailsafe

	a1 := e.Step(ctx, EventEmergencyDial, Payload{DialledNumber: 0x39313100}, 5)
	if a1.NewState != StateEmergency || !a1.AllowAttach || a1.AllowedRATs != permit.RATAll {
		t.Fatalf("after EMERGENCY_DIAL(911): %+v", a1)
	}

	a2 := e.Step(ctx, EventEmergencyEnd, Payload{}, 6)
	if a2.NewState != StateScan5G || a2.AllowedRATs != permit.RAT5G {
		t.Fatalf("after EMERGENCY_END: %+v", a2)
	}
}

func TestEmergencyNumberRecognizesTrailingDigitAmbiguity(t *testing.T) {
	// "9110" packed big-endian in the top 3 bytes plus a trailing digit
	// byte still matches per the carried-forward ambiguity.
	if !isEmergencyNumber(0x39313130) {
		t.Fatalf("expected upper-24-bit match on trailing digit to recognize as emergency")
	}
	if isEmergencyNumber(0x00000000) {
		t.Fatalf("expected zero value to not be recognized as emergency")
	}
}

func TestEmergencyNumberRecognizesBareLiteralWithNoTrailingByte(t *testing.T) {
	if !isEmergencyNumber(emergency911) {
		t.Fatalf("expected bare 911 literal with no trailing byte to be recognized as emergency")
	}
	if !isEmergencyNumber(emergency112) {
		t.Fatalf("expected bare 112 literal with no trailing byte to be recognized as emergency")
	}
}

func TestScenarioEmergencyDialBareLiteralOverridesAnyState(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateFailsafe

	a := e.Step(ctx, EventEmergencyDial, Payload{DialledNumber: emergency911}, 5)
	if a.NewState != StateEmergency || !a.AllowAttach || a.AllowedRATs != permit.RATAll {
		t.Fatalf("after EMERGENCY_DIAL(bare 911 literal): %+v", a)
	}
}

func TestTransitionCountCircuitBreakerTripsFailsafe(t *testing.T) {
	e := NewEngine(Config{Verifier: permit.FakeVerifier{}, MaxTransitions: 3})
	ctx := NewContext(1)

	var last Action
	for i := 0; i < 5; i++ {
		last = e.Step(ctx, EventTimeout, Payload{}, uint32(i))
	}
	if last.NewState != StateFailsafe || !last.LogSecurity || last.AllowAttach {
		t.Fatalf("expected FAILSAFE with log-security after exceeding MaxTransitions: %+v", last)
	}
}

func TestConnLegacyForceDisconnectsOnInvalidPermit(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateConnLegacy
	ctx.CachedPermit = &permit.Permit{Subject: 1, AllowedRATs: permit.RAT4G, Signature: nil}

	a := e.Step(ctx, EventTimeout, Payload{}, 100)
	if a.NewState != StatePermitReq || a.AllowAttach || !a.RequestPermit || !a.LogSecurity {
		t.Fatalf("expected forced disconnect into PERMIT_REQ: %+v", a)
	}
}

func TestAttachLegacyUnlistedEventPreservesAllowedRATs(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateAttachLegacy
	ctx.CachedPermit = &permit.Permit{Subject: 1, AllowedRATs: permit.RAT4G, ValidFrom: 0, ValidUntil: 1000, Signature: []byte{1}}

	a := e.Step(ctx, EventServiceReject, Payload{}, 100)
	if a.NewState != StateAttachLegacy || !a.AllowAttach {
		t.Fatalf("expected to remain in ATTACH_LEGACY with allow-attach set: %+v", a)
	}
	if a.AllowedRATs != ctx.CachedPermit.AllowedRATs {
		t.Fatalf("expected AllowedRATs to carry forward the cached permit's bits, got %v", a.AllowedRATs)
	}
}

func TestAttachFailureLimitTripsFailsafe(t *testing.T) {
	e := newTestEngine()
	ctx := NewContext(1)
	ctx.State = StateAttach5G

	var last Action
	for i := 0; i < 4; i++ {
		last = e.Step(ctx, EventTimeout, Payload{}, uint32(i))
		if last.NewState == StateFailsafe {
			break
		}
		ctx.State = StateAttach5G // TIMEOUT without exceeding the breaker returns to SCAN_5G; re-enter to retry
	}
	if last.NewState != StateFailsafe || !last.LogSecurity {
		t.Fatalf("expected FAILSAFE after exceeding attach-failure limit, got %+v", last)
	}
}

func TestEveryTransitionProducesExactlyOneActionInKnownState(t *testing.T) {
	e := newTestEngine()
	states := []State{
		StateInit, StateScan5G, StateAttach5G, StateConn5G, StatePermitReq,
		StatePermitVal, StateLegacyOK, StateAttachLegacy, StateConnLegacy,
		StateEmergency, StateReject, StateFailsafe,
	}
	events := []Event{
		EventFiveGFound, EventFiveGAttached, EventFiveGLost, EventServiceReject,
		EventPermitReceived, EventPermitValid, EventPermitInvalid, EventPermitExpired,
		EventLegacyAttached, EventLegacyFailed, EventEmergencyDial, EventEmergencyEnd,
		EventTimeout, EventError,
	}
	valid := map[State]bool{}
	for _, s := range states {
		valid[s] = true
	}
	for _, s := range states {
		for _, ev := range events {
			ctx := NewContext(1)
			ctx.State = s
			a := e.Step(ctx, ev, Payload{}, 0)
			if !valid[a.NewState] {
				t.Fatalf("state %s + event %s produced unknown state %s", s, ev, a.NewState)
			}
		}
	}
}

func TestRealSignatureEd25519PathThroughPermitVal(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := NewEngine(Config{Verifier: permit.Ed25519Verifier{}, IssuerKey: pub})
	ctx := NewContext(1)
	ctx.State = StatePermitReq

	p := permit.Permit{Version: 1, Subject: 1, AllowedRATs: permit.RAT3G, ValidFrom: 0, ValidUntil: 1000}
	payload, err := permit.SigningPayload(p)
	if err != nil {
		t.Fatalf("SigningPayload() error: %v", err)
	}
	p.Signature = ed25519.Sign(priv, payload)

	e.Step(ctx, EventPermitReceived, Payload{Permit: &p}, 50)
	final := e.Step(ctx, EventTimeout, Payload{}, 51)
	if final.NewState != StateLegacyOK || final.AllowedRATs != permit.RAT3G {
		t.Fatalf("expected LEGACY_OK with permit's RATs, got %+v", final)
	}
}
