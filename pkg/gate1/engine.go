// Package gate1 implements the PLAB admission decision: registry
// lookup, freshness check, correlation scoring, and threshold
// comparison, in the order spec'd.
package gate1

import (
	"github.com/arc3silicon/dgateplus/pkg/correlation"
	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
	"github.com/arc3silicon/dgateplus/pkg/fixedpoint"
	"github.com/arc3silicon/dgateplus/pkg/plab"
)

// Decision is the outcome of one admission request.
type Decision string

const (
	DecisionUnknown Decision = "UNKNOWN"
	DecisionExpired Decision = "EXPIRED"
	DecisionAccept  Decision = "ACCEPT"
	DecisionReject  Decision = "REJECT"
)

// Result carries the decision and, when one was computed, the
// correlation score behind it.
type Result struct {
	SubscriberID uint64
	Decision     Decision
	Score        fixedpoint.Value
}

// Config parameterizes an Engine. Threshold is the acceptance bound
// on the correlation score (reference: 0.8).
type Config struct {
	Registry  *plab.Registry
	Scorer    *correlation.Scorer
	Threshold float64
}

// Engine evaluates Gate 1 admission requests against a binding
// registry and a correlation scorer. It holds no per-request state.
type Engine struct {
	cfg Config
}

// NewEngine constructs an Engine from cfg. A zero Threshold defaults
// to 0.8.
func NewEngine(cfg Config) *Engine {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.8
	}
	return &Engine{cfg: cfg}
}

// Admit evaluates one admission request: look up the subscriber's
// stored handle, check freshness, score the live channel vector
// against it, and compare to the acceptance threshold.
func (e *Engine) Admit(subscriberID uint64, vec []fingerprint.ComplexSample, now uint32) (Result, error) {
	entry, found := e.cfg.Registry.Lookup(subscriberID)
	if !found {
		return Result{SubscriberID: subscriberID, Decision: DecisionUnknown}, nil
	}
	if e.cfg.Registry.EntryExpired(entry, now) {
		return Result{SubscriberID: subscriberID, Decision: DecisionExpired}, nil
	}

	score, err := e.cfg.Scorer.Score(vec, entry.Handle)
	if err != nil {
		return Result{}, err
	}
	if score.GreaterThan(e.cfg.Threshold) {
		return Result{SubscriberID: subscriberID, Decision: DecisionAccept, Score: score}, nil
	}
	return Result{SubscriberID: subscriberID, Decision: DecisionReject, Score: score}, nil
}

// Enroll upserts a subscriber's stored fingerprint handle, computed
// from a reference channel vector, into the registry.
func (e *Engine) Enroll(subscriberID uint64, vec []fingerprint.ComplexSample, now uint32) error {
	handle, err := e.cfg.Scorer.Codec.Encode(vec)
	if err != nil {
		return err
	}
	return e.cfg.Registry.Upsert(subscriberID, handle, now)
}
