// Package permit models the downgrade permit Gate 2 requires before
// allowing attachment to a legacy radio, and the signature-verification
// collaborator that decides whether a permit is authentic.
package permit

import (
	"encoding/json"
	"fmt"

	"github.com/arc3silicon/dgateplus/pkg/wire"
)

// RAT bitmap bits, one per radio access technology.
const (
	RAT5G byte = 1 << 3
	RAT4G byte = 1 << 2
	RAT3G byte = 1 << 1
	RAT2G byte = 1 << 0

	RATAll  byte = RAT5G | RAT4G | RAT3G | RAT2G
	RATNone byte = 0
)

// GeoBound is the optional geographic restriction carried on a permit.
// It does not gate Gate 2's core transition logic; see package geobound.
type GeoBound struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusKM     float64
}

// Permit is a signed, bounded-time, bounded-RAT authorization from a
// subscriber's home network to attach to a legacy radio.
type Permit struct {
	Version       byte
	Subject       uint64
	IssuerID      uint32 // 24-bit issuer network identifier
	AllowedRATs   byte
	EmergencyOnly bool
	ValidFrom     uint32
	ValidUntil    uint32
	Geo           *GeoBound
	Signature     []byte
}

// IssuerKey identifies a resolved issuer public key by the hex-coded
// form of its 24-bit issuer identifier, the same string a KeyStore
// resolves.
func (p Permit) IssuerKey() string {
	return fmt.Sprintf("%06X", p.IssuerID&0xFFFFFF)
}

// bindingFields is the subset of Permit fields the signature actually
// covers: the signature itself is obviously excluded.
type bindingFields struct {
	Version       byte      `json:"version"`
	Subject       uint64    `json:"subject"`
	Issuer        uint32    `json:"issuer"`
	AllowedRATs   byte      `json:"allowed_rats"`
	EmergencyOnly bool      `json:"emergency_only"`
	ValidFrom     uint32    `json:"valid_from"`
	ValidUntil    uint32    `json:"valid_until"`
	Geo           *GeoBound `json:"geo,omitempty"`
}

// SigningPayload returns the canonical byte sequence a permit's
// signature is computed and verified over.
func SigningPayload(p Permit) ([]byte, error) {
	binding := bindingFields{
		Version:       p.Version,
		Subject:       p.Subject,
		Issuer:        p.IssuerID,
		AllowedRATs:   p.AllowedRATs,
		EmergencyOnly: p.EmergencyOnly,
		ValidFrom:     p.ValidFrom,
		ValidUntil:    p.ValidUntil,
		Geo:           p.Geo,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal permit binding: %w", err)
	}
	canon, err := wire.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize permit binding: %w", err)
	}
	return canon, nil
}

// Within reports whether now falls in the permit's validity window.
func (p Permit) Within(now uint32) bool {
	return now >= p.ValidFrom && now <= p.ValidUntil
}

// Valid reports whether p's signature verifies against issuerKey and
// now falls within p's validity window. This is the core's only
// notion of permit validity; it treats Verifier as an opaque boolean
// collaborator and never inspects signature bytes itself.
func Valid(p Permit, now uint32, v Verifier, issuerKey []byte) bool {
	if v == nil {
		return false
	}
	return v.Verify(p, issuerKey) && p.Within(now)
}
