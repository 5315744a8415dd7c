package permit

import (
	"crypto/ed25519"
)

// Verifier is the abstract boolean collaborator the state machine
// treats permit signing as. The core requires only a pure function of
// (permit, issuer key); it never inspects the algorithm.
type Verifier interface {
	Verify(p Permit, issuerKey []byte) bool
}

// Ed25519Verifier checks a permit's signature over its canonical
// binding payload using a standard Ed25519 public key.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(p Permit, issuerKey []byte) bool {
	if len(issuerKey) != ed25519.PublicKeySize {
		return false
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return false
	}
	payload, err := SigningPayload(p)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(issuerKey), payload, p.Signature)
}

// FakeVerifier is the test fake design notes call out: the signature
// field is treated as "non-zero => valid", independent of the issuer
// key. It exists so Gate 2's state-machine tests do not depend on a
// real keypair.
type FakeVerifier struct{}

func (FakeVerifier) Verify(p Permit, issuerKey []byte) bool {
	for _, b := range p.Signature {
		if b != 0 {
			return true
		}
	}
	return false
}
