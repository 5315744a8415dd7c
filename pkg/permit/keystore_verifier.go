package permit

import "context"

// KeyStoreVerifier resolves the signing key for a permit's own issuer
// identifier through a KeyStore before delegating the actual
// signature check to Inner, so each home network can rotate its
// signing key independently of this service's static configuration.
// The issuerKey argument Verify receives is ignored: the permit's
// IssuerKey() is authoritative here.
type KeyStoreVerifier struct {
	Store KeyStore
	Inner Verifier
}

func (v KeyStoreVerifier) Verify(p Permit, _ []byte) bool {
	rec, err := v.Store.GetKey(context.Background(), p.IssuerKey())
	if err != nil {
		return false
	}
	return v.Inner.Verify(p, rec.PublicKey)
}
