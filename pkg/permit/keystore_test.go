package permit

import (
	"context"
	"testing"
)

func TestStaticKeyStorePutAndGet(t *testing.T) {
	ks := NewStaticKeyStore()
	ks.Put("00A1B2", []byte{1, 2, 3})

	rec, err := ks.GetKey(context.Background(), "00A1B2")
	if err != nil {
		t.Fatalf("GetKey() error: %v", err)
	}
	if string(rec.PublicKey) != string([]byte{1, 2, 3}) {
		t.Fatalf("GetKey() returned wrong key material")
	}
}

func TestStaticKeyStoreUnknownIssuer(t *testing.T) {
	ks := NewStaticKeyStore()
	if _, err := ks.GetKey(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown issuer")
	}
}

func TestStaticKeyStoreRevokedKey(t *testing.T) {
	ks := NewStaticKeyStore()
	ks.Put("00A1B2", []byte{1, 2, 3})
	ks.mu.Lock()
	ks.keys["00A1B2"].Status = "revoked"
	ks.mu.Unlock()

	if _, err := ks.GetKey(context.Background(), "00A1B2"); err == nil {
		t.Fatalf("expected error for revoked issuer key")
	}
}
