package uplink

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

type testKey struct {
	private   ed25519.PrivateKey
	keyID     [8]byte
	publicKey string
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var keyID [8]byte
	if _, err := rand.Read(keyID[:]); err != nil {
		t.Fatalf("key id: %v", err)
	}
	raw := append([]byte("Ed"), keyID[:]...)
	raw = append(raw, pub...)
	return testKey{
		private:   priv,
		keyID:     keyID,
		publicKey: "untrusted comment: minisign public key\n" + base64.StdEncoding.EncodeToString(raw),
	}
}

// sign produces a minisign detached signature in its text form.
func (k testKey) sign(payload []byte) string {
	sig := ed25519.Sign(k.private, payload)
	raw := append([]byte("Ed"), k.keyID[:]...)
	raw = append(raw, sig...)

	trusted := "timestamp:1700000000"
	global := ed25519.Sign(k.private, append(append([]byte{}, sig...), []byte(trusted)...))

	return "untrusted comment: signature from test key\n" +
		base64.StdEncoding.EncodeToString(raw) + "\n" +
		"trusted comment: " + trusted + "\n" +
		base64.StdEncoding.EncodeToString(global)
}

func TestSignatureVerifier(t *testing.T) {
	key := newTestKey(t)
	v, err := NewSignatureVerifier(key.publicKey)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}

	payload := []byte("payload")
	if err := v.Verify(payload, key.sign(payload)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify([]byte("other"), key.sign(payload)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for wrong payload, got %v", err)
	}
	if err := v.Verify(payload, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for missing signature, got %v", err)
	}

	other := newTestKey(t)
	if err := v.Verify(payload, other.sign(payload)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for foreign key, got %v", err)
	}
}

func TestNewSignatureVerifierRequiresKey(t *testing.T) {
	if _, err := NewSignatureVerifier("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestVerifyHeaderRoundTrip(t *testing.T) {
	key := newTestKey(t)
	v, err := NewSignatureVerifier(key.publicKey)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}
	payload := []byte(`{"monitor":{}}`)
	header := EncodeSignatureHeader([]byte(key.sign(payload)))
	if err := v.VerifyHeader(payload, header); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if err := v.VerifyHeader(payload, "%%%"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for bad encoding, got %v", err)
	}
}
