package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("mnnet:wallet:v1", []byte("pass"), []byte("salt"))
	a2 := KDF("mnnet:wallet:v1", []byte("pass"), []byte("salt"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("mnnet:other:v1", []byte("pass"), []byte("salt"))
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if len(pub) != PubKeySize || len(priv) != PrivKeySize {
		t.Fatalf("unexpected key sizes %d/%d", len(pub), len(priv))
	}
	digest := SHA3_256([]byte("announce"))
	sig, err := SignDigest(priv, digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !Verify(pub, digest, sig) {
		t.Fatalf("expected signature to verify")
	}
	other := SHA3_256([]byte("other"))
	if Verify(pub, other, sig) {
		t.Fatalf("expected verify failure on different digest")
	}
	pub2, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if Verify(pub2, digest, sig) {
		t.Fatalf("expected verify failure for other key")
	}
	if _, err := SignDigest(priv, []byte("short")); err == nil {
		t.Fatalf("expected digest size error")
	}
}

func TestKeyIDStable(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	derived, err := PubFromPriv(priv)
	if err != nil {
		t.Fatalf("pub from priv failed: %v", err)
	}
	if !bytes.Equal(pub, derived) {
		t.Fatalf("pub mismatch")
	}
	id1, err := KeyID(pub)
	if err != nil {
		t.Fatalf("key id failed: %v", err)
	}
	id2, _ := KeyID(derived)
	if id1 != id2 {
		t.Fatalf("key id not stable")
	}
	if _, err := KeyID([]byte("junk")); err == nil {
		t.Fatalf("expected error for junk key")
	}
}

func TestXSealOpen(t *testing.T) {
	key := KDF("test", []byte("k"))
	nonce, ct, err := XSeal(key, []byte("secret"), []byte("aad"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	pt, err := XOpen(key, nonce, ct, []byte("aad"))
	if err != nil || string(pt) != "secret" {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other")); err == nil {
		t.Fatalf("expected aad mismatch")
	}
}
