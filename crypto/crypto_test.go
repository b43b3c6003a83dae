package crypto

import "testing"

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	if a != b {
		t.Fatalf("expected same input to hash identically")
	}
	if Hash([]byte("hello")) == Hash([]byte("world")) {
		t.Fatalf("expected different input to hash differently")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	msg := []byte("sub-block header")
	sig := Sign(priv, msg)

	if err := Verify(pub, msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	sig := Sign(priv, []byte("original"))
	if err := Verify(pub, []byte("tampered"), sig); err == nil {
		t.Fatalf("expected verification to fail for a tampered message")
	}
}

func TestVerifyRejectsMalformedHex(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if err := Verify(pub, []byte("msg"), "not-hex!!"); err == nil {
		t.Fatalf("expected malformed signature hex to fail")
	}
}

func TestPublicKeyAddressAndHexRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if len(pub.Address()) != 40 {
		t.Fatalf("expected a 40-char hex address, got %d chars", len(pub.Address()))
	}

	decoded, err := PubKeyFromHex(pub.Hex())
	if err != nil {
		t.Fatalf("decode pubkey hex: %v", err)
	}
	if decoded.Hex() != pub.Hex() {
		t.Fatalf("round trip mismatch")
	}
}

func TestPrivateKeyPublicDerivesMatchingKey(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if priv.Public().Hex() != pub.Hex() {
		t.Fatalf("derived public key does not match generated public key")
	}
}
