package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateAndSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("handshake-nonce")
	sig := id.Sign(msg)
	if err := Verify(id.PublicKeyHex(), msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(id.PublicKeyHex(), []byte("tampered"), sig); err == nil {
		t.Fatalf("expected verification to fail against a tampered message")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.keystore")
	if err := id.Save(path, "correct horse"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "correct horse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PeerID() != id.PeerID() {
		t.Fatalf("peer id mismatch after reload: got %s, want %s", loaded.PeerID(), id.PeerID())
	}

	if _, err := Load(path, "wrong password"); err == nil {
		t.Fatalf("expected Load with wrong password to fail")
	}
}

func TestLoadOrGenerateCreatesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.keystore")
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected keystore to not exist yet")
	}

	first, err := LoadOrGenerate(path, "pw")
	if err != nil {
		t.Fatalf("LoadOrGenerate (create): %v", err)
	}
	second, err := LoadOrGenerate(path, "pw")
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatalf("expected the same identity to be reloaded on the second call")
	}
}
