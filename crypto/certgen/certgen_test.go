package certgen

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateAllWritesLoadableCertPair(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateAll(dir, "node-a", nil); err != nil {
		t.Fatalf("generate all: %v", err)
	}

	for _, f := range []string{"ca.crt", "ca.key", "node-a.crt", "node-a.key"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("expected %s to exist: %v", f, err)
		}
	}

	pair, err := tls.LoadX509KeyPair(filepath.Join(dir, "node-a.crt"), filepath.Join(dir, "node-a.key"))
	if err != nil {
		t.Fatalf("load node key pair: %v", err)
	}
	if len(pair.Certificate) == 0 {
		t.Fatalf("expected at least one certificate in the chain")
	}
}

func TestGenerateAllNodeCertSignedByCA(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateAll(dir, "node-b", nil); err != nil {
		t.Fatalf("generate all: %v", err)
	}

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatalf("read ca cert: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatalf("failed to parse CA cert")
	}

	nodePEM, err := os.ReadFile(filepath.Join(dir, "node-b.crt"))
	if err != nil {
		t.Fatalf("read node cert: %v", err)
	}
	block, _ := pem.Decode(nodePEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse node cert: %v", err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}}); err != nil {
		t.Fatalf("expected node cert to verify against the CA pool: %v", err)
	}
}
