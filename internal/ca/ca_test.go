package ca

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/logging"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache"), logging.New("error", false), cache.Options{Enabled: true, MinFileSize: 1})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(store.Stop)
	return Options{
		CertPath:     filepath.Join(dir, "ca_server.crt"),
		KeyPath:      filepath.Join(dir, "ca_server.key"),
		CRLPath:      filepath.Join(dir, "crl.pem"),
		CRLHost:      "127.0.0.1",
		CRLPort:      27580,
		AlwaysAppend: []string{"always.example"},
		LeafKeyMode:  LeafKeyShared,
		Store:        store,
	}
}

func TestGenerateThenLoadRoundTrip(t *testing.T) {
	opts := testOptions(t)
	a, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Fingerprint() == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	loaded, err := Load(opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint() != a.Fingerprint() {
		t.Fatal("loaded root fingerprint does not match generated root")
	}
}

func TestGenerateRefusesToOverwrite(t *testing.T) {
	opts := testOptions(t)
	if _, err := Generate(opts); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := Generate(opts); err == nil {
		t.Fatal("expected second Generate to refuse to overwrite existing root")
	}
}

func TestLoadFailsWithoutExistingRoot(t *testing.T) {
	opts := testOptions(t)
	if _, err := Load(opts); err == nil {
		t.Fatal("expected Load to fail when no root exists")
	}
}

func TestIssueLeafProducesUsableTLSCertificate(t *testing.T) {
	opts := testOptions(t)
	a, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	certPEM, keyPEM, err := a.IssueLeaf("example.com", []string{"example.com", "*.example.com"})
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("issued leaf is not a valid TLS key pair: %v", err)
	}
}

func TestIssueLeafIsMemoized(t *testing.T) {
	opts := testOptions(t)
	a, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert1, _, err := a.IssueLeaf("example.com", []string{"example.com"})
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	cert2, _, err := a.IssueLeaf("example.com", []string{"example.com"})
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if string(cert1) != string(cert2) {
		t.Fatal("expected second IssueLeaf call to return the memoized certificate")
	}
}
