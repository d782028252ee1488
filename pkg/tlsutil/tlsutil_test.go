package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	cfg, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("invalid certificate: %v", err)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("expected certificate for localhost: %v", err)
	}
}

func TestGenerateAndSaveCert(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}

	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		t.Fatalf("saved pair does not load: %v", err)
	}
	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected key mode 0600, got %o", perm)
	}
}
