package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestIssueServerVerifiesAgainstCA(t *testing.T) {
	ca, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	if ca.Cert.Subject.CommonName != "cpfd-ca" {
		t.Fatalf("unexpected ca cn %q", ca.Cert.Subject.CommonName)
	}
	issued, err := ca.IssueServer(nil, "", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	pair, err := tls.X509KeyPair(issued.CertPEM, issued.KeyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if _, err := leaf.Verify(x509.VerifyOptions{Roots: ca.CertPool(), DNSName: host}); err != nil {
			t.Fatalf("verify %s: %v", host, err)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: x509.NewCertPool(), DNSName: "localhost"}); err == nil {
		t.Fatal("expected verification failure with empty pool")
	}
}

func TestIssueServerNilCA(t *testing.T) {
	var ca *CA
	if _, err := ca.IssueServer(nil, "", 0); err == nil {
		t.Fatal("expected error for nil ca")
	}
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA("test-ca", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	if err := WriteCA(caPath, ca, false); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if err := WriteCA(caPath, ca, false); err == nil {
		t.Fatal("expected refusal to overwrite without force")
	}
	loaded, err := LoadCA(caPath)
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	if !loaded.Cert.Equal(ca.Cert) {
		t.Fatal("loaded ca differs")
	}
	issued, err := loaded.IssueServer([]string{"cpfd.local"}, "", 0)
	if err != nil {
		t.Fatalf("issue from loaded ca: %v", err)
	}
	certPath := filepath.Join(dir, "tls", "server.crt")
	keyPath := filepath.Join(dir, "tls", "server.key")
	if err := WritePair(certPath, keyPath, issued.CertPEM, issued.KeyPEM, false); err != nil {
		t.Fatalf("write pair: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected key mode 0600, got %v", info.Mode().Perm())
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if err := WritePair(certPath, keyPath, issued.CertPEM, issued.KeyPEM, false); err == nil {
		t.Fatal("expected refusal to overwrite pair without force")
	}
	if err := WritePair(certPath, keyPath, issued.CertPEM, issued.KeyPEM, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := LoadCertPool(caPath); err != nil {
		t.Fatalf("load cert pool: %v", err)
	}
}

func TestLoadCARejectsLeaf(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	issued, err := ca.IssueServer(nil, "", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	path := filepath.Join(dir, "leaf.pem")
	if err := os.WriteFile(path, append(issued.CertPEM, issued.KeyPEM...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCA(path); err == nil {
		t.Fatal("expected leaf certificate to be rejected as CA")
	}
}
