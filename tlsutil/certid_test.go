package tlsutil

import "testing"

func TestCertificateIDStable(t *testing.T) {
	ca, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	first, err := CertificateID(ca.CertPEM)
	if err != nil {
		t.Fatalf("certificate id: %v", err)
	}
	if first == "" {
		t.Fatal("empty certificate id")
	}
	again, err := CertificateID(ca.CertPEM)
	if err != nil || again != first {
		t.Fatalf("second id = %q, %v; want %q", again, err, first)
	}
	other, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	if id, _ := CertificateID(other.CertPEM); id == first {
		t.Fatalf("distinct CAs share id %q", id)
	}
}

func TestCertificateIDRejectsEmpty(t *testing.T) {
	if _, err := CertificateID(nil); err == nil {
		t.Fatal("expected error for empty pem")
	}
}
