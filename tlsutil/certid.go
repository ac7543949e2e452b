package tlsutil

import (
	"fmt"

	"pkt.systems/kryptograf"
)

// CertificateID returns the stable identifier of the first certificate in
// pemData. Operators use it to tell CAs apart without diffing PEM files.
func CertificateID(pemData []byte) (string, error) {
	if len(pemData) == 0 {
		return "", fmt.Errorf("tlsutil: certificate id: empty pem")
	}
	ids, err := kryptograf.CertificateIDsFromPEM(pemData)
	if err != nil {
		return "", fmt.Errorf("tlsutil: certificate id: %w", err)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("tlsutil: certificate id: no certificates found")
	}
	return ids[0], nil
}
