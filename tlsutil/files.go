package tlsutil

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WritePair writes a certificate and key as separate PEM files. The key is
// written with 0600 permissions. Existing files are only replaced when force
// is set.
func WritePair(certPath, keyPath string, certPEM, keyPEM []byte, force bool) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("tlsutil: create dir for %s: %w", p, err)
		}
		if force {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("tlsutil: %s already exists (use --force to overwrite)", p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("tlsutil: stat %s: %w", p, err)
		}
	}
	if err := writeAtomic(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return writeAtomic(keyPath, keyPEM, 0o600)
}

// WriteCA writes the CA certificate and key into one PEM file.
func WriteCA(path string, ca *CA, force bool) error {
	if ca == nil {
		return errors.New("tlsutil: ca is nil")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("tlsutil: %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tlsutil: create dir for %s: %w", path, err)
	}
	data := append(append([]byte{}, ca.CertPEM...), ca.KeyPEM...)
	return writeAtomic(path, data, 0o600)
}

// LoadCA reads a CA written by WriteCA.
func LoadCA(path string) (*CA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read ca: %w", err)
	}
	ca := &CA{}
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if ca.Cert != nil {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse ca certificate: %w", err)
			}
			ca.Cert = cert
			ca.CertPEM = pem.EncodeToMemory(block)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse ca key: %w", err)
			}
			edKey, ok := key.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("tlsutil: ca key must be ed25519, got %T", key)
			}
			ca.Key = edKey
			ca.KeyPEM = pem.EncodeToMemory(block)
		}
	}
	switch {
	case ca.Cert == nil:
		return nil, fmt.Errorf("tlsutil: no certificate in %s", path)
	case ca.Key == nil:
		return nil, fmt.Errorf("tlsutil: no private key in %s", path)
	case !ca.Cert.IsCA:
		return nil, fmt.Errorf("tlsutil: certificate in %s is not a CA", path)
	}
	return ca, nil
}

// LoadCertPool reads PEM certificates from path into a new pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tlsutil: no certificates in %s", path)
	}
	return pool, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("tlsutil: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tlsutil: write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tlsutil: chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tlsutil: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("tlsutil: rename %s: %w", path, err)
	}
	return nil
}
