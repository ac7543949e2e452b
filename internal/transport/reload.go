package transport

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/cpfd/tlsutil"
	"pkt.systems/pslog"
)

// CertReloader serves a certificate/key pair from disk and swaps it in when
// either file changes. A failed reload keeps the previous pair.
type CertReloader struct {
	certPath string
	keyPath  string
	logger   pslog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
	id   string

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	reloaded  chan struct{}
}

// NewCertReloader loads the pair once. Call Watch to follow changes.
func NewCertReloader(certPath, keyPath string, logger pslog.Logger) (*CertReloader, error) {
	r := &CertReloader{
		certPath: filepath.Clean(certPath),
		keyPath:  filepath.Clean(keyPath),
		logger:   svcfields.WithSubsystem(logger, "transport.certs"),
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the pair from disk.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return fmt.Errorf("transport: load key pair: %w", err)
	}
	id, err := tlsutil.CertificateID(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}))
	if err != nil {
		r.logger.Debug("cpfd.certs.id_unavailable", "error", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.id = id
	r.mu.Unlock()
	return nil
}

// ID identifies the certificate currently served.
func (r *CertReloader) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, errors.New("transport: no certificate loaded")
	}
	return r.cert, nil
}

// TLSConfig returns a server config backed by the reloader.
func (r *CertReloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// Reloaded signals (non-blocking, coalesced) after each successful reload
// triggered by a file event.
func (r *CertReloader) Reloaded() <-chan struct{} {
	return r.reloaded
}

// Watch starts following both files. Parent directories are watched so
// editors and tools that replace files by rename are handled.
func (r *CertReloader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("transport: create watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certPath): {},
		filepath.Dir(r.keyPath):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("transport: watch %q: %w", dir, err)
		}
	}
	r.watcher = watcher
	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *CertReloader) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("cpfd.certs.reload_failed", "path", event.Name, "error", err)
				continue
			}
			r.logger.Info("cpfd.certs.reloaded", "cert", r.certPath, "key", r.keyPath, "cert_id", r.ID())
			select {
			case r.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("cpfd.certs.watch_error", "error", err)
		}
	}
}

func (r *CertReloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == r.certPath || name == r.keyPath
}

// Close stops watching. It is safe to call more than once.
func (r *CertReloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.wg.Wait()
	})
	return err
}
