// Package transport prepares accepted connections for request reading:
// optional TLS upgrade under a handshake deadline, then a longer I/O
// deadline for the rest of the exchange.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"pkt.systems/cpfd/internal/fault"
	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults applied when Config leaves a timeout unset.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIOTimeout        = 30 * time.Second
)

// ErrBlocked is returned by Upgrade for remotes the guard has blocked.
var ErrBlocked = errors.New("transport: remote blocked")

// Config configures an Adapter.
type Config struct {
	// TLS enables server-side TLS when non-nil.
	TLS *tls.Config
	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration
	// IOTimeout bounds reads and writes once the connection is ready.
	IOTimeout time.Duration
	// Guard configures blocking of repeatedly failing remotes.
	Guard GuardConfig
}

// Adapter upgrades accepted connections. It is safe for concurrent use.
type Adapter struct {
	cfg    Config
	guard  *Guard
	logger pslog.Logger
	now    func() time.Time
}

// NewAdapter returns an adapter for cfg.
func NewAdapter(cfg Config, logger pslog.Logger) *Adapter {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	return &Adapter{
		cfg:    cfg,
		guard:  NewGuard(cfg.Guard, logger),
		logger: svcfields.WithSubsystem(logger, "transport"),
		now:    time.Now,
	}
}

// TLSEnabled reports whether connections are upgraded.
func (a *Adapter) TLSEnabled() bool {
	return a != nil && a.cfg.TLS != nil
}

// Guard exposes the remote guard.
func (a *Adapter) Guard() *Guard {
	return a.guard
}

// Upgrade readies conn for the request exchange. On success the returned
// connection (TLS-wrapped when enabled) carries the I/O deadline. On failure
// the caller still owns and must close conn.
func (a *Adapter) Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error) {
	remote := remoteString(conn)
	if a.guard.Blocked(remote) {
		return nil, fault.New(fault.Transport, "transport.upgrade", "", ErrBlocked)
	}
	if a.cfg.TLS == nil {
		if err := conn.SetDeadline(a.now().Add(a.cfg.IOTimeout)); err != nil {
			return nil, fault.Wrap(fault.Transport, "transport.deadline", err)
		}
		return conn, nil
	}
	tlsConn := tls.Server(conn, a.cfg.TLS)
	if err := tlsConn.SetDeadline(a.now().Add(a.cfg.HandshakeTimeout)); err != nil {
		return nil, fault.Wrap(fault.Transport, "transport.deadline", err)
	}
	hsCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		a.guard.Failure(remote, ReasonHandshake)
		return nil, fault.Wrap(fault.Transport, "transport.handshake", fmt.Errorf("tls handshake: %w", err))
	}
	if err := tlsConn.SetDeadline(a.now().Add(a.cfg.IOTimeout)); err != nil {
		return nil, fault.Wrap(fault.Transport, "transport.deadline", err)
	}
	state := tlsConn.ConnectionState()
	a.logger.Trace("cpfd.transport.handshake",
		"remote", remote,
		"version", tls.VersionName(state.Version),
		"cipher", tls.CipherSuiteName(state.CipherSuite),
		"sni", state.ServerName)
	return tlsConn, nil
}

// RecordEmptyRequest counts a connection that closed without sending a
// request against its remote.
func (a *Adapter) RecordEmptyRequest(conn net.Conn) {
	a.guard.Failure(remoteString(conn), ReasonEmptyRequest)
}

func remoteString(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
