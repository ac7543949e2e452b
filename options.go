package cpfd

import (
	"crypto/tls"

	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/netinfo"
	"pkt.systems/pslog"
)

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Opener   lookup.Opener
	TLS      *tls.Config
	Resolver *netinfo.Resolver
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithOpener injects the lookup session source instead of opening the
// configured SQLite stores (useful for tests).
func WithOpener(opener lookup.Opener) Option {
	return func(o *options) {
		o.Opener = opener
	}
}

// WithTLSConfig enables TLS with a pre-built configuration. It takes
// precedence over Config.TLSCertFile/TLSKeyFile.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.TLS = cfg
	}
}

// WithResolver overrides how the advertised address is discovered.
func WithResolver(r *netinfo.Resolver) Option {
	return func(o *options) {
		o.Resolver = r
	}
}
