package cpfd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"pkt.systems/cpfd/internal/router"
	"pkt.systems/cpfd/internal/transport"
	"pkt.systems/cpfd/internal/wire"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":5050"
	// DefaultListenProto is the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultPollInterval bounds how long the accept loop blocks before it
	// re-checks whether the server is still running.
	DefaultPollInterval = time.Second
	// DefaultHandshakeTimeout bounds the TLS handshake of one connection.
	DefaultHandshakeTimeout = transport.DefaultHandshakeTimeout
	// DefaultReadTimeout bounds request reading and response writing once a
	// connection is ready.
	DefaultReadTimeout = transport.DefaultIOTimeout
	// DefaultRequestMaxBytes is the size of the single request read.
	DefaultRequestMaxBytes = 1024
	// DefaultWriteSegmentSize bounds one socket write.
	DefaultWriteSegmentSize = wire.DefaultSegmentSize
	// DefaultCPFStore is the path of the person record store.
	DefaultCPFStore = "db/cpf.db"
	// DefaultCNPJStore is the path of the company record store.
	DefaultCNPJStore = "db/cnpj.db"
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultGuardFailureThreshold is how many failures block a remote.
	DefaultGuardFailureThreshold = 5
	// DefaultGuardFailureWindow is the window failures are counted in.
	DefaultGuardFailureWindow = transport.DefaultGuardWindow
	// DefaultGuardBlockDuration is how long a remote stays blocked.
	DefaultGuardBlockDuration = transport.DefaultGuardBlock
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultShutdownTimeout bounds how long the CLI waits for in-flight
	// connections on exit.
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultMaxConcurrency is the permit pool capacity used when none is set.
func DefaultMaxConcurrency() int {
	return runtime.NumCPU()
}

// Config captures the tunables for a cpfd server.
type Config struct {
	Listen      string
	ListenProto string

	// MaxConcurrency caps the number of connections handled at once.
	MaxConcurrency int
	PollInterval   time.Duration

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	RequestMaxBytes  int
	WriteSegmentSize int

	// StreamRoutes names the routes answered with chunked progress
	// responses (see router.Kind.String). All other routes are buffered.
	StreamRoutes []string

	TLSCertFile string
	TLSKeyFile  string
	// TLSWatch reloads the key pair when the files change.
	TLSWatch bool

	CPFStore  string
	CNPJStore string
	// StoreBusyTimeout is applied to every store handle.
	StoreBusyTimeout time.Duration

	GuardEnabled          bool
	GuardFailureThreshold int
	GuardFailureWindow    time.Duration
	GuardBlockDuration    time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	streamKinds map[router.Kind]bool
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4 or tcp6, got %q", c.ListenProto)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency()
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("config: max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RequestMaxBytes == 0 {
		c.RequestMaxBytes = DefaultRequestMaxBytes
	}
	if c.RequestMaxBytes < 16 {
		return fmt.Errorf("config: request max bytes must be at least 16, got %d", c.RequestMaxBytes)
	}
	if c.WriteSegmentSize <= 0 {
		c.WriteSegmentSize = DefaultWriteSegmentSize
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls cert and key must be configured together")
	}
	if c.CPFStore == "" {
		c.CPFStore = DefaultCPFStore
	}
	if c.CNPJStore == "" {
		c.CNPJStore = DefaultCNPJStore
	}
	if c.GuardFailureThreshold <= 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	kinds := make(map[router.Kind]bool, len(c.StreamRoutes))
	for _, name := range c.StreamRoutes {
		if strings.TrimSpace(name) == "" {
			continue
		}
		kind, ok := router.ParseKind(name)
		if !ok || !kind.Lookup() {
			return fmt.Errorf("config: unknown stream route %q (valid: %s)", name, strings.Join(LookupRouteNames(), ", "))
		}
		kinds[kind] = true
	}
	c.streamKinds = kinds
	return nil
}

// TLSEnabled reports whether a certificate pair is configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Streams reports whether kind is answered with a chunked response.
func (c Config) Streams(kind router.Kind) bool {
	return c.streamKinds[kind]
}

// LookupRouteNames lists the route names accepted by StreamRoutes.
func LookupRouteNames() []string {
	var names []string
	for kind := router.ByCPF; kind.Lookup(); kind++ {
		names = append(names, kind.String())
	}
	slices.Sort(names)
	return names
}

// DefaultConfigDir returns the directory holding cpfd configuration
// ($CPFD_CONFIG_DIR or $HOME/.cpfd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CPFD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cpfd"), nil
}

// DefaultTLSPaths returns the default server certificate and key locations.
func DefaultTLSPaths() (certPath, keyPath string, err error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), nil
}

// DefaultCAPath returns the default CA location written by `cpfd auth new`.
func DefaultCAPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ca.pem"), nil
}
