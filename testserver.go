package cpfd

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/pslog"
)

// TestFixture is the data seeded into the stores of a TestServer.
type TestFixture struct {
	People         []lookup.Person
	Partners       []lookup.Partner
	Establishments []lookup.Establishment
}

// DefaultTestFixture returns a small data set covering every route.
func DefaultTestFixture() TestFixture {
	return TestFixture{
		People: []lookup.Person{
			{CPF: "12345678901", Name: "Maria Silva", Sex: "F", Birth: "1980-01-02"},
			{CPF: "98765432100", Name: "João Maria Souza", Sex: "M", Birth: "1975-05-06"},
			{CPF: "55566677788", Name: "Ana Costa", Sex: "F", Birth: "2001-12-24"},
		},
		Partners: []lookup.Partner{
			{Radical: "11222333", Name: "Maria Silva", CPF: "***456789**"},
			{Radical: "77888999", Name: "Carlos Lima", CPF: "***111111**"},
		},
		Establishments: []lookup.Establishment{
			{Radical: "11222333", TradingName: "PADARIA DA MARIA"},
		},
	}
}

// SeedTestStores creates cpf.db and cnpj.db under dir and fills them with
// fixture.
func SeedTestStores(ctx context.Context, dir string, fixture TestFixture) (cpfPath, cnpjPath string, err error) {
	cpfPath = filepath.Join(dir, "cpf.db")
	cnpjPath = filepath.Join(dir, "cnpj.db")
	if err := lookup.InitStores(ctx, cpfPath, cnpjPath); err != nil {
		return "", "", err
	}
	if err := lookup.Seed(ctx, cpfPath, cnpjPath, fixture.People, fixture.Partners, fixture.Establishments); err != nil {
		return "", "", err
	}
	return cpfPath, cnpjPath, nil
}

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server *Server
	Config Config

	clientTLS *tls.Config
	stop      func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if msg := fmt.Sprint(r); strings.Contains(msg, "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CPFD_TEST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(writer),
	).With("app", "testserver")
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfgFuncs     []func(*Config)
	fixture      *TestFixture
	dir          string
	serverOpts   []Option
	clientTLS    *tls.Config
	startTimeout time.Duration
}

// WithTestConfigFunc mutates the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		o.cfgFuncs = append(o.cfgFuncs, fn)
	}
}

// WithTestFixture replaces the seeded data set.
func WithTestFixture(f TestFixture) TestServerOption {
	return func(o *testServerOptions) {
		o.fixture = &f
	}
}

// WithTestDir seeds stores into dir instead of a fresh temporary directory.
func WithTestDir(dir string) TestServerOption {
	return func(o *testServerOptions) {
		o.dir = dir
	}
}

// WithTestServerOptions appends server options (logger, opener, TLS).
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientTLS makes Do dial with TLS using cfg.
func WithTestClientTLS(cfg *tls.Config) TestServerOption {
	return func(o *testServerOptions) {
		o.clientTLS = cfg
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer seeds stores, starts a server on a loopback port and waits
// until it accepts connections.
func NewTestServer(ctx context.Context, dir string, opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{dir: dir, startTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	fixture := DefaultTestFixture()
	if o.fixture != nil {
		fixture = *o.fixture
	}
	cpfPath, cnpjPath, err := SeedTestStores(ctx, o.dir, fixture)
	if err != nil {
		return nil, fmt.Errorf("seed stores: %w", err)
	}
	cfg := Config{
		Listen:       "127.0.0.1:0",
		CPFStore:     cpfPath,
		CNPJStore:    cnpjPath,
		PollInterval: 50 * time.Millisecond,
		ReadTimeout:  5 * time.Second,
	}
	for _, fn := range o.cfgFuncs {
		fn(&cfg)
	}
	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()
	srv, stop, err := StartServer(startCtx, cfg, o.serverOpts...)
	if err != nil {
		return nil, err
	}
	return &TestServer{Server: srv, Config: srv.Config(), clientTLS: o.clientTLS, stop: stop}, nil
}

// StartTestServer is NewTestServer for tests: failures are fatal and the
// server is stopped on cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// Stop shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Dial opens a raw connection to the server, using TLS when configured.
func (ts *TestServer) Dial() (net.Conn, error) {
	addr := ts.Addr()
	if addr == nil {
		return nil, fmt.Errorf("test server not listening")
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if ts.clientTLS != nil {
		return tls.DialWithDialer(dialer, "tcp", addr.String(), ts.clientTLS)
	}
	return dialer.Dial("tcp", addr.String())
}

// Do writes raw to a new connection and returns everything the server sent
// back before closing it.
func (ts *TestServer) Do(raw string) ([]byte, error) {
	conn, err := ts.Dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

// Get issues "GET target HTTP/1.1" and returns the raw response.
func (ts *TestServer) Get(target string) ([]byte, error) {
	return ts.Do("GET " + target + " HTTP/1.1\r\nHost: cpfd\r\n\r\n")
}
