package cpfd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/cpfd/internal/admission"
	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/netinfo"
	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/cpfd/internal/transport"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("cpfd: server closed")

// ErrStartAborted is reported by WaitUntilReady when Stop interrupted a Start
// before the listener was serving.
var ErrStartAborted = errors.New("cpfd: start aborted")

// State is a point in the server lifecycle.
type State int32

const (
	// StateStopped means no listener is bound.
	StateStopped State = iota
	// StateStarting means Start is binding the listener.
	StateStarting
	// StateRunning means the accept loop is serving.
	StateRunning
	// StateStopping means Stop was requested and the accept loop is exiting.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// readiness is the outcome of one start attempt: done closes when the
// listener serves (err nil) or the attempt fails (err set).
type readiness struct {
	done chan struct{}
	err  error
}

func newReadiness() *readiness {
	return &readiness{done: make(chan struct{})}
}

// Server accepts connections, admits them through a permit pool and answers
// one lookup request per connection.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	opener    lookup.Opener
	adapter   *transport.Adapter
	reloader  *transport.CertReloader
	resolver  *netinfo.Resolver
	tracer    trace.Tracer
	metrics   *serverMetrics
	telemetry *telemetry

	mu       sync.Mutex
	state    State
	closed   bool
	listener net.Listener
	pool     *admission.Pool
	stop     context.CancelFunc
	ready    *readiness
	// idle is closed when a start attempt returns the server to Stopped.
	idle     chan struct{}
	handlers sync.WaitGroup
}

// NewServer constructs a cpfd server according to cfg.
// Example:
//
//	cfg := cpfd.Config{Listen: ":5050", CPFStore: "db/cpf.db", CNPJStore: "db/cnpj.db"}
//	srv, err := cpfd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "server")

	opener := o.Opener
	if opener == nil {
		sqliteOpener, err := lookup.NewSQLiteOpener(lookup.SQLiteConfig{
			CPFPath:     cfg.CPFStore,
			CNPJPath:    cfg.CNPJStore,
			BusyTimeout: cfg.StoreBusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open stores: %w", err)
		}
		opener = sqliteOpener
	}

	var (
		tlsConfig = o.TLS
		reloader  *transport.CertReloader
	)
	if tlsConfig == nil && cfg.TLSEnabled() {
		var err error
		reloader, err = transport.NewCertReloader(cfg.TLSCertFile, cfg.TLSKeyFile, logger)
		if err != nil {
			return nil, err
		}
		if cfg.TLSWatch {
			if err := reloader.Watch(); err != nil {
				_ = reloader.Close()
				return nil, err
			}
		}
		tlsConfig = reloader.TLSConfig()
	}

	tel, err := startTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		if reloader != nil {
			_ = reloader.Close()
		}
		return nil, err
	}

	resolver := o.Resolver
	if resolver == nil {
		resolver = netinfo.NewResolver()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		opener:   opener,
		reloader: reloader,
		resolver: resolver,
		adapter: transport.NewAdapter(transport.Config{
			TLS:              tlsConfig,
			HandshakeTimeout: cfg.HandshakeTimeout,
			IOTimeout:        cfg.ReadTimeout,
			Guard: transport.GuardConfig{
				Enabled:          cfg.GuardEnabled,
				FailureThreshold: cfg.GuardFailureThreshold,
				FailureWindow:    cfg.GuardFailureWindow,
				BlockDuration:    cfg.GuardBlockDuration,
			},
		}, logger),
		tracer:    otel.Tracer("pkt.systems/cpfd"),
		telemetry: tel,
		ready:     newReadiness(),
	}
	s.metrics = newServerMetrics(logger, s.currentPool)
	return s, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start binds the listener and serves until Stop, Shutdown or Close. It
// blocks for the lifetime of the accept loop and returns nil on a requested
// stop. Calling Start while the server is starting or running is a no-op;
// while a previous run is still stopping, Start waits for it to finish and
// then binds a fresh listener.
func (s *Server) Start() error {
	s.mu.Lock()
	for s.state == StateStopping {
		idle := s.idle
		s.mu.Unlock()
		<-idle
		s.mu.Lock()
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.idle = make(chan struct{})
	if isClosed(s.ready.done) {
		s.ready = newReadiness()
	}
	s.mu.Unlock()

	ln, err := s.listen()
	if err != nil {
		s.abortStart(err)
		return err
	}
	pool, err := admission.New(s.cfg.MaxConcurrency)
	if err != nil {
		_ = ln.Close()
		s.abortStart(err)
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state != StateStarting {
		// Stop raced with the bind.
		s.mu.Unlock()
		stop()
		pool.Close()
		_ = ln.Close()
		s.abortStart(ErrStartAborted)
		return nil
	}
	s.listener = ln
	s.pool = pool
	s.stop = stop
	s.state = StateRunning
	close(s.ready.done)
	s.mu.Unlock()

	s.logListening(ln.Addr())
	err = s.dispatch(runCtx, ln, pool)

	stop()
	pool.Close()
	_ = ln.Close()
	s.mu.Lock()
	s.listener = nil
	s.stop = nil
	s.state = StateStopped
	// Readiness belongs to the run that just ended.
	s.ready = newReadiness()
	close(s.idle)
	s.mu.Unlock()
	s.logger.Info("cpfd.server.stopped", "in_flight", pool.InFlight())
	return err
}

func (s *Server) listen() (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(context.Background(), s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	return ln, nil
}

func (s *Server) logListening(addr net.Addr) {
	fields := []any{
		"network", s.cfg.ListenProto,
		"address", addr.String(),
		"tls", s.adapter.TLSEnabled(),
		"max_concurrency", s.cfg.MaxConcurrency,
	}
	if s.reloader != nil {
		fields = append(fields, "cert_id", s.reloader.ID())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if advertised, err := s.resolver.Advertise(ctx, addr); err != nil {
		s.logger.Debug("cpfd.server.advertise_failed", "error", err)
	} else {
		fields = append(fields, "advertise", advertised)
	}
	s.logger.Info("listening", fields...)
}

// Stop closes the listener and ends the accept loop without waiting for
// in-flight connections. It is a no-op unless the server is starting or
// running.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting:
		s.state = StateStopping
	case StateRunning:
		s.state = StateStopping
		s.stop()
		_ = s.listener.Close()
		s.logger.Info("cpfd.server.stopping")
	}
}

// Shutdown stops the server and waits for the accept loop and in-flight
// connections to finish or for ctx to end. Handlers are never interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.logger.Warn("cpfd.server.drain_timeout", "in_flight", s.InFlight())
		return ctx.Err()
	}
}

// Close shuts the server down, waiting up to DefaultShutdownTimeout for
// in-flight connections, then releases telemetry and certificate watchers.
// A closed server cannot be started again.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.CloseContext(ctx)
}

// CloseContext is Close with the drain bounded by ctx instead of
// DefaultShutdownTimeout.
func (s *Server) CloseContext(ctx context.Context) error {
	var errs []error
	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Join(errs...)
	}
	s.closed = true
	s.mu.Unlock()
	s.metrics.close()
	if s.reloader != nil {
		if err := s.reloader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WaitUntilReady blocks until the listener is bound or ctx ends. If the
// pending start fails or is stopped before serving, its error is returned
// (ErrStartAborted for a stop).
func (s *Server) WaitUntilReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready.done:
		return ready.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address while running.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener, if configured.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.metricsAddr()
}

// TLSEnabled reports whether connections are upgraded to TLS.
func (s *Server) TLSEnabled() bool {
	return s.adapter.TLSEnabled()
}

// InFlight returns the number of connections currently holding a permit.
func (s *Server) InFlight() int {
	if p := s.currentPool(); p != nil {
		return p.InFlight()
	}
	return 0
}

// AdmissionStats reports permit pool usage for the current or last run.
func (s *Server) AdmissionStats() admission.Stats {
	if p := s.currentPool(); p != nil {
		return p.Stats()
	}
	return admission.Stats{Capacity: int64(s.cfg.MaxConcurrency)}
}

func (s *Server) currentPool() *admission.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// abortStart returns a start attempt that never served to Stopped and wakes
// WaitUntilReady callers with err.
func (s *Server) abortStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
	if !isClosed(s.ready.done) {
		s.ready.err = err
		close(s.ready.done)
	}
	close(s.idle)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// StartServer starts a server in the background and waits until it is
// ready. The returned stop function shuts it down and waits for Start to
// return; it is also invoked when ctx ends.
// Example:
//
//	srv, stop, err := cpfd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	ready := make(chan error, 1)
	go func() {
		ready <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrClosed
		}
		return nil, nil, err
	case err := <-ready:
		if err != nil {
			_ = srv.Close()
			<-errCh
			return nil, nil, err
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			var errs []error
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if err := <-errCh; err != nil {
				errs = append(errs, err)
			}
			if err := srv.Close(); err != nil {
				errs = append(errs, err)
			}
			stopErr = errors.Join(errs...)
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
