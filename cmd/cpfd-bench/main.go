// Command cpfd-bench drives lookup load against a cpfd server and reports
// latency percentiles. Without --server it seeds synthetic stores and runs an
// in-process server.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/tlsutil"
	"pkt.systems/pslog"
)

type benchConfig struct {
	server         string
	caPath         string
	insecure       bool
	cpfStore       string
	cnpjStore      string
	people         int
	seed           uint64
	samples        int
	workload       string
	ops            int
	concurrency    int
	runs           int
	warmupRuns     int
	timeout        time.Duration
	maxConcurrency int
	streamRoutes   string
	root           string
	keepRoot       bool
	logLevel       string
	cpuProfile     string
	memProfile     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "cpfd-bench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (benchConfig, error) {
	cfg := benchConfig{
		people:      10000,
		seed:        1,
		samples:     1000,
		workload:    "mixed",
		ops:         10000,
		concurrency: 16,
		runs:        3,
		warmupRuns:  1,
		timeout:     10 * time.Second,
	}
	fs := flag.NewFlagSet("cpfd-bench", flag.ContinueOnError)
	fs.StringVar(&cfg.server, "server", "", "target server host:port (empty runs an in-process server)")
	fs.StringVar(&cfg.caPath, "ca", "", "CA bundle for a TLS target (enables TLS)")
	fs.BoolVar(&cfg.insecure, "insecure", false, "TLS without certificate verification")
	fs.StringVar(&cfg.cpfStore, "cpf-store", "", "cpf store to draw samples from (required with --server)")
	fs.StringVar(&cfg.cnpjStore, "cnpj-store", "", "cnpj store paired with --cpf-store")
	fs.IntVar(&cfg.people, "people", cfg.people, "synthetic people seeded for the in-process server")
	fs.Uint64Var(&cfg.seed, "seed", cfg.seed, "seed for synthetic data")
	fs.IntVar(&cfg.samples, "samples", cfg.samples, "number of random CPF/name pairs requests are built from")
	fs.StringVar(&cfg.workload, "workload", cfg.workload, "workload: "+strings.Join(workloadNames, ", "))
	fs.IntVar(&cfg.ops, "ops", cfg.ops, "requests per run")
	fs.IntVar(&cfg.concurrency, "concurrency", cfg.concurrency, "concurrent clients")
	fs.IntVar(&cfg.runs, "runs", cfg.runs, "measured runs (summary is the median)")
	fs.IntVar(&cfg.warmupRuns, "warmup", cfg.warmupRuns, "unmeasured warmup runs")
	fs.DurationVar(&cfg.timeout, "timeout", cfg.timeout, "per-request timeout")
	fs.IntVar(&cfg.maxConcurrency, "max-concurrency", 0, "in-process server admission capacity (0 uses the number of CPUs)")
	fs.StringVar(&cfg.streamRoutes, "stream-routes", "", "comma separated routes the in-process server streams")
	fs.StringVar(&cfg.root, "root", "", "directory for in-process stores (default: temporary)")
	fs.BoolVar(&cfg.keepRoot, "keep-root", false, "keep the temporary store directory")
	fs.StringVar(&cfg.logLevel, "log-level", "", "in-process server log level (empty disables logging)")
	fs.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write a CPU profile of the measured runs")
	fs.StringVar(&cfg.memProfile, "memprofile", "", "write a heap profile after the measured runs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch {
	case cfg.ops <= 0:
		return cfg, fmt.Errorf("--ops must be positive")
	case cfg.concurrency <= 0:
		return cfg, fmt.Errorf("--concurrency must be positive")
	case cfg.runs <= 0:
		return cfg, fmt.Errorf("--runs must be positive")
	case cfg.samples <= 0:
		return cfg, fmt.Errorf("--samples must be positive")
	case cfg.server != "" && (cfg.cpfStore == "" || cfg.cnpjStore == ""):
		return cfg, fmt.Errorf("--server requires --cpf-store and --cnpj-store to draw samples from")
	case cfg.server == "" && cfg.people <= 0:
		return cfg, fmt.Errorf("--people must be positive")
	}
	return cfg, nil
}

type dialFunc func(ctx context.Context) (net.Conn, error)

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger, err := newBenchLogger(cfg)
	if err != nil {
		return err
	}

	var dial dialFunc
	cpfStore, cnpjStore := cfg.cpfStore, cfg.cnpjStore
	if cfg.server == "" {
		root, cleanup, err := prepareRoot(cfg.root, cfg.keepRoot)
		if err != nil {
			return err
		}
		defer cleanup()
		ts, err := startInProcess(ctx, cfg, root, logger)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cpfd.DefaultShutdownTimeout)
			defer cancel()
			_ = ts.Stop(stopCtx)
		}()
		cpfStore, cnpjStore = ts.Config.CPFStore, ts.Config.CNPJStore
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", ts.Addr().String())
		}
		fmt.Fprintf(out, "in-process server %s people=%d root=%s\n", ts.Addr(), cfg.people, root)
	} else {
		dial, err = remoteDialer(cfg)
		if err != nil {
			return err
		}
	}

	opener, err := lookup.NewSQLiteOpener(lookup.SQLiteConfig{CPFPath: cpfStore, CNPJPath: cnpjStore})
	if err != nil {
		return err
	}
	samples, err := opener.Sample(ctx, cfg.samples)
	if err != nil {
		return fmt.Errorf("draw samples: %w", err)
	}
	wl, err := newWorkload(cfg.workload, samples)
	if err != nil {
		return err
	}

	for i := 0; i < cfg.warmupRuns; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		runBenchOnce(ctx, cfg, dial, wl)
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			return fmt.Errorf("cpuprofile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("cpuprofile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	runs := make([]benchStats, 0, cfg.runs)
	for i := 0; i < cfg.runs; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := runBenchOnce(ctx, cfg, dial, wl)
		fmt.Fprintf(out, "bench workload=%s run=%d/%d ops=%d concurrency=%d samples=%d elapsed=%s\n",
			wl.Name(), i+1, cfg.runs, cfg.ops, cfg.concurrency, len(samples), res.elapsed.Round(time.Millisecond))
		if res.firstErr != nil {
			fmt.Fprintf(out, "first_error=%v\n", res.firstErr)
		}
		printStats(out, res.total)
		runs = append(runs, res.total)
	}
	if cfg.runs > 1 {
		fmt.Fprintf(out, "summary (median of %d runs)\n", cfg.runs)
		printStats(out, medianStats("total", runs))
	}

	if cfg.memProfile != "" {
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			return fmt.Errorf("memprofile: %w", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("memprofile: %w", err)
		}
	}
	return nil
}

func startInProcess(ctx context.Context, cfg benchConfig, root string, logger pslog.Logger) (*cpfd.TestServer, error) {
	people, partners, establishments := generatePeople(cfg.people, cfg.seed)
	fixture := cpfd.TestFixture{People: people, Partners: partners, Establishments: establishments}
	var streams []string
	for _, r := range strings.Split(cfg.streamRoutes, ",") {
		if r = strings.TrimSpace(r); r != "" {
			streams = append(streams, r)
		}
	}
	return cpfd.NewTestServer(ctx, root,
		cpfd.WithTestFixture(fixture),
		cpfd.WithTestConfigFunc(func(c *cpfd.Config) {
			c.MaxConcurrency = cfg.maxConcurrency
			c.StreamRoutes = streams
			c.ReadTimeout = cfg.timeout
		}),
		cpfd.WithTestServerOptions(cpfd.WithLogger(logger)),
	)
}

func remoteDialer(cfg benchConfig) (dialFunc, error) {
	if cfg.caPath == "" && !cfg.insecure {
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", cfg.server)
		}, nil
	}
	host, _, err := net.SplitHostPort(cfg.server)
	if err != nil {
		return nil, fmt.Errorf("--server: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host, InsecureSkipVerify: cfg.insecure}
	if cfg.caPath != "" {
		pool, err := tlsutil.LoadCertPool(cfg.caPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: tlsCfg}
		return d.DialContext(ctx, "tcp", cfg.server)
	}, nil
}

func runBenchOnce(ctx context.Context, cfg benchConfig, dial dialFunc, wl workload) benchRun {
	var (
		latencies []time.Duration
		statuses  = make(map[int]int)
		errs      atomic.Int64
		opsDone   atomic.Int64
		mu        sync.Mutex
		firstErr  error
		errOnce   sync.Once
	)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for w := 0; w < cfg.concurrency; w++ {
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, cfg.ops/cfg.concurrency+1)
			localStatus := make(map[int]int)
			for ctx.Err() == nil {
				if opsDone.Add(1) > int64(cfg.ops) {
					break
				}
				t0 := time.Now()
				status, err := doRequest(ctx, dial, cfg.timeout, wl.Next())
				elapsed := time.Since(t0)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					errs.Add(1)
					continue
				}
				local = append(local, elapsed)
				localStatus[status]++
			}
			mu.Lock()
			latencies = append(latencies, local...)
			for code, n := range localStatus {
				statuses[code] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	return benchRun{
		elapsed:  elapsed,
		total:    buildStats("total", elapsed, latencies, errs.Load(), statuses),
		firstErr: firstErr,
	}
}

// doRequest sends one GET and reads the response to EOF, returning the
// status code from the status line.
func doRequest(ctx context.Context, dial dialFunc, timeout time.Duration, target string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, "GET "+target+" HTTP/1.1\r\nHost: cpfd\r\n\r\n"); err != nil {
		return 0, err
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		return 0, err
	}
	return parseStatus(raw)
}

func parseStatus(raw []byte) (int, error) {
	line, _, err := bufio.NewReader(bytes.NewReader(raw)).ReadLine()
	if err != nil {
		return 0, fmt.Errorf("empty response")
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	return code, nil
}

func newBenchLogger(cfg benchConfig) (pslog.Logger, error) {
	levelStr := strings.TrimSpace(cfg.logLevel)
	if levelStr == "" {
		return pslog.NoopLogger(), nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("log-level: invalid value %q", levelStr)
	}
	if level == pslog.Disabled || level == pslog.NoLevel {
		return pslog.NoopLogger(), nil
	}
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CPFD_BENCH_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "cpfd-bench"), nil
}

func prepareRoot(root string, keep bool) (string, func(), error) {
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", nil, err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", nil, err
		}
		return abs, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "cpfd-bench-")
	if err != nil {
		return "", nil, err
	}
	if keep {
		return dir, func() {}, nil
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
