package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CPFD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "cpfd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server failures are logged, subcommand failures
// are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(arg)
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, args []string) bool {
	for _, tok := range args {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := cpfd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, cpfd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg cpfd.Config

	cmd := &cobra.Command{
		Use:           "cpfd",
		Short:         "cpfd answers CPF and CNPJ partner lookups over a minimal HTTP/1.1 subset",
		SilenceErrors: true,
		Example: `
  # Serve db/cpf.db and db/cnpj.db on :5050
  cpfd

  # Stream progress for name searches, cap concurrency at 32
  cpfd --stream-routes name,cnpj-name --max-concurrency 32

  # TLS with a generated key pair, reloaded when the files change
  cpfd auth new --dir ~/.cpfd
  cpfd --tls-cert ~/.cpfd/server.crt --tls-key ~/.cpfd/server.key --tls-watch

  # Prometheus metrics on :9464
  CPFD_METRICS_LISTEN=:9464 cpfd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to cpfd",
				"app", "cpfd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := cpfd.NewServer(cfg, cpfd.WithLogger(logger))
			if err != nil {
				return err
			}
			return runServer(ctx, server, viper.GetDuration("shutdown-timeout"), cliLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.cpfd/"+cpfd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", cpfd.DefaultListen, "listen address")
	flags.String("listen-proto", cpfd.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.Int("max-concurrency", 0, "maximum connections handled at once (0 uses the number of CPUs)")
	flags.Duration("poll-interval", cpfd.DefaultPollInterval, "how often the accept loop re-checks for shutdown")
	flags.Duration("handshake-timeout", cpfd.DefaultHandshakeTimeout, "TLS handshake timeout")
	flags.Duration("read-timeout", cpfd.DefaultReadTimeout, "per-connection read/write timeout")
	flags.String("request-max", humanizeBytes(cpfd.DefaultRequestMaxBytes), "size of the single request read")
	flags.String("write-segment", humanizeBytes(cpfd.DefaultWriteSegmentSize), "largest single socket write")
	flags.StringSlice("stream-routes", nil, fmt.Sprintf("routes answered with chunked progress (%s)", strings.Join(cpfd.LookupRouteNames(), ", ")))
	flags.String("tls-cert", "", "server certificate PEM (enables TLS together with --tls-key)")
	flags.String("tls-key", "", "server private key PEM")
	flags.Bool("tls-watch", false, "reload the TLS key pair when the files change")
	flags.String("cpf-store", cpfd.DefaultCPFStore, "path to the cpf record store")
	flags.String("cnpj-store", cpfd.DefaultCNPJStore, "path to the cnpj record store")
	flags.Duration("store-busy-timeout", 0, "SQLite busy timeout per store handle (0 uses the default)")
	flags.Bool("guard-enabled", false, "block remotes that repeatedly fail TLS handshakes or send nothing")
	flags.Int("guard-failure-threshold", cpfd.DefaultGuardFailureThreshold, "failures within the window before a remote is blocked")
	flags.Duration("guard-failure-window", cpfd.DefaultGuardFailureWindow, "window used to count guard failures")
	flags.Duration("guard-block-duration", cpfd.DefaultGuardBlockDuration, "how long a remote stays blocked")
	flags.String("metrics-listen", cpfd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", cpfd.DefaultPprofListen, "pprof debug listener (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", cpfd.DefaultShutdownTimeout, "time to wait for in-flight connections on exit (0 waits indefinitely)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CPFD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "listen-proto", "max-concurrency", "poll-interval",
		"handshake-timeout", "read-timeout", "request-max", "write-segment", "stream-routes",
		"tls-cert", "tls-key", "tls-watch",
		"cpf-store", "cnpj-store", "store-busy-timeout",
		"guard-enabled", "guard-failure-threshold", "guard-failure-window", "guard-block-duration",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"shutdown-timeout",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newStoreCommand(svcfields.WithSubsystem(baseLogger, "cli.store")))
	cmd.AddCommand(newSampleCommand())
	cmd.AddCommand(newQueryCommand())
	return cmd
}

func bindConfig(cfg *cpfd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MaxConcurrency = viper.GetInt("max-concurrency")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	if raw := viper.GetString("request-max"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse request-max: %w", err)
		}
		cfg.RequestMaxBytes = int(size)
	}
	if raw := viper.GetString("write-segment"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse write-segment: %w", err)
		}
		cfg.WriteSegmentSize = int(size)
	}
	cfg.StreamRoutes = viper.GetStringSlice("stream-routes")
	cfg.TLSCertFile = strings.TrimSpace(viper.GetString("tls-cert"))
	cfg.TLSKeyFile = strings.TrimSpace(viper.GetString("tls-key"))
	cfg.TLSWatch = viper.GetBool("tls-watch")
	for _, p := range []*string{&cfg.TLSCertFile, &cfg.TLSKeyFile} {
		expanded, err := expandPath(*p)
		if err != nil {
			return fmt.Errorf("expand tls path %q: %w", *p, err)
		}
		*p = expanded
	}
	cfg.CPFStore = viper.GetString("cpf-store")
	cfg.CNPJStore = viper.GetString("cnpj-store")
	cfg.StoreBusyTimeout = viper.GetDuration("store-busy-timeout")
	cfg.GuardEnabled = viper.GetBool("guard-enabled")
	cfg.GuardFailureThreshold = viper.GetInt("guard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("guard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("guard-block-duration")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// runServer serves until ctx ends, then closes the server with the drain
// bounded by shutdownTimeout (zero waits indefinitely). Drain failures are
// logged; the returned error is Start's.
func runServer(ctx context.Context, server *cpfd.Server, shutdownTimeout time.Duration, logger pslog.Logger) error {
	type closeResult struct {
		err error
		ran bool
	}
	closed := make(chan closeResult, 1)
	startDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-startDone:
			closed <- closeResult{}
			return
		}
		shutdownCtx, cancel := shutdownContext(shutdownTimeout)
		defer cancel()
		closed <- closeResult{err: server.CloseContext(shutdownCtx), ran: true}
	}()

	startErr := server.Start()
	close(startDone)
	res := <-closed
	if !res.ran {
		shutdownCtx, cancel := shutdownContext(shutdownTimeout)
		defer cancel()
		res.err = server.CloseContext(shutdownCtx)
	}
	if res.err != nil {
		logger.Warn("shutdown incomplete", "error", res.err)
	}
	return startErr
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
