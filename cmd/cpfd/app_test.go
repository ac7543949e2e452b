package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/version"
	"pkt.systems/cpfd/tlsutil"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--listen", ":6060"}, want: true},
		{name: "root flag with equals", args: []string{"--listen=:6060"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--tls-watch"}, want: true},
		{name: "subcommand", args: []string{"config", "gen"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "query", "cpf", "1"}, want: false},
		{name: "unknown flag no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown flag before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandVerbose(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "-v")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if strings.TrimSpace(stdout) != version.Get().String() {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestConfigGenStdoutRoundTrip(t *testing.T) {
	t.Setenv("CPFD_CONFIG_DIR", t.TempDir())
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if parsed.Listen != cpfd.DefaultListen || parsed.RequestMax != "1.0KiB" || parsed.WriteSegment != "8.0KiB" {
		t.Fatalf("unexpected defaults %+v", parsed)
	}

	path := filepath.Join(t.TempDir(), "cpfd.yaml")
	edited, err := defaultConfigYAML(func(d *configDefaults) { d.Listen = "127.0.0.1:7070" })
	if err != nil {
		t.Fatalf("render config: %v", err)
	}
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NoopLogger())
	if err := root.PersistentFlags().Set("config", path); err != nil {
		t.Fatalf("set config flag: %v", err)
	}
	if got, err := loadConfigFile(); err != nil || got != path {
		t.Fatalf("loadConfigFile=%q err=%v", got, err)
	}
	var cfg cpfd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7070" {
		t.Fatalf("expected listen from file, got %q", cfg.Listen)
	}
	if cfg.RequestMaxBytes != cpfd.DefaultRequestMaxBytes || cfg.WriteSegmentSize != cpfd.DefaultWriteSegmentSize {
		t.Fatalf("sizes did not round-trip: %d %d", cfg.RequestMaxBytes, cfg.WriteSegmentSize)
	}
	if cfg.ReadTimeout != cpfd.DefaultReadTimeout || cfg.PollInterval != cpfd.DefaultPollInterval {
		t.Fatalf("durations did not round-trip: %s %s", cfg.ReadTimeout, cfg.PollInterval)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	t.Setenv("CPFD_CONFIG_DIR", t.TempDir())
	t.Setenv("CPFD_MAX_CONCURRENCY", "3")
	t.Setenv("CPFD_REQUEST_MAX", "2KiB")
	t.Setenv("CPFD_READ_TIMEOUT", "750ms")
	t.Cleanup(viper.Reset)
	newRootCommand(pslog.NoopLogger())
	var cfg cpfd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.MaxConcurrency != 3 || cfg.RequestMaxBytes != 2048 || cfg.ReadTimeout != 750*time.Millisecond {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	t.Setenv("CPFD_REQUEST_MAX", "lots")
	t.Cleanup(viper.Reset)
	newRootCommand(pslog.NoopLogger())
	var cfg cpfd.Config
	if err := bindConfig(&cfg); err == nil || !strings.Contains(err.Error(), "request-max") {
		t.Fatalf("expected request-max parse error, got %v", err)
	}
}

func TestAuthNewReusesCA(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := executeRootCommand(t, "auth", "new", "--dir", dir)
	if err != nil {
		t.Fatalf("auth new: %v", err)
	}
	if !strings.Contains(stdout, "wrote CA") {
		t.Fatalf("expected CA creation, got %q", stdout)
	}
	first, err := tlsutil.LoadCA(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	for _, name := range []string{"server.crt", "server.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	stdout, _, err = executeRootCommand(t, "auth", "new", "--dir", dir)
	if err != nil {
		t.Fatalf("auth new again: %v", err)
	}
	if !strings.Contains(stdout, "reused CA") {
		t.Fatalf("expected CA reuse, got %q", stdout)
	}
	second, err := tlsutil.LoadCA(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	if !bytes.Equal(first.CertPEM, second.CertPEM) {
		t.Fatal("CA changed without --force")
	}
}

func TestStoreInitAndSample(t *testing.T) {
	dir := t.TempDir()
	cpfPath := filepath.Join(dir, "db", "cpf.db")
	cnpjPath := filepath.Join(dir, "db", "cnpj.db")
	if _, _, err := executeRootCommand(t, "store", "init", "--cpf-store", cpfPath, "--cnpj-store", cnpjPath); err != nil {
		t.Fatalf("store init: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "sample", "--cpf-store", cpfPath, "--cnpj-store", cnpjPath, "--json")
	if err != nil {
		t.Fatalf("sample on empty store: %v", err)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("expected empty sample, got %q", stdout)
	}

	seeded := t.TempDir()
	cpfSeed, cnpjSeed, err := cpfd.SeedTestStores(context.Background(), seeded, cpfd.DefaultTestFixture())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	stdout, _, err = executeRootCommand(t, "sample", "--cpf-store", cpfSeed, "--cnpj-store", cnpjSeed, "-n", "2", "--json")
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	var rows []map[string]string
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("decode sample %q: %v", stdout, err)
	}
	if len(rows) != 2 || rows[0]["cpf"] == "" || rows[0]["nome"] == "" {
		t.Fatalf("unexpected sample %+v", rows)
	}

	stdout, _, err = executeRootCommand(t, "sample", "--cpf-store", cpfSeed, "--cnpj-store", cnpjSeed, "-n", "5")
	if err != nil {
		t.Fatalf("sample text: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(stdout), "\n"); len(lines) != 3 {
		t.Fatalf("expected every seeded person once, got %q", stdout)
	}
}

func TestQueryCommand(t *testing.T) {
	ts := cpfd.StartTestServer(t)
	addr := ts.Addr().String()

	stdout, _, err := executeRootCommand(t, "query", "--server", addr, "cpf", "12345678901")
	if err != nil {
		t.Fatalf("query cpf: %v", err)
	}
	if !strings.Contains(stdout, "MARIA SILVA") {
		t.Fatalf("unexpected output %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "query", "--server", addr, "cpf", "00000000000")
	if err != nil {
		t.Fatalf("not found must not fail the command: %v", err)
	}
	if !strings.Contains(stdout, "CPF não encontrado") {
		t.Fatalf("unexpected not-found output %q", stdout)
	}

	if _, _, err := executeRootCommand(t, "query", "--server", addr, "--path", "/nonsense"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}

	stdout, _, err = executeRootCommand(t, "query", "--server", addr, "--path", "/health", "--raw")
	if err != nil {
		t.Fatalf("query health: %v", err)
	}
	if !strings.HasPrefix(stdout, "HTTP/1.1 200") {
		t.Fatalf("expected raw status line, got %q", stdout)
	}

	if _, _, err := executeRootCommand(t, "query", "--server", addr, "bogus", "x"); err == nil {
		t.Fatal("expected unknown route error")
	}
}

func TestQueryCommandStreamsOverTLS(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := executeRootCommand(t, "auth", "new", "--dir", dir); err != nil {
		t.Fatalf("auth new: %v", err)
	}
	ts := cpfd.StartTestServer(t, cpfd.WithTestConfigFunc(func(cfg *cpfd.Config) {
		cfg.TLSCertFile = filepath.Join(dir, "server.crt")
		cfg.TLSKeyFile = filepath.Join(dir, "server.key")
		cfg.StreamRoutes = []string{"name"}
	}))
	stdout, _, err := executeRootCommand(t, "query",
		"--server", ts.Addr().String(),
		"--ca", filepath.Join(dir, "ca.pem"),
		"--server-name", "localhost",
		"name", "maria")
	if err != nil {
		t.Fatalf("query over tls: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected four progress chunks, got %q", stdout)
	}
	if !strings.Contains(lines[3], `"isComplete":true`) {
		t.Fatalf("final chunk not complete: %s", lines[3])
	}
}

type blockingSession struct {
	entered chan<- struct{}
	release <-chan struct{}
}

func (s blockingSession) wait() ([]lookup.Record, error) {
	s.entered <- struct{}{}
	<-s.release
	return []lookup.Record{{lookup.KeyCPF: "12345678901"}}, nil
}

func (s blockingSession) ByName(context.Context, string) ([]lookup.Record, error) { return s.wait() }
func (s blockingSession) ByExactName(context.Context, string) ([]lookup.Record, error) {
	return s.wait()
}
func (s blockingSession) ByCPF(context.Context, string) ([]lookup.Record, error) { return s.wait() }
func (s blockingSession) PartnersByName(context.Context, string) ([]lookup.Record, error) {
	return s.wait()
}
func (s blockingSession) PartnersByNameCPF(context.Context, string, string) ([]lookup.Record, error) {
	return s.wait()
}
func (s blockingSession) PartnersByNameCPFRadical(context.Context, string, string) ([]lookup.Record, error) {
	return s.wait()
}
func (s blockingSession) Close() error { return nil }

// startBlockedServer runs runServer with one request parked in a lookup and
// returns the cancel func and the channel runServer's result arrives on.
func startBlockedServer(t *testing.T, shutdownTimeout time.Duration, release chan struct{}) (context.CancelFunc, <-chan error) {
	t.Helper()
	entered := make(chan struct{}, 1)
	opener := lookup.OpenerFunc(func(context.Context) (lookup.Session, error) {
		return blockingSession{entered: entered, release: release}, nil
	})
	srv, err := cpfd.NewServer(cpfd.Config{Listen: "127.0.0.1:0", PollInterval: 20 * time.Millisecond},
		cpfd.WithOpener(opener), cpfd.WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv, shutdownTimeout, pslog.NoopLogger()) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	conn, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.Write([]byte("GET /get-person-by-cpf/12345678901 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the lookup")
	}
	return cancel, done
}

func TestRunServerHonoursShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cancel, done := startBlockedServer(t, 100*time.Millisecond, release)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runServer outlived its shutdown timeout")
	}
}

func TestRunServerZeroTimeoutWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	cancel, done := startBlockedServer(t, 0, release)
	cancel()
	select {
	case err := <-done:
		close(release)
		t.Fatalf("runServer returned %v with a request in flight", err)
	case <-time.After(300 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServer did not return after the request finished")
	}
}
