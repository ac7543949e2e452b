package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/cpfd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage cpfd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.cpfd/" + cpfd.DefaultConfigFileName
	if dir, err := cpfd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, cpfd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default cpfd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := cpfd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, cpfd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys are flag names so the
// file can be read back through viper unchanged.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	MaxConcurrency         int      `yaml:"max-concurrency"`
	PollInterval           string   `yaml:"poll-interval"`
	HandshakeTimeout       string   `yaml:"handshake-timeout"`
	ReadTimeout            string   `yaml:"read-timeout"`
	RequestMax             string   `yaml:"request-max"`
	WriteSegment           string   `yaml:"write-segment"`
	StreamRoutes           []string `yaml:"stream-routes"`
	TLSCert                string   `yaml:"tls-cert"`
	TLSKey                 string   `yaml:"tls-key"`
	TLSWatch               bool     `yaml:"tls-watch"`
	CPFStore               string   `yaml:"cpf-store"`
	CNPJStore              string   `yaml:"cnpj-store"`
	GuardEnabled           bool     `yaml:"guard-enabled"`
	GuardFailureThreshold  int      `yaml:"guard-failure-threshold"`
	GuardFailureWindow     string   `yaml:"guard-failure-window"`
	GuardBlockDuration     string   `yaml:"guard-block-duration"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                cpfd.DefaultListen,
		ListenProto:           cpfd.DefaultListenProto,
		MaxConcurrency:        cpfd.DefaultMaxConcurrency(),
		PollInterval:          cpfd.DefaultPollInterval.String(),
		HandshakeTimeout:      cpfd.DefaultHandshakeTimeout.String(),
		ReadTimeout:           cpfd.DefaultReadTimeout.String(),
		RequestMax:            humanizeBytes(cpfd.DefaultRequestMaxBytes),
		WriteSegment:          humanizeBytes(cpfd.DefaultWriteSegmentSize),
		StreamRoutes:          []string{},
		CPFStore:              cpfd.DefaultCPFStore,
		CNPJStore:             cpfd.DefaultCNPJStore,
		GuardFailureThreshold: cpfd.DefaultGuardFailureThreshold,
		GuardFailureWindow:    cpfd.DefaultGuardFailureWindow.String(),
		GuardBlockDuration:    cpfd.DefaultGuardBlockDuration.String(),
		MetricsListen:         cpfd.DefaultMetricsListen,
		PprofListen:           cpfd.DefaultPprofListen,
		ShutdownTimeout:       cpfd.DefaultShutdownTimeout.String(),
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
