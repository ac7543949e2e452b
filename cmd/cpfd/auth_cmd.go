package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/tlsutil"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "auth",
		Short:        "Manage cpfd TLS material",
		SilenceUsage: true,
	}
	cmd.AddCommand(newAuthNewCommand())
	return cmd
}

func newAuthNewCommand() *cobra.Command {
	var dir string
	var hosts []string
	var cn string
	var caValidity time.Duration
	var serverValidity time.Duration
	var force bool

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a CA (or reuse ca.pem) and issue a server key pair",
		Long: `Writes ca.pem, server.crt and server.key into --dir (default $HOME/.cpfd).
An existing ca.pem is reused unless --force is given; the server key pair
is always replaced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				d, err := cpfd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = d
			}
			dir, err := expandPath(dir)
			if err != nil {
				return fmt.Errorf("expand --dir: %w", err)
			}
			caPath := filepath.Join(dir, "ca.pem")
			certPath := filepath.Join(dir, "server.crt")
			keyPath := filepath.Join(dir, "server.key")

			ca, created, err := loadOrCreateCA(caPath, caValidity, force)
			if err != nil {
				return err
			}
			issued, err := ca.IssueServer(cleanHosts(hosts), cn, serverValidity)
			if err != nil {
				return fmt.Errorf("issue server certificate: %w", err)
			}
			if err := tlsutil.WritePair(certPath, keyPath, issued.CertPEM, issued.KeyPEM, true); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "wrote CA to %s\n", caPath)
			} else {
				fmt.Fprintf(out, "reused CA %s\n", caPath)
			}
			if id, err := tlsutil.CertificateID(ca.CertPEM); err == nil {
				fmt.Fprintf(out, "ca id: %s\n", id)
			}
			fmt.Fprintf(out, "wrote server certificate to %s\n", certPath)
			fmt.Fprintf(out, "wrote server key to %s\n", keyPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&dir, "dir", "", "output directory (defaults to $HOME/.cpfd)")
	flags.StringSliceVar(&hosts, "hosts", nil, "DNS names or IPs the server certificate covers (defaults to localhost and loopback)")
	flags.StringVar(&cn, "cn", "", "server certificate common name")
	flags.DurationVar(&caValidity, "ca-validity", tlsutil.DefaultCAValidity, "CA validity period")
	flags.DurationVar(&serverValidity, "validity", tlsutil.DefaultServerValidity, "server certificate validity period")
	flags.BoolVar(&force, "force", false, "replace existing files, including the CA")
	return cmd
}

func loadOrCreateCA(path string, validity time.Duration, force bool) (*tlsutil.CA, bool, error) {
	if !force {
		ca, err := tlsutil.LoadCA(path)
		if err == nil {
			return ca, false, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
	}
	ca, err := tlsutil.GenerateCA("", validity)
	if err != nil {
		return nil, false, fmt.Errorf("generate ca: %w", err)
	}
	if err := tlsutil.WriteCA(path, ca, force); err != nil {
		return nil, false, err
	}
	return ca, true, nil
}

func cleanHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
