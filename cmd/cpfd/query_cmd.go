package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cpfd/internal/router"
	"pkt.systems/cpfd/tlsutil"
)

type queryOptions struct {
	server     string
	path       string
	useTLS     bool
	caPath     string
	insecure   bool
	serverName string
	timeout    time.Duration
	raw        bool
}

func newQueryCommand() *cobra.Command {
	var opts queryOptions
	cmd := &cobra.Command{
		Use:   "query [route term]",
		Short: "Send one lookup to a running cpfd and print the response",
		Example: `  cpfd query cpf 12345678901
  cpfd query name "maria silva"
  cpfd query cnpj-name-cpf-radical maria-12345678901
  cpfd query --path /health
  cpfd query --tls --ca ~/.cpfd/ca.pem cpf 12345678901`,
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.path != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := opts.path
			if target == "" {
				kind, ok := router.ParseKind(args[0])
				if !ok || !kind.Lookup() {
					return fmt.Errorf("unknown route %q", args[0])
				}
				target, _ = router.Target(kind, args[1])
			}
			return runQuery(cmd.Context(), cmd.OutOrStdout(), opts, target)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "127.0.0.1:5050", "server address (host:port)")
	flags.StringVar(&opts.path, "path", "", "raw request target instead of route and term (e.g. /health)")
	flags.BoolVar(&opts.useTLS, "tls", false, "connect with TLS")
	flags.StringVar(&opts.caPath, "ca", "", "CA bundle used to verify the server (implies --tls)")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip server certificate verification (implies --tls)")
	flags.StringVar(&opts.serverName, "server-name", "", "TLS server name (defaults to the host of --server)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")
	flags.BoolVar(&opts.raw, "raw", false, "print the raw response including status line and headers")
	return cmd
}

func (o queryOptions) tlsConfig() (*tls.Config, error) {
	if !o.useTLS && o.caPath == "" && !o.insecure {
		return nil, nil
	}
	host, _, err := net.SplitHostPort(o.server)
	if err != nil {
		host = o.server
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	if o.serverName != "" {
		cfg.ServerName = o.serverName
	}
	if o.caPath != "" {
		path, err := expandPath(o.caPath)
		if err != nil {
			return nil, fmt.Errorf("expand --ca: %w", err)
		}
		pool, err := tlsutil.LoadCertPool(path)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.insecure {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func runQuery(ctx context.Context, out io.Writer, opts queryOptions, target string) error {
	tlsCfg, err := opts.tlsConfig()
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	var conn net.Conn
	if tlsCfg != nil {
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err = dialer.DialContext(ctx, "tcp", opts.server)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", opts.server)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.server, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, _ := net.SplitHostPort(opts.server)
	req := "GET " + target + " HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	raw, err := io.ReadAll(conn)
	if err != nil && len(raw) == 0 {
		return fmt.Errorf("read response: %w", err)
	}
	if opts.raw {
		_, err := out.Write(raw)
		return err
	}
	return printResponse(out, raw)
}

// printResponse writes the body of raw, one line per chunk for streamed
// responses, and reports server-side failures as errors.
func printResponse(out io.Writer, raw []byte) error {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	var last json.RawMessage
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode body: %w", err)
		}
		last = msg
		if _, err := fmt.Fprintln(out, string(msg)); err != nil {
			return err
		}
	}
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(last, &body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(body.Error))
	}
	return nil
}
