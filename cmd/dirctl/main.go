// Command dirctl administers a dirsync server and prepares its configuration.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/dirsync/internal/config"
	"github.com/and161185/dirsync/internal/ldapclient"
	grpcserver "github.com/and161185/dirsync/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "dirsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "dirsync")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// app carries the global flags and the injectable edges of the CLI.
type app struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	timeout    time.Duration
	configPath string

	in  io.Reader
	out io.Writer

	dial      func(ctx context.Context) (*grpc.ClientConn, error)
	directory func(cfg *config.Config) (ldapclient.Client, func(), error)
}

func newApp() *app {
	a := &app{in: os.Stdin, out: os.Stdout}
	a.dial = a.dialServer
	a.directory = openDirectory
	return a
}

func (a *app) dialServer(context.Context) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if !a.plaintext {
		var err error
		if creds, err = loadTLS(a.caPath, a.skipVerify); err != nil {
			return nil, err
		}
	}
	return grpc.NewClient(a.addr, grpc.WithTransportCredentials(creds))
}

func openDirectory(cfg *config.Config) (ldapclient.Client, func(), error) {
	cc, err := cfg.Directory.Client()
	if err != nil {
		return nil, nil, err
	}
	p := ldapclient.NewPool(cc, zap.NewNop())
	return p, func() { _ = p.Close() }, nil
}

// client dials the server with the saved token. anonymous skips the token.
func (a *app) client(ctx context.Context, anonymous bool) (*grpcserver.Client, func(), error) {
	token := ""
	if !anonymous {
		var err error
		if token, err = loadToken(); err != nil {
			return nil, nil, err
		}
	}
	cc, err := a.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	return grpcserver.NewClient(cc, token), func() { _ = cc.Close() }, nil
}

// call runs one authenticated RPC and prints its result.
func (a *app) call(cmd *cobra.Command, method string, req map[string]any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	cl, done, err := a.client(ctx, false)
	if err != nil {
		return err
	}
	defer done()
	out, err := cl.Call(ctx, method, req)
	if err != nil {
		return err
	}
	return a.printJSON(out.AsMap())
}

// ---- utils ----

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func describe(err error) string {
	if s, ok := status.FromError(err); ok {
		return fmt.Sprintf("rpc error: code=%s msg=%s", s.Code(), s.Message())
	}
	return err.Error()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "dirctl",
		Short:         "dirctl administers a dirsync server",
		Long:          "dirctl talks to the dirsync admin API and prepares directory configuration offline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&a.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&a.skipVerify, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&a.plaintext, "plaintext", false, "connect without TLS (dev servers only)")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-command deadline")
	pf.StringVar(&a.configPath, "config", "", "directory configuration file for offline commands")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintf(a.out, "dirctl %s (%s)\n", version, buildDate)
				return err
			},
		},
		loginCmd(a),
		reloadCmd(a),
		statusCmd(a),
		waitCmd(a),
		userCmd(a),
		groupsCmd(a),
		encryptSecretCmd(a),
		ntHashCmd(a),
		configCmd(a),
		ouCmd(a),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// main dispatches subcommands and reports RPC failures with their status code.
func main() {
	root := newRootCmd(newApp())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}
