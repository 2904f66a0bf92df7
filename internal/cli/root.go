package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/elmq0022/natsio"
	"github.com/elmq0022/natsio/internal/config"
	"github.com/elmq0022/natsio/internal/transport"
)

// options is the state shared by every command: global flags, the loaded
// config file and what is built from them in PersistentPreRunE.
type options struct {
	configPath  string
	server      string
	name        string
	user        string
	pass        string
	passPrompt  bool
	token       string
	tlsCA       string
	tlsCert     string
	tlsKey      string
	tlsInsecure bool
	debug       bool
	metricsAddr string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// readPassword backs --pass-prompt.
	readPassword func() (string, error)

	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *natsio.Metrics
}

// NewRootCmd builds the natsio command tree reading from in and writing to
// out and errOut.
func NewRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCmd(&options{
		stdin:        in,
		stdout:       out,
		stderr:       errOut,
		readPassword: promptPassword(in, errOut),
	})
}

func newRootCmd(o *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "natsio",
		Short: "Publish, subscribe and run a broker over the NATS text protocol",
		Long: `natsio is a client for the NATS-style publish/subscribe protocol.

It can subscribe and count or print messages, publish on an interval,
run a minimal single-node broker for development, and open an
interactive shell on a connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
	}
	rootCmd.SetIn(o.stdin)
	rootCmd.SetOut(o.stdout)
	rootCmd.SetErr(o.stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "config file (default is ~/.natsio/config.yaml)")
	flags.StringVarP(&o.server, "server", "s", "", "server URL (nats://, tls://, ws://, wss://)")
	flags.StringVar(&o.name, "name", "", "client name sent in CONNECT")
	flags.StringVar(&o.user, "user", "", "user name")
	flags.StringVar(&o.pass, "pass", "", "password")
	flags.BoolVar(&o.passPrompt, "pass-prompt", false, "read the password from the terminal")
	flags.StringVar(&o.token, "token", "", "auth token")
	flags.StringVar(&o.tlsCA, "tls-ca", "", "CA certificate file")
	flags.StringVar(&o.tlsCert, "tls-cert", "", "certificate file")
	flags.StringVar(&o.tlsKey, "tls-key", "", "private key file")
	flags.BoolVar(&o.tlsInsecure, "tls-insecure", false, "skip server certificate verification")
	flags.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		newSubCmd(o),
		newPubCmd(o),
		newServeCmd(o),
		newShellCmd(o),
		newVersionCmd(o),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// setup loads the config file, applies flag overrides and builds the logger
// and metrics.
func (o *options) setup(cmd *cobra.Command) error {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, o.stderr)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("server", &cfg.Server, o.server)
	override("name", &cfg.Name, o.name)
	override("user", &cfg.User, o.user)
	override("pass", &cfg.Password, o.pass)
	override("token", &cfg.Token, o.token)
	override("tls-ca", &cfg.TLS.CA, o.tlsCA)
	override("tls-cert", &cfg.TLS.Cert, o.tlsCert)
	override("tls-key", &cfg.TLS.Key, o.tlsKey)
	override("metrics-addr", &cfg.MetricsAddr, o.metricsAddr)
	if flags.Changed("tls-insecure") {
		cfg.TLS.InsecureSkipVerify = o.tlsInsecure
	}

	if o.passPrompt {
		pass, err := o.readPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg.Password = pass
	}
	o.cfg = cfg

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	o.log = slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level}))

	o.registry = prometheus.NewRegistry()
	o.metrics = natsio.NewMetrics(o.registry, "natsio")
	return nil
}

func promptPassword(in io.Reader, errOut io.Writer) func() (string, error) {
	return func() (string, error) {
		f, ok := in.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return "", errors.New("--pass-prompt requires a terminal")
		}
		fmt.Fprint(errOut, "Password: ")
		pass, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(errOut)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(pass)), nil
	}
}

// tlsConfig returns nil when no TLS file or option is set.
func (o *options) tlsConfig() (*tls.Config, error) {
	files := transport.TLSFiles{
		CA:                 o.cfg.TLS.CA,
		Cert:               o.cfg.TLS.Cert,
		Key:                o.cfg.TLS.Key,
		InsecureSkipVerify: o.cfg.TLS.InsecureSkipVerify,
	}
	if files.Empty() {
		return nil, nil
	}
	return transport.LoadTLSConfig(files)
}

func (o *options) connConfig() (natsio.Config, error) {
	tlsCfg, err := o.tlsConfig()
	if err != nil {
		return natsio.Config{}, err
	}
	return natsio.Config{
		Name:                 o.cfg.Name,
		Verbose:              o.cfg.Verbose,
		User:                 o.cfg.User,
		Password:             o.cfg.Password,
		Token:                o.cfg.Token,
		TLSConfig:            tlsCfg,
		ConnectTimeout:       o.cfg.ConnectTimeout,
		ReconnectBaseDelay:   o.cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    o.cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: o.cfg.MaxReconnectAttempts,
		Logger:               o.log,
		Metrics:              o.metrics,
	}, nil
}

// session is a started connection plus the signal of its first session.
type session struct {
	nc    *natsio.Conn
	done  <-chan struct{}
	ready chan struct{}
}

// dial starts a connection to the configured server. h.OnConnected still
// runs for every session.
func (o *options) dial(ctx context.Context, h natsio.Handlers) (*session, error) {
	cfg, err := o.connConfig()
	if err != nil {
		return nil, err
	}

	s := &session{ready: make(chan struct{})}
	first := true
	onConnected := h.OnConnected
	h.OnConnected = func(c *natsio.Conn) {
		if first {
			first = false
			close(s.ready)
		}
		if onConnected != nil {
			onConnected(c)
		}
	}
	if h.OnDisconnected == nil {
		h.OnDisconnected = func(_ *natsio.Conn, err error) {
			o.log.Info("disconnected", "err", err)
		}
	}
	if h.OnServerError == nil {
		h.OnServerError = func(_ *natsio.Conn, msg string) {
			fmt.Fprintf(o.stderr, "server error: %s\n", msg)
		}
	}

	s.nc = natsio.New(o.cfg.Server, cfg, h)
	s.done, err = s.nc.Start(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// wait blocks until the first session is up or the connection gives up.
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := ctx.Err(); err != nil {
			return err
		}
		return natsio.ErrReconnectFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveMetrics exposes the registry on the configured address until the
// returned stop function is called.
func (o *options) serveMetrics() (stop func(), err error) {
	if o.cfg.MetricsAddr == "" {
		return func() {}, nil
	}

	l, err := net.Listen("tcp", o.cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error("metrics server", "err", err)
		}
	}()
	o.log.Info("serving metrics", "addr", l.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newVersionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(o.stdout, "natsio %s (%s)\n", natsio.Version, natsio.Lang)
			return nil
		},
	}
}
