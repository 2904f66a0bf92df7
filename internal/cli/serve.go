package cli

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/elmq0022/natsio/internal/broker"
)

func newServeCmd(o *options) *cobra.Command {
	var (
		listen     string
		wsListen   string
		serverName string
		maxPayload int64
		selfSigned bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a single-node development broker",
		Long: `Run a minimal broker that speaks the server side of the protocol.

The global --user/--pass/--token flags require clients to authenticate.
--tls-cert and --tls-key serve TLS with that key pair, --tls-self-signed
generates a throwaway certificate for the listen host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsCfg, err := o.serverTLS(listen, selfSigned)
			if err != nil {
				return err
			}

			stopMetrics, err := o.serveMetrics()
			if err != nil {
				return err
			}
			defer stopMetrics()

			srv := broker.New(broker.Options{
				ServerName: serverName,
				MaxPayload: maxPayload,
				TLSConfig:  tlsCfg,
				User:       o.cfg.User,
				Password:   o.cfg.Password,
				Token:      o.cfg.Token,
				Logger:     o.log,
			})
			defer srv.Close()

			addr, err := srv.Listen(listen)
			if err != nil {
				return err
			}
			scheme := "nats"
			if tlsCfg != nil {
				scheme = "tls"
			}
			fmt.Fprintf(o.stdout, "listening on %s://%s\n", scheme, addr)

			if wsListen != "" {
				wsAddr, err := srv.ListenWebsocket(wsListen)
				if err != nil {
					return err
				}
				scheme := "ws"
				if tlsCfg != nil {
					scheme = "wss"
				}
				fmt.Fprintf(o.stdout, "listening on %s://%s\n", scheme, wsAddr)
			}

			<-cmd.Context().Done()
			o.log.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:4222", "TCP listen address")
	cmd.Flags().StringVar(&wsListen, "ws-listen", "", "websocket listen address")
	cmd.Flags().StringVar(&serverName, "server-name", "natsio", "server_name sent in INFO")
	cmd.Flags().Int64Var(&maxPayload, "max-payload", broker.DefaultMaxPayload, "largest accepted payload in bytes")
	cmd.Flags().BoolVar(&selfSigned, "tls-self-signed", false, "serve TLS with a generated certificate")
	return cmd
}

func (o *options) serverTLS(listen string, selfSigned bool) (*tls.Config, error) {
	if selfSigned {
		host, _, err := net.SplitHostPort(listen)
		if err != nil {
			return nil, err
		}
		if host == "" {
			host = "localhost"
		}
		cfg, _, err := broker.SelfSignedTLS(host)
		return cfg, err
	}

	if o.cfg.TLS.Cert == "" && o.cfg.TLS.Key == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(o.cfg.TLS.Cert, o.cfg.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
