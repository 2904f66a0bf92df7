package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// TLS dials TCP and runs the client handshake in Handshake.
type TLS struct {
	TCP
	config *tls.Config
}

func NewTLS(config *tls.Config) *TLS {
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &TLS{config: config}
}

func (t *TLS) Connect(ctx context.Context, addr string) error {
	raw, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	cfg := t.config.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			raw.Close()
			return err
		}
		cfg.ServerName = host
	}

	t.swap(tls.Client(raw, cfg))
	return nil
}

func (t *TLS) Handshake(ctx context.Context) error {
	conn, ok := t.current().(*tls.Conn)
	if !ok {
		if t.current() == nil {
			return ErrNotConnected
		}
		return ErrNotTLSUpgraded
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// TLSFiles names the PEM files used to build a client tls.Config.
type TLSFiles struct {
	CA                 string
	Cert               string
	Key                string
	InsecureSkipVerify bool
}

func (f TLSFiles) Empty() bool {
	return f.CA == "" && f.Cert == "" && f.Key == "" && !f.InsecureSkipVerify
}

func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: files.InsecureSkipVerify,
	}

	if files.CA != "" {
		pem, err := os.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca %s: no certificates found", files.CA)
		}
		cfg.RootCAs = pool
	}

	if (files.Cert == "") != (files.Key == "") {
		return nil, errors.New("tls cert and key must be given together")
	}
	if files.Cert != "" {
		pair, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}
