// Package transport gives the connection one byte-stream surface over plain
// TCP, TLS and websocket links.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const DefaultPort = "4222"

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrUnknownScheme  = errors.New("unknown url scheme")
	ErrNotTLSUpgraded = errors.New("tls handshake on a non-tls connection")
)

// Transport is a reusable client stream. Connect replaces any earlier
// underlying connection. Read may run concurrently with Write, and Close may
// be called from any goroutine to unblock both.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	// Handshake is a no-op for plaintext transports.
	Handshake(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Shutdown half-closes the write side.
	Shutdown() error
	Close() error
}

// Endpoint is a parsed server URL.
type Endpoint struct {
	Scheme   string
	Addr     string
	User     string
	Password string
}

// ParseURL accepts nats://, tcp://, tls://, ws:// and wss:// URLs as well as
// a bare host:port. Missing ports default to 4222 for stream schemes.
func ParseURL(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "nats://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("parse server url %q: missing host", raw)
	}

	ep := Endpoint{Scheme: strings.ToLower(u.Scheme)}
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}

	switch ep.Scheme {
	case "nats", "tcp", "tls":
		host, port := u.Hostname(), u.Port()
		if port == "" {
			port = DefaultPort
		}
		ep.Addr = net.JoinHostPort(host, port)
	case "ws", "wss":
		u.User = nil
		ep.Addr = u.String()
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownScheme, ep.Scheme)
	}

	return ep, nil
}

// New builds the transport for the endpoint. A non-nil tlsConfig upgrades a
// nats:// or tcp:// endpoint to TLS.
func (e Endpoint) New(tlsConfig *tls.Config) Transport {
	switch e.Scheme {
	case "tls":
		return NewTLS(tlsConfig)
	case "ws", "wss":
		return NewWebsocket(tlsConfig, nil)
	default:
		if tlsConfig != nil {
			return NewTLS(tlsConfig)
		}
		return NewTCP()
	}
}
