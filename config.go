package natsio

import (
	"crypto/tls"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	Version = "0.1.0"
	Lang    = "go"

	DefaultName               = "natsio"
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 100 * time.Millisecond
	DefaultReconnectMaxDelay  = 5 * time.Second
)

// Config holds connection options. Zero values are replaced by defaults in
// New.
type Config struct {
	// Name is sent in CONNECT. Defaults to DefaultName.
	Name     string
	Verbose  bool
	Pedantic bool

	// Credentials are passed through in CONNECT. When empty, user info from
	// the server URL is used.
	User     string
	Password string
	Token    string

	// TLSConfig enables TLS for nats:// and tcp:// URLs and configures
	// tls:// and wss:// ones.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dial, TLS handshake and the wait for INFO.
	ConnectTimeout time.Duration

	// ReconnectBaseDelay is the delay after the first failed attempt; it
	// doubles per consecutive failure up to ReconnectMaxDelay. A negative
	// value retries immediately every time.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// MaxReconnectAttempts stops the connection after that many
	// consecutive failed attempts. Zero retries forever.
	MaxReconnectAttempts int

	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Handlers are optional lifecycle callbacks. They run on the goroutine that
// observed the event, usually the connection's read goroutine, and must not
// block for long.
type Handlers struct {
	OnConnected func(c *Conn)

	// OnDisconnected fires once per established session, once per attempt
	// whose handshake fails after the transport connected, and with
	// ErrReconnectFailed when MaxReconnectAttempts is exhausted.
	OnDisconnected func(c *Conn, err error)

	// OnReconnecting fires before each retry that follows a failed attempt.
	OnReconnecting func(attempt int, delay time.Duration)

	// OnServerError receives -ERR messages with surrounding quotes removed.
	OnServerError func(c *Conn, msg string)
}

// backoff returns the wait before retry number attempt (1-based):
// base*2^(attempt-1), capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 || d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
