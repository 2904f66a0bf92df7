package natsio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/elmq0022/natsio/internal/codec"
	"github.com/elmq0022/natsio/internal/transport"
	"github.com/elmq0022/natsio/internal/trie"
)

const tracerName = "github.com/elmq0022/natsio"

// ServerInfo is the decoded INFO payload.
type ServerInfo = codec.ServerInfo

// Conn is one logical client session with automatic reconnect. All methods
// are safe for concurrent use.
type Conn struct {
	url      string
	cfg      Config
	handlers Handlers
	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	ep     transport.Endpoint
	urlErr error
	tr     transport.Transport

	// dec is only touched by the run goroutine.
	dec *codec.Decoder

	subs *registry
	sids atomic.Uint64

	// mu serialises wire writes and guards the fields below it. The
	// registry lock may be taken while holding mu, never the reverse.
	mu      sync.Mutex
	wbuf    []byte
	session uint64
	pongs   []chan error
	cancel  context.CancelFunc

	infoMu sync.RWMutex
	info   ServerInfo

	state      atomic.Int32
	connected  atomic.Bool
	maxPayload atomic.Int64
	stopping   atomic.Bool

	done chan struct{}
}

// New prepares a connection to url. Nothing is dialed until Start. A
// malformed url is reported by Start.
func New(url string, cfg Config, h Handlers) *Conn {
	cfg.setDefaults()

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := &Conn{
		url:      url,
		cfg:      cfg,
		handlers: h,
		metrics:  cfg.Metrics,
		tracer:   tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version)),
		subs:     newRegistry(),
		done:     make(chan struct{}),
	}

	c.ep, c.urlErr = transport.ParseURL(url)
	if c.urlErr == nil {
		c.tr = c.ep.New(cfg.TLSConfig)
		c.dec, _ = codec.NewDecoder(c.tr)
	}
	c.log = cfg.Logger.With("component", "natsio", "addr", c.ep.Addr)
	return c
}

// Start launches the connection goroutine. The returned channel is closed
// once it has exited, either after Stop, after ctx is cancelled, or when
// MaxReconnectAttempts is exhausted.
func (c *Conn) Start(ctx context.Context) (<-chan struct{}, error) {
	if c.urlErr != nil {
		return nil, c.urlErr
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	context.AfterFunc(ctx, c.interrupt)
	go c.run(ctx)

	return c.done, nil
}

// Stop ends the session and waits for the connection goroutine to exit.
// It must not be called from a handler.
func (c *Conn) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	<-c.done
	return nil
}

// interrupt runs when the run context ends. Closing the transport unblocks
// a pending read; the loop sees stopping at the top of its next iteration.
func (c *Conn) interrupt() {
	c.stopping.Store(true)
	_ = c.tr.Shutdown()
	_ = c.tr.Close()
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateStopped)
	defer c.tr.Close()

	failures := 0
	for {
		if c.stopping.Load() || ctx.Err() != nil {
			return
		}

		if failures > 0 {
			if limit := c.cfg.MaxReconnectAttempts; limit > 0 && failures >= limit {
				c.log.Error("giving up", "attempts", failures)
				if h := c.handlers.OnDisconnected; h != nil {
					h(c, ErrReconnectFailed)
				}
				return
			}

			delay := backoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, failures)
			c.log.Info("reconnecting", "attempt", failures, "delay", delay)
			if h := c.handlers.OnReconnecting; h != nil {
				h(failures, delay)
			}
			if !sleep(ctx, delay) {
				return
			}
		}

		session, err := c.connect(ctx)
		if err != nil {
			failures++
			c.log.Error("connect failed", "attempt", failures, "err", err)
			continue
		}
		failures = 0

		err = c.readLoop()
		c.disconnect(session, err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials, runs the handshake and marks the session established.
func (c *Conn) connect(ctx context.Context) (session uint64, err error) {
	ctx, span := c.tracer.Start(ctx, "natsio.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("natsio.scheme", c.ep.Scheme),
			attribute.String("natsio.addr", c.ep.Addr),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("natsio.max_payload", c.maxPayload.Load()))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	began := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.setState(StateConnecting)
	c.log.Info("connecting")
	if err := c.tr.Connect(ctx, c.ep.Addr); err != nil {
		c.setState(StateDisconnected)
		return 0, fmt.Errorf("dial: %w", err)
	}

	// Reads carry no deadline, so the timeout closes the transport to cut
	// a stalled handshake short.
	release := context.AfterFunc(ctx, func() { c.tr.Close() })
	defer release()

	if err := c.handshake(ctx); err != nil {
		c.tr.Close()
		c.setState(StateDisconnected)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		c.handshakeFailed(err)
		return 0, err
	}
	if !release() {
		c.setState(StateDisconnected)
		err := fmt.Errorf("handshake: %w", ctx.Err())
		c.handshakeFailed(err)
		return 0, err
	}

	c.mu.Lock()
	c.session++
	session = c.session
	c.connected.Store(true)
	c.mu.Unlock()

	c.setState(StateConnected)
	c.metrics.sessionUp(session > 1, time.Since(began))

	info := c.ServerInfo()
	c.log.Info("connected", "server_id", info.ServerID, "server_version", info.Version, "max_payload", info.MaxPayload)
	if h := c.handlers.OnConnected; h != nil {
		h(c)
	}
	return session, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	c.setState(StateHandshaking)
	if err := c.tr.Handshake(ctx); err != nil {
		c.log.Error("handshake failed", "err", err)
		return err
	}

	c.setState(StateAwaitingInfo)
	c.dec.Reset(c.tr)
	frame, err := c.dec.Next()
	if err != nil {
		c.log.Error("reading INFO failed", "err", err)
		return fmt.Errorf("read INFO: %w", err)
	}
	f, ok := frame.(codec.Info)
	if !ok {
		return fmt.Errorf("%w, got %s", ErrNoServerInfo, frame.Op())
	}
	if _, err := c.applyInfo(f.Payload); err != nil {
		c.log.Error("decoding INFO failed", "err", err)
		return err
	}

	c.setState(StateSendingConnect)
	return c.sendConnect()
}

// sendConnect writes CONNECT followed by a SUB for every live
// subscription, in one write.
func (c *Conn) sendConnect() error {
	buf, err := codec.AppendConnect(nil, c.connectInfo())
	if err != nil {
		return fmt.Errorf("encode CONNECT: %w", err)
	}

	c.mu.Lock()
	live := c.subs.snapshot()
	for _, sub := range live {
		buf = codec.AppendSub(buf, sub.subject, sub.queue, sub.sid)
	}
	_, err = c.tr.Write(buf)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}
	if len(live) > 0 {
		c.log.Info("resubscribed", "count", len(live))
	}
	return nil
}

func (c *Conn) connectInfo() codec.ConnectInfo {
	user, pass, token := c.cfg.User, c.cfg.Password, c.cfg.Token
	if user == "" && pass == "" {
		user, pass = c.ep.User, c.ep.Password
		// A lone user in the URL is a token.
		if token == "" && user != "" && pass == "" {
			user, token = "", user
		}
	}

	return codec.ConnectInfo{
		Verbose:     c.cfg.Verbose,
		Pedantic:    c.cfg.Pedantic,
		SSLRequired: c.secure(),
		Name:        c.cfg.Name,
		Lang:        Lang,
		Version:     Version,
		User:        user,
		Pass:        pass,
		AuthToken:   token,
	}
}

func (c *Conn) secure() bool {
	return c.cfg.TLSConfig != nil || c.ep.Scheme == "tls" || c.ep.Scheme == "wss"
}

func (c *Conn) applyInfo(payload []byte) (ServerInfo, error) {
	info, err := codec.ParseServerInfo(payload)
	if err != nil {
		return info, err
	}

	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
	c.maxPayload.Store(info.MaxPayload)
	return info, nil
}

func (c *Conn) readLoop() error {
	for {
		frame, err := c.dec.Next()
		if err != nil {
			var perr *codec.ParseError
			if errors.As(err, &perr) {
				c.metrics.parseError()
				c.log.Error("parse failed", "err", err)
			}
			return err
		}

		if err := c.dispatch(frame); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(frame codec.Frame) error {
	switch f := frame.(type) {
	case codec.Ping:
		_, err := c.send(func(b []byte) []byte { return append(b, codec.PongLine...) })
		return err

	case codec.Pong:
		c.resolvePong()

	case codec.OK:

	case codec.Info:
		info, err := c.applyInfo(f.Payload)
		if err != nil {
			c.log.Warn("ignoring malformed INFO", "err", err)
			return nil
		}
		c.log.Debug("server info updated", "max_payload", info.MaxPayload)

	case codec.Err:
		msg := strings.Trim(string(f.Message), "'")
		c.metrics.serverError()
		c.log.Error("server error", "msg", msg)
		if h := c.handlers.OnServerError; h != nil {
			h(c, msg)
		}

	case codec.Msg:
		return c.deliver(f)

	default:
		err := fmt.Errorf("%w %s", codec.ErrUnexpectedOperator, frame.Op())
		c.log.Error("protocol error", "err", err)
		return err
	}
	return nil
}

// deliver hands m to its subscription. A cancelled subscription gets this
// one last message after its UNSUB has been sent.
func (c *Conn) deliver(m codec.Msg) error {
	sub, ok := c.subs.find(m.SID)
	if !ok {
		c.metrics.dropped()
		c.log.Debug("dropping message for unknown subscription", "sid", m.SID, "subject", string(m.Subject))
		return nil
	}

	var err error
	if sub.cancelled.Load() {
		if _, removed := c.subs.remove(m.SID); removed {
			c.log.Debug("unsubscribing cancelled subscription", "sid", m.SID)
			_, err = c.send(func(b []byte) []byte { return codec.AppendUnsub(b, m.SID, 0) })
		}
	}

	sub.delivered.Add(1)
	c.metrics.delivered(len(m.Payload))
	sub.handler(&Msg{
		Subject: string(m.Subject),
		ReplyTo: string(m.ReplyTo),
		Data:    m.Payload,
		Sub:     sub,
	})
	return err
}

// send writes one command on the current session and reports which
// session it went to.
func (c *Conn) send(build func([]byte) []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return 0, ErrNotConnected
	}
	c.wbuf = build(c.wbuf[:0])
	_, err := c.tr.Write(c.wbuf)
	return c.session, err
}

// disconnect tears down session. Calls for a session that already ended
// are ignored, so OnDisconnected fires once per session.
func (c *Conn) disconnect(session uint64, err error) {
	c.mu.Lock()
	if session != c.session || !c.connected.Load() {
		c.mu.Unlock()
		return
	}
	c.connected.Store(false)
	pongs := c.pongs
	c.pongs = nil
	c.mu.Unlock()

	c.tr.Close()
	c.setState(StateDisconnected)
	c.metrics.sessionDown()

	if c.stopping.Load() {
		c.log.Info("disconnected", "reason", "stopped")
		err = ErrStopped
	} else {
		c.log.Warn("disconnected", "err", err)
	}

	for _, ch := range pongs {
		ch <- fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	if h := c.handlers.OnDisconnected; h != nil {
		h(c, err)
	}
}

// handshakeFailed reports an attempt that reached the server but never
// became a session. Dial failures only surface through OnReconnecting.
func (c *Conn) handshakeFailed(err error) {
	if c.stopping.Load() {
		err = ErrStopped
	}
	if h := c.handlers.OnDisconnected; h != nil {
		h(c, err)
	}
}

func (c *Conn) resolvePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pongs) == 0 {
		return
	}
	ch := c.pongs[0]
	c.pongs = c.pongs[1:]
	ch <- nil
}

// failWrite routes a failed write through the disconnect path.
func (c *Conn) failWrite(op string, session uint64, err error) error {
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	c.disconnect(session, err)
	return fmt.Errorf("%s: %w", op, err)
}

// Publish sends data on subject.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.PublishReply(subject, "", data)
}

// PublishReply sends data on subject with a reply subject. The command goes
// out as a single write.
func (c *Conn) PublishReply(subject, reply string, data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := trie.ValidateSubject(subject); err != nil {
		return err
	}
	if reply != "" {
		if _, err := trie.ValidateSubject(reply); err != nil {
			return err
		}
	}
	if limit := c.maxPayload.Load(); limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%w: %d bytes, server allows %d", ErrMaxPayload, len(data), limit)
	}

	session, err := c.send(func(b []byte) []byte { return codec.AppendPub(b, subject, reply, data) })
	if err != nil {
		return c.failWrite("publish", session, err)
	}
	c.metrics.published(len(data))
	return nil
}

// Subscribe registers handler for messages matching subject, which may
// contain the * and > wildcards.
func (c *Conn) Subscribe(subject string, handler MsgHandler) (*Subscription, error) {
	return c.QueueSubscribe(subject, "", handler)
}

// QueueSubscribe is Subscribe as a member of a queue group. An empty queue
// is a plain subscription.
func (c *Conn) QueueSubscribe(subject, queue string, handler MsgHandler) (*Subscription, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrBadSubscription)
	}
	if _, err := trie.ValidatePattern(subject); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSubscription, err)
	}
	if queue != "" {
		if err := trie.ValidateQueue(queue); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSubscription, err)
		}
	}

	sub := &Subscription{
		conn:    c,
		subject: subject,
		queue:   queue,
		handler: handler,
	}

	// The entry goes in before SUB is written so a MSG that races the
	// write back finds it.
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub.sid = c.sids.Add(1)
	if err := c.subs.insert(sub); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.wbuf = codec.AppendSub(c.wbuf[:0], subject, queue, sub.sid)
	_, err := c.tr.Write(c.wbuf)
	session := c.session
	c.mu.Unlock()

	if err != nil {
		c.subs.remove(sub.sid)
		return nil, c.failWrite("subscribe", session, err)
	}

	c.log.Debug("subscribed", "subject", subject, "queue", queue, "sid", sub.sid)
	return sub, nil
}

// Unsubscribe removes sub and, when connected, sends UNSUB for it. A sid
// the connection does not know yields ErrSubscriptionNotFound and no write.
func (c *Conn) Unsubscribe(sub *Subscription) error {
	if sub == nil || sub.conn != c {
		return ErrBadSubscription
	}

	c.mu.Lock()
	if _, ok := c.subs.remove(sub.sid); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: sid %d", ErrSubscriptionNotFound, sub.sid)
	}
	if !c.connected.Load() {
		c.mu.Unlock()
		return nil
	}
	c.wbuf = codec.AppendUnsub(c.wbuf[:0], sub.sid, 0)
	_, err := c.tr.Write(c.wbuf)
	session := c.session
	c.mu.Unlock()

	if err != nil {
		return c.failWrite("unsubscribe", session, err)
	}
	c.log.Debug("unsubscribed", "sid", sub.sid)
	return nil
}

// Flush sends PING and waits for the server's PONG, which guarantees every
// earlier command has been processed. It must not be called from a handler.
func (c *Conn) Flush(ctx context.Context) error {
	ch := make(chan error, 1)

	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pongs = append(c.pongs, ch)
	_, err := c.tr.Write([]byte(codec.PingLine))
	session := c.session
	c.mu.Unlock()

	if err != nil {
		return c.failWrite("flush", session, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// MaxPayload is the server's max_payload from the latest INFO, zero before
// the first one arrives.
func (c *Conn) MaxPayload() int64 {
	return c.maxPayload.Load()
}

func (c *Conn) ServerInfo() ServerInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

func (c *Conn) NumSubscriptions() int {
	return c.subs.len()
}

func (c *Conn) URL() string {
	return c.url
}
