// Package broker is a small single-node server for the protocol. It backs
// the serve command and the client's integration tests.
package broker

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/elmq0022/natsio/internal/codec"
	"github.com/elmq0022/natsio/internal/trie"
)

const (
	Version           = "0.1.0"
	DefaultMaxPayload = 1 << 20
)

var ErrServerClosed = errors.New("broker closed")

type Options struct {
	ServerName string
	MaxPayload int64

	// TLSConfig wraps every stream listener passed to Serve.
	TLSConfig *tls.Config

	// When any credential is set, CONNECT must carry matching values.
	User     string
	Password string
	Token    string

	// RecordCommands keeps every decoded client frame for Commands.
	RecordCommands bool

	Logger *slog.Logger
}

// Command is one decoded client frame. Byte slices are owned copies.
type Command struct {
	Client uint64
	Frame  codec.Frame
}

type Server struct {
	opts Options
	id   string
	log  *slog.Logger

	mu          sync.Mutex
	closed      bool
	nextClient  uint64
	nextSub     uint64
	clients     map[uint64]*client
	subs        map[uint64]*subscription
	routes      *trie.Node
	listeners   []net.Listener
	httpServers []*http.Server
	commands    []Command

	wg sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.ServerName == "" {
		opts.ServerName = "natsio-broker"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	var raw [8]byte
	_, _ = rand.Read(raw[:])

	return &Server{
		opts:    opts,
		id:      hex.EncodeToString(raw[:]),
		log:     opts.Logger.With("component", "broker"),
		clients: make(map[uint64]*client),
		subs:    make(map[uint64]*subscription),
		routes:  trie.NewNode(),
	}
}

// Listen opens a TCP listener on addr and serves it in the background.
func (s *Server) Listen(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil, ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.Serve(l); err != nil {
			s.log.Error("serve", "addr", l.Addr().String(), "err", err)
		}
	}()
	return l.Addr(), nil
}

// Serve accepts connections on l until the listener or the server is
// closed. It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	if s.opts.TLSConfig != nil {
		l = tls.NewListener(l, s.opts.TLSConfig)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Info("listening", "addr", l.Addr().String(), "tls", s.opts.TLSConfig != nil)

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept", "err", err)
			continue
		}
		s.serveConn(conn, conn.RemoteAddr().String())
	}
}

func (s *Server) serveConn(conn io.ReadWriteCloser, remote string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.nextClient++
	c := &client{
		id:     s.nextClient,
		srv:    s,
		conn:   conn,
		remote: remote,
		subs:   make(map[uint64]*subscription),
	}
	s.clients[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("client connected", "client", c.id, "remote", remote)

	go func() {
		defer s.wg.Done()
		defer s.removeClient(c)
		c.run()
	}()
}

// Close stops every listener, disconnects all clients and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	httpServers := s.httpServers
	clients := s.clientList()
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, hs := range httpServers {
		hs.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) info(c *client) codec.ServerInfo {
	return codec.ServerInfo{
		ServerID:     s.id,
		ServerName:   s.opts.ServerName,
		Version:      Version,
		Proto:        1,
		MaxPayload:   s.opts.MaxPayload,
		ClientID:     c.id,
		AuthRequired: s.authRequired(),
		TLSRequired:  s.opts.TLSConfig != nil,
	}
}

func (s *Server) authRequired() bool {
	return s.opts.User != "" || s.opts.Password != "" || s.opts.Token != ""
}

func (s *Server) authorize(info codec.ConnectInfo) bool {
	if !s.authRequired() {
		return true
	}
	if s.opts.Token != "" {
		return info.AuthToken == s.opts.Token
	}
	return info.User == s.opts.User && info.Pass == s.opts.Password
}

func (s *Server) record(id uint64, frame codec.Frame) {
	if !s.opts.RecordCommands {
		return
	}
	s.mu.Lock()
	s.commands = append(s.commands, Command{Client: id, Frame: cloneFrame(frame)})
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	for _, sub := range c.subs {
		s.removeSubLocked(sub)
	}
	name := c.name
	s.mu.Unlock()

	c.conn.Close()
	s.log.Debug("client disconnected", "client", c.id, "name", name, "remote", c.remote)
}

func (s *Server) clientList() []*client {
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Commands returns the recorded client frames in arrival order.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// CountOp reports how many recorded frames carry op.
func (s *Server) CountOp(op codec.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cmd := range s.commands {
		if cmd.Frame.Op() == op {
			n++
		}
	}
	return n
}

// Broadcast writes raw bytes to every connected client as is.
func (s *Server) Broadcast(raw []byte) {
	s.mu.Lock()
	clients := s.clientList()
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(raw); err != nil {
			s.log.Debug("broadcast", "client", c.id, "err", err)
		}
	}
}

// DropClients closes every client connection without closing the server.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := s.clientList()
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) NumSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func cloneFrame(f codec.Frame) codec.Frame {
	switch f := f.(type) {
	case codec.Connect:
		return codec.Connect{Payload: bytes.Clone(f.Payload)}
	case codec.Pub:
		return codec.Pub{
			Subject: bytes.Clone(f.Subject),
			ReplyTo: bytes.Clone(f.ReplyTo),
			Payload: bytes.Clone(f.Payload),
		}
	case codec.Sub:
		return codec.Sub{Subject: bytes.Clone(f.Subject), Queue: bytes.Clone(f.Queue), SID: f.SID}
	case codec.Info:
		return codec.Info{Payload: bytes.Clone(f.Payload)}
	case codec.Err:
		return codec.Err{Message: bytes.Clone(f.Message)}
	case codec.Msg:
		return codec.Msg{
			Subject: bytes.Clone(f.Subject),
			SID:     f.SID,
			ReplyTo: bytes.Clone(f.ReplyTo),
			Payload: bytes.Clone(f.Payload),
		}
	default:
		return f
	}
}
