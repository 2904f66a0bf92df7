package broker

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketHandler upgrades HTTP requests and serves the protocol over
// binary websocket messages.
func (s *Server) WebsocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade", "remote", r.RemoteAddr, "err", err)
			return
		}
		s.serveConn(&wsConn{ws: ws}, r.RemoteAddr)
	})
}

// ListenWebsocket serves WebsocketHandler on addr in the background.
func (s *Server) ListenWebsocket(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	hs := &http.Server{
		Handler:           s.WebsocketHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil, ErrServerClosed
	}
	s.httpServers = append(s.httpServers, hs)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("listening", "addr", l.Addr().String(), "websocket", true)

	go func() {
		defer s.wg.Done()
		var err error
		if s.opts.TLSConfig != nil {
			hs.TLSConfig = s.opts.TLSConfig
			err = hs.ServeTLS(l, "", "")
		} else {
			err = hs.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket serve", "err", err)
		}
	}()
	return l.Addr(), nil
}

// wsConn turns a websocket into the byte stream the decoder expects.
type wsConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
