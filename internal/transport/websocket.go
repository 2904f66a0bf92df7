package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket carries the protocol inside binary websocket messages. The
// upgrade happens in Connect, so Handshake has nothing left to do.
type Websocket struct {
	dialer websocket.Dialer
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn

	// reader is the message currently being drained. Only the read side
	// touches it.
	reader io.Reader
}

func NewWebsocket(tlsConfig *tls.Config, header http.Header) *Websocket {
	return &Websocket{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		header: header,
	}
}

func (w *Websocket) Connect(ctx context.Context, addr string) error {
	conn, resp, err := w.dialer.DialContext(ctx, addr, w.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.conn
	w.conn = conn
	w.reader = nil
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (w *Websocket) Handshake(context.Context) error {
	return nil
}

func (w *Websocket) Read(p []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, ErrNotConnected
	}

	for {
		if w.reader == nil {
			_, r, err := conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *Websocket) Write(p []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Websocket) Shutdown() error {
	conn := w.current()
	if conn == nil {
		return ErrNotConnected
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *Websocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (w *Websocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}
