package transport

import (
	"context"
	"net"
	"sync"
)

// TCP is the plaintext transport.
type TCP struct {
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

func NewTCP() *TCP {
	return &TCP{}
}

func (t *TCP) Connect(ctx context.Context, addr string) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	t.swap(conn)
	return nil
}

func (t *TCP) Handshake(context.Context) error {
	return nil
}

func (t *TCP) Read(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Read(p)
}

func (t *TCP) Write(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}

func (t *TCP) Shutdown() error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (t *TCP) Close() error {
	return t.swap(nil)
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// swap installs conn and closes whatever was there before.
func (t *TCP) swap(conn net.Conn) error {
	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}
