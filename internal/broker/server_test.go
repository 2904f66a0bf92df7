package broker

import (
	"bytes"
	"crypto/tls"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elmq0022/natsio/internal/codec"
)

type rawClient struct {
	conn net.Conn
	dec  *codec.Decoder
	info codec.ServerInfo
}

func dialRaw(t *testing.T, addr net.Addr) *rawClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	dec, err := codec.NewDecoder(conn)
	require.NoError(t, err)

	c := &rawClient{conn: conn, dec: dec}
	frame := c.next(t)
	info, ok := frame.(codec.Info)
	require.True(t, ok, "first frame is %T", frame)
	c.info, err = codec.ParseServerInfo(info.Payload)
	require.NoError(t, err)
	return c
}

func (c *rawClient) send(t *testing.T, s string) {
	t.Helper()
	_, err := c.conn.Write([]byte(s))
	require.NoError(t, err)
}

func (c *rawClient) next(t *testing.T) codec.Frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := c.dec.Next()
	require.NoError(t, err)
	return cloneFrame(frame)
}

// sync round-trips a PING so that every earlier command has been applied.
func (c *rawClient) sync(t *testing.T) {
	t.Helper()
	c.send(t, "PING\r\n")
	assert.Equal(t, codec.Pong{}, c.next(t))
}

func startServer(t *testing.T, opts Options) (*Server, net.Addr) {
	t.Helper()
	opts.RecordCommands = true
	s := New(opts)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, addr
}

func TestServerSendsInfo(t *testing.T) {
	_, addr := startServer(t, Options{ServerName: "test", MaxPayload: 512})
	c := dialRaw(t, addr)

	assert.Equal(t, "test", c.info.ServerName)
	assert.Equal(t, int64(512), c.info.MaxPayload)
	assert.Equal(t, Version, c.info.Version)
	assert.NotEmpty(t, c.info.ServerID)
	assert.False(t, c.info.AuthRequired)
}

func TestServerAnswersPing(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)
	c.sync(t)
}

func TestServerRoutesPublish(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{name: "literal", pattern: "foo.bar", subject: "foo.bar", match: true},
		{name: "star", pattern: "foo.*", subject: "foo.bar", match: true},
		{name: "gt", pattern: "foo.>", subject: "foo.bar.baz", match: true},
		{name: "no match", pattern: "foo.bar", subject: "foo.baz", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startServer(t, Options{})
			sub := dialRaw(t, addr)
			pub := dialRaw(t, addr)

			sub.send(t, "SUB "+tt.pattern+" 7\r\n")
			sub.sync(t)

			pub.send(t, "PUB "+tt.subject+" reply.to 5\r\nhello\r\n")
			pub.sync(t)

			sub.send(t, "PING\r\n")
			frame := sub.next(t)
			if !tt.match {
				assert.Equal(t, codec.Pong{}, frame)
				return
			}
			assert.Equal(t, codec.Msg{
				Subject: []byte(tt.subject),
				SID:     7,
				ReplyTo: []byte("reply.to"),
				Payload: []byte("hello"),
			}, frame)
			assert.Equal(t, codec.Pong{}, sub.next(t))
		})
	}
}

func TestServerRoutesBinaryPayload(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	payload := []byte{0x00, '\r', '\n', 0xff, 'M', 'S', 'G'}
	c.send(t, "SUB bin 1\r\n")
	c.send(t, string(codec.AppendPub(nil, "bin", "", payload)))

	frame := c.next(t)
	msg, ok := frame.(codec.Msg)
	require.True(t, ok, "got %T", frame)
	assert.True(t, bytes.Equal(payload, msg.Payload))
}

func TestServerQueueGroupDeliversOnce(t *testing.T) {
	s, addr := startServer(t, Options{})
	a := dialRaw(t, addr)
	b := dialRaw(t, addr)
	pub := dialRaw(t, addr)

	a.send(t, "SUB work workers 1\r\n")
	a.sync(t)
	b.send(t, "SUB work workers 1\r\n")
	b.sync(t)
	require.Equal(t, 2, s.NumSubscriptions())

	const n = 20
	for range n {
		pub.send(t, "PUB work 1\r\nx\r\n")
	}
	pub.sync(t)

	count := func(c *rawClient) int {
		c.send(t, "PING\r\n")
		got := 0
		for {
			frame := c.next(t)
			if _, ok := frame.(codec.Pong); ok {
				return got
			}
			got++
		}
	}
	assert.Equal(t, n, count(a)+count(b))
}

func TestServerUnsubscribe(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		s, addr := startServer(t, Options{})
		c := dialRaw(t, addr)

		c.send(t, "SUB foo 1\r\n")
		c.sync(t)
		require.Equal(t, 1, s.NumSubscriptions())

		c.send(t, "UNSUB 1\r\n")
		c.sync(t)
		assert.Zero(t, s.NumSubscriptions())
	})

	t.Run("after max messages", func(t *testing.T) {
		s, addr := startServer(t, Options{})
		c := dialRaw(t, addr)

		c.send(t, "SUB foo 1\r\nUNSUB 1 2\r\n")
		c.sync(t)
		require.Equal(t, 1, s.NumSubscriptions())

		c.send(t, "PUB foo 1\r\na\r\nPUB foo 1\r\nb\r\nPUB foo 1\r\nc\r\n")
		assert.Equal(t, []byte("a"), c.next(t).(codec.Msg).Payload)
		assert.Equal(t, []byte("b"), c.next(t).(codec.Msg).Payload)
		c.sync(t)
		assert.Zero(t, s.NumSubscriptions())
	})

	t.Run("unknown sid ignored", func(t *testing.T) {
		_, addr := startServer(t, Options{})
		c := dialRaw(t, addr)
		c.send(t, "UNSUB 99\r\n")
		c.sync(t)
	})
}

func TestServerVerboseAcks(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	connect, err := codec.AppendConnect(nil, codec.ConnectInfo{Verbose: true, Name: "v"})
	require.NoError(t, err)
	c.send(t, string(connect))
	assert.Equal(t, codec.OK{}, c.next(t))

	c.send(t, "SUB foo 1\r\n")
	assert.Equal(t, codec.OK{}, c.next(t))
}

func TestServerAuthorization(t *testing.T) {
	t.Run("token accepted", func(t *testing.T) {
		_, addr := startServer(t, Options{Token: "s3cret"})
		c := dialRaw(t, addr)
		assert.True(t, c.info.AuthRequired)

		connect, err := codec.AppendConnect(nil, codec.ConnectInfo{AuthToken: "s3cret"})
		require.NoError(t, err)
		c.send(t, string(connect))
		c.sync(t)
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		_, addr := startServer(t, Options{User: "u", Password: "p"})
		c := dialRaw(t, addr)

		connect, err := codec.AppendConnect(nil, codec.ConnectInfo{User: "u", Pass: "nope"})
		require.NoError(t, err)
		c.send(t, string(connect))

		frame := c.next(t)
		require.IsType(t, codec.Err{}, frame)
		assert.Contains(t, string(frame.(codec.Err).Message), "authorization violation")
	})

	t.Run("command before connect rejected", func(t *testing.T) {
		_, addr := startServer(t, Options{Token: "s3cret"})
		c := dialRaw(t, addr)
		c.send(t, "SUB foo 1\r\n")

		frame := c.next(t)
		require.IsType(t, codec.Err{}, frame)
		assert.Contains(t, string(frame.(codec.Err).Message), "connect expected")
	})
}

func TestServerRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "unknown operator", input: "HELLO\r\n", wantErr: "unknown protocol operation"},
		{name: "server operator", input: "MSG foo 1 1\r\nx\r\n", wantErr: "unexpected operator"},
		{name: "oversized payload", input: "PUB foo 20\r\n01234567890123456789\r\n", wantErr: "maximum payload violation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startServer(t, Options{MaxPayload: 10})
			c := dialRaw(t, addr)
			c.send(t, tt.input)

			frame := c.next(t)
			require.IsType(t, codec.Err{}, frame)
			assert.Contains(t, string(frame.(codec.Err).Message), tt.wantErr)
		})
	}
}

func TestServerInvalidSubscriptionKeepsClient(t *testing.T) {
	_, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send(t, "SUB foo.>.bar 1\r\n")
	frame := c.next(t)
	require.IsType(t, codec.Err{}, frame)
	assert.Contains(t, string(frame.(codec.Err).Message), "invalid subject")

	c.sync(t)
}

func TestServerRecordsCommands(t *testing.T) {
	s, addr := startServer(t, Options{})
	c := dialRaw(t, addr)

	c.send(t, "SUB foo q 3\r\nPUB foo 2\r\nhi\r\nUNSUB 3\r\n")
	c.next(t)
	c.sync(t)

	assert.Equal(t, 1, s.CountOp(codec.OpSub))
	assert.Equal(t, 1, s.CountOp(codec.OpPub))
	assert.Equal(t, 1, s.CountOp(codec.OpUnsub))

	cmds := s.Commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.Equal(t, codec.Sub{Subject: []byte("foo"), Queue: []byte("q"), SID: 3}, cmds[0].Frame)
	assert.Equal(t, codec.Pub{Subject: []byte("foo"), Payload: []byte("hi")}, cmds[1].Frame)
	assert.Equal(t, codec.Unsub{SID: 3}, cmds[2].Frame)
}

func TestServerBroadcastAndDrop(t *testing.T) {
	s, addr := startServer(t, Options{})
	c := dialRaw(t, addr)
	require.Eventually(t, func() bool { return s.NumClients() == 1 }, time.Second, 10*time.Millisecond)

	s.Broadcast([]byte("-ERR 'heads up'\r\n"))
	assert.Equal(t, codec.Err{Message: []byte("'heads up'")}, c.next(t))

	s.DropClients()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.dec.Next()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.NumClients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerClose(t *testing.T) {
	s := New(Options{})
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	dialRaw(t, addr)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServerTLS(t *testing.T) {
	serverTLS, roots, err := SelfSignedTLS("127.0.0.1")
	require.NoError(t, err)
	_, addr := startServer(t, Options{TLSConfig: serverTLS})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer conn.Close()

	dec, err := codec.NewDecoder(conn)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := dec.Next()
	require.NoError(t, err)
	require.IsType(t, codec.Info{}, frame)

	info, err := codec.ParseServerInfo(frame.(codec.Info).Payload)
	require.NoError(t, err)
	assert.True(t, info.TLSRequired)
}

func TestServerWebsocket(t *testing.T) {
	s := New(Options{RecordCommands: true})
	t.Cleanup(func() { s.Close() })
	hs := httptest.NewServer(s.WebsocketHandler())
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, first, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, _, err := codec.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, codec.OpInfo, frame.Op())

	// A command split across two messages still decodes.
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("SUB foo 1\r\nPU")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("B foo 2\r\nhi\r\n")))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, _, err = codec.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, codec.Msg{Subject: []byte("foo"), SID: 1, Payload: []byte("hi")}, cloneFrame(frame))
}
