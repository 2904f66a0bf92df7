package codec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZeroArgFrames(t *testing.T) {
	tests := []struct {
		input string
		want  Frame
	}{
		{input: "PING\r\n", want: Ping{}},
		{input: "PONG\r\n", want: Pong{}},
		{input: "+OK\r\n", want: OK{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			frame, n, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame)
			assert.Equal(t, len(tt.input), n)
		})
	}
}

func TestParseConsumesOnlyFirstFrame(t *testing.T) {
	frame, n, err := Parse([]byte("PING\r\nPONG\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Ping{}, frame)
	assert.Equal(t, len("PING\r\n"), n)
}

func TestParseErr(t *testing.T) {
	input := "-ERR some big error\r\n"
	frame, n, err := Parse([]byte(input))
	require.NoError(t, err)
	require.IsType(t, Err{}, frame)
	assert.Equal(t, "some big error", string(frame.(Err).Message))
	assert.Equal(t, len(input), n)
}

func TestParseInfo(t *testing.T) {
	input := "INFO {\"max_payload\":1048576}\r\n"
	frame, n, err := Parse([]byte(input))
	require.NoError(t, err)
	require.IsType(t, Info{}, frame)
	payload := frame.(Info).Payload
	assert.Equal(t, `{"max_payload":1048576}`, string(payload))
	assert.Equal(t, len(input), n)

	info, err := ParseServerInfo(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), info.MaxPayload)
}

func TestParseInfoTrimsSurroundingBlanks(t *testing.T) {
	frame, _, err := Parse([]byte("INFO   {\"a\":1}  \r\n"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(frame.(Info).Payload))
}

func TestParseMsg(t *testing.T) {
	payload := "ssssssssssssssssssss1"
	require.Len(t, payload, 21)

	t.Run("without reply", func(t *testing.T) {
		header := "MSG sub1.1 6789654 21\r\n"
		input := header + payload + "\r\n"

		frame, n, err := Parse([]byte(input))
		require.NoError(t, err)
		msg, ok := frame.(Msg)
		require.True(t, ok)
		assert.Equal(t, "sub1.1", string(msg.Subject))
		assert.Equal(t, uint64(6789654), msg.SID)
		assert.Nil(t, msg.ReplyTo)
		assert.Equal(t, payload, string(msg.Payload))
		assert.Equal(t, len(input), n)
	})

	t.Run("with reply", func(t *testing.T) {
		input := "MSG sub1.1 6789654 reply.to 21\r\n" + payload + "\r\n"

		frame, n, err := Parse([]byte(input))
		require.NoError(t, err)
		msg := frame.(Msg)
		assert.Equal(t, "reply.to", string(msg.ReplyTo))
		assert.Equal(t, payload, string(msg.Payload))
		assert.Equal(t, len(input), n)
	})

	t.Run("zero length payload", func(t *testing.T) {
		frame, n, err := Parse([]byte("MSG a 1 0\r\n\r\n"))
		require.NoError(t, err)
		assert.Empty(t, frame.(Msg).Payload)
		assert.Equal(t, len("MSG a 1 0\r\n\r\n"), n)
	})

	t.Run("binary payload", func(t *testing.T) {
		body := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
		input := append([]byte("MSG bin 3 10\r\n"), body...)
		input = append(input, "\r\n"...)

		frame, _, err := Parse(input)
		require.NoError(t, err)
		assert.Equal(t, body, frame.(Msg).Payload)
	})
}

func TestParseMsgIncompletePayload(t *testing.T) {
	header := "MSG sub1.1 6789654 21\r\n"
	payload := "ssssssssssssssssssss1\r\n"

	for cut := 0; cut < len(payload); cut++ {
		frame, n, err := Parse([]byte(header + payload[:cut]))
		require.ErrorIs(t, err, ErrIncomplete, "cut %d", cut)
		assert.Nil(t, frame)
		assert.Zero(t, n)
	}

	frame, n, err := Parse([]byte(header + payload))
	require.NoError(t, err)
	assert.Equal(t, "ssssssssssssssssssss1", string(frame.(Msg).Payload))
	assert.Equal(t, len(header)+len(payload), n)
}

func TestParseIncompleteHeader(t *testing.T) {
	for _, input := range []string{"", "P", "PING", "PING\r", "MSG foo 1 3", "-ERR oops"} {
		_, n, err := Parse([]byte(input))
		assert.ErrorIs(t, err, ErrIncomplete, "input %q", input)
		assert.Zero(t, n)
	}
}

func TestParseClientCommands(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Frame
	}{
		{name: "connect", input: "CONNECT {}\r\n", want: Connect{Payload: []byte("{}")}},
		{name: "sub", input: "SUB foo.bar 42\r\n", want: Sub{Subject: []byte("foo.bar"), SID: 42}},
		{name: "sub queue", input: "SUB foo.* workers 7\r\n", want: Sub{Subject: []byte("foo.*"), Queue: []byte("workers"), SID: 7}},
		{name: "unsub", input: "UNSUB 9001\r\n", want: Unsub{SID: 9001}},
		{name: "unsub max", input: "UNSUB 9 5\r\n", want: Unsub{SID: 9, Max: 5}},
		{name: "pub", input: "PUB foo.bar 5\r\nhello\r\n", want: Pub{Subject: []byte("foo.bar"), Payload: []byte("hello")}},
		{name: "pub reply", input: "PUB foo r 2\r\nhi\r\n", want: Pub{Subject: []byte("foo"), ReplyTo: []byte("r"), Payload: []byte("hi")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.input), n)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "unknown operator", input: "BROKEN\r\n", wantErr: ErrUnknownOperator},
		{name: "lower case operator", input: "ping\r\n", wantErr: ErrUnknownOperator},
		{name: "empty line", input: "\r\n", wantErr: ErrUnknownOperator},
		{name: "msg too few fields", input: "MSG foo 1\r\n", wantErr: ErrUnexpectedFormat},
		{name: "msg too many fields", input: "MSG foo 1 r x 3\r\n", wantErr: ErrUnexpectedFormat},
		{name: "msg bad size", input: "MSG foo 1 abc\r\n", wantErr: ErrIntParse},
		{name: "msg negative size", input: "MSG foo 1 -3\r\n", wantErr: ErrIntParse},
		{name: "msg bad sid", input: "MSG foo x 3\r\nabc\r\n", wantErr: ErrIntParse},
		{name: "msg size overflow", input: "MSG foo 1 99999999999999999999999\r\n", wantErr: ErrIntParse},
		{name: "msg missing trailing crlf", input: "MSG foo 1 3\r\nheyX\r\n", wantErr: ErrUnexpectedFormat},
		{name: "ping with args", input: "PING now\r\n", wantErr: ErrUnexpectedFormat},
		{name: "sub missing sid", input: "SUB foo\r\n", wantErr: ErrUnexpectedFormat},
		{name: "unsub missing sid", input: "UNSUB\r\n", wantErr: ErrUnexpectedFormat},
		{name: "pub bad size", input: "PUB foo a\r\n", wantErr: ErrIntParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, n, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, ErrIncomplete)
			assert.Nil(t, frame)
			assert.Zero(t, n)

			var perr *ParseError
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestParseControlLineTooLong(t *testing.T) {
	long := make([]byte, MaxControlLine+1)
	for i := range long {
		long[i] = 'A'
	}
	_, _, err := Parse(long)
	assert.ErrorIs(t, err, ErrControlLineTooLong)
}

func TestParseDigits(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    uint64
		errText string
	}{
		{name: "single digit", input: []byte("7"), want: 7},
		{name: "multi digit", input: []byte("12345"), want: 12345},
		{name: "max int64", input: []byte("9223372036854775807"), want: 9223372036854775807},
		{name: "empty", input: nil, errText: "empty digits"},
		{name: "invalid", input: []byte("12a"), errText: "invalid digit"},
		{name: "overflow", input: []byte("9223372036854775808"), errText: "overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDigits(tt.input)
			if tt.errText != "" {
				require.ErrorIs(t, err, ErrIntParse)
				assert.Contains(t, err.Error(), tt.errText)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPubRoundTripThroughMsg(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	wire := AppendPub(nil, "foo.bar", "_INBOX.1", payload)
	frame, n, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	pub := frame.(Pub)

	wire = AppendMsg(nil, string(pub.Subject), 12, string(pub.ReplyTo), pub.Payload)
	frame, n, err = Parse(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	msg := frame.(Msg)

	assert.Equal(t, "foo.bar", string(msg.Subject))
	assert.Equal(t, "_INBOX.1", string(msg.ReplyTo))
	assert.Equal(t, uint64(12), msg.SID)
	assert.Equal(t, payload, msg.Payload)
}

func FuzzParseDoesNotPanic(f *testing.F) {
	f.Add("PING\r\n")
	f.Add("MSG foo 1 3\r\nhey\r\n")
	f.Add("MSG foo 1 reply 3\r\nhey\r\n")
	f.Add("INFO {}\r\n")
	f.Add("-ERR 'x'\r\n")
	f.Add("PUB foo 3\r\nhey\r\n")

	f.Fuzz(func(t *testing.T, input string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Parse panicked for input %q: %v", input, r)
			}
		}()

		_, n, err := Parse([]byte(input))
		if err == nil && (n <= 0 || n > len(input)) {
			t.Fatalf("consumed %d of %d bytes", n, len(input))
		}
	})
}

func BenchmarkParse(b *testing.B) {
	benchmarks := []struct {
		name  string
		input string
	}{
		{name: "ping", input: "PING\r\n"},
		{name: "info", input: "INFO {\"server_id\":\"x\",\"max_payload\":1048576}\r\n"},
		{name: "msg_small", input: fmt.Sprintf("MSG foo.bar 9 %d\r\n%s\r\n", 5, "hello")},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			buf := []byte(bm.input)
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, _, err := Parse(buf); err != nil {
					b.Fatalf("Parse() error: %v", err)
				}
			}
		})
	}
}
