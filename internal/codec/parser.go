package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

// MaxControlLine bounds how many bytes may be buffered while waiting for the
// terminator of a header line.
const MaxControlLine = 4096

var crlf = []byte("\r\n")

var (
	// ErrIncomplete means buf does not yet hold a whole frame. Nothing was
	// consumed; retry with more bytes from the start of the same header.
	ErrIncomplete = errors.New("incomplete frame")

	ErrUnknownOperator    = errors.New("unknown message")
	ErrUnexpectedFormat   = errors.New("unexpected message format")
	ErrIntParse           = errors.New("int parse error")
	ErrControlLineTooLong = errors.New("control line too long")

	// ErrUnexpectedOperator is reported by a peer that receives a well-formed
	// frame meant for the other side, such as MSG arriving at a server.
	ErrUnexpectedOperator = errors.New("unexpected operator")
)

// ParseError is a permanent framing failure. The buffer it came from cannot
// be resynchronised and the session should be treated as broken.
type ParseError struct {
	Op   Op
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Op == OpUnknown {
		return fmt.Sprintf("parse %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s %q: %v", e.Op, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(op Op, line []byte, err error) error {
	if len(line) > 64 {
		line = line[:64]
	}
	return &ParseError{Op: op, Line: string(line), Err: err}
}

// Parse decodes the frame at the front of buf and reports how many bytes it
// occupies. buf is never modified. On ErrIncomplete the consumed count is 0
// and no frame is returned; every other error is a *ParseError.
func Parse(buf []byte) (Frame, int, error) {
	i := bytes.Index(buf, crlf)
	if i < 0 {
		if len(buf) > MaxControlLine {
			return nil, 0, parseErr(OpUnknown, buf, ErrControlLineTooLong)
		}
		return nil, 0, ErrIncomplete
	}

	line := buf[:i]
	hdr := i + len(crlf)

	opEnd := bytes.IndexAny(line, " \t\r\n")
	if opEnd < 0 {
		opEnd = len(line)
	}
	op, ok := lookupOp(line[:opEnd])
	if !ok {
		return nil, 0, parseErr(OpUnknown, line, ErrUnknownOperator)
	}
	args := bytes.Trim(line[opEnd:], " \t")

	switch op {
	case OpPing, OpPong, OpOK:
		if len(args) != 0 {
			return nil, 0, parseErr(op, line, ErrUnexpectedFormat)
		}
		switch op {
		case OpPing:
			return Ping{}, hdr, nil
		case OpPong:
			return Pong{}, hdr, nil
		default:
			return OK{}, hdr, nil
		}
	case OpInfo:
		return Info{Payload: args}, hdr, nil
	case OpConnect:
		return Connect{Payload: args}, hdr, nil
	case OpErr:
		return Err{Message: args}, hdr, nil
	case OpMsg:
		return parseMsg(buf, line, args, hdr)
	case OpPub:
		return parsePub(buf, line, args, hdr)
	case OpSub:
		return parseSub(line, args, hdr)
	case OpUnsub:
		return parseUnsub(line, args, hdr)
	}

	return nil, 0, parseErr(op, line, ErrUnknownOperator)
}

func parseMsg(buf, line, args []byte, hdr int) (Frame, int, error) {
	var subject, sidTok, reply, sizeTok []byte

	fields := bytes.Fields(args)
	switch len(fields) {
	case 3:
		subject, sidTok, sizeTok = fields[0], fields[1], fields[2]
	case 4:
		subject, sidTok, reply, sizeTok = fields[0], fields[1], fields[2], fields[3]
	default:
		return nil, 0, parseErr(OpMsg, line, ErrUnexpectedFormat)
	}

	sid, err := parseDigits(sidTok)
	if err != nil {
		return nil, 0, parseErr(OpMsg, line, err)
	}
	size, err := parseDigits(sizeTok)
	if err != nil {
		return nil, 0, parseErr(OpMsg, line, err)
	}

	payload, n, err := takePayload(buf, hdr, size)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, 0, err
		}
		return nil, 0, parseErr(OpMsg, line, err)
	}

	return Msg{Subject: subject, SID: sid, ReplyTo: reply, Payload: payload}, n, nil
}

func parsePub(buf, line, args []byte, hdr int) (Frame, int, error) {
	var subject, reply, sizeTok []byte

	fields := bytes.Fields(args)
	switch len(fields) {
	case 2:
		subject, sizeTok = fields[0], fields[1]
	case 3:
		subject, reply, sizeTok = fields[0], fields[1], fields[2]
	default:
		return nil, 0, parseErr(OpPub, line, ErrUnexpectedFormat)
	}

	size, err := parseDigits(sizeTok)
	if err != nil {
		return nil, 0, parseErr(OpPub, line, err)
	}

	payload, n, err := takePayload(buf, hdr, size)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, 0, err
		}
		return nil, 0, parseErr(OpPub, line, err)
	}

	return Pub{Subject: subject, ReplyTo: reply, Payload: payload}, n, nil
}

func parseSub(line, args []byte, hdr int) (Frame, int, error) {
	var subject, queue, sidTok []byte

	fields := bytes.Fields(args)
	switch len(fields) {
	case 2:
		subject, sidTok = fields[0], fields[1]
	case 3:
		subject, queue, sidTok = fields[0], fields[1], fields[2]
	default:
		return nil, 0, parseErr(OpSub, line, ErrUnexpectedFormat)
	}

	sid, err := parseDigits(sidTok)
	if err != nil {
		return nil, 0, parseErr(OpSub, line, err)
	}

	return Sub{Subject: subject, Queue: queue, SID: sid}, hdr, nil
}

func parseUnsub(line, args []byte, hdr int) (Frame, int, error) {
	fields := bytes.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		return nil, 0, parseErr(OpUnsub, line, ErrUnexpectedFormat)
	}

	sid, err := parseDigits(fields[0])
	if err != nil {
		return nil, 0, parseErr(OpUnsub, line, err)
	}

	var limit uint64
	if len(fields) == 2 {
		limit, err = parseDigits(fields[1])
		if err != nil {
			return nil, 0, parseErr(OpUnsub, line, err)
		}
	}

	return Unsub{SID: sid, Max: limit}, hdr, nil
}

// takePayload slices size bytes after the header and checks the trailing
// terminator.
func takePayload(buf []byte, hdr int, size uint64) ([]byte, int, error) {
	avail := uint64(len(buf) - hdr)
	if avail < uint64(len(crlf)) || avail-uint64(len(crlf)) < size {
		return nil, 0, ErrIncomplete
	}

	end := hdr + int(size)
	if !bytes.Equal(buf[end:end+len(crlf)], crlf) {
		return nil, 0, ErrUnexpectedFormat
	}

	return buf[hdr:end:end], end + len(crlf), nil
}

// parseDigits accepts a non-empty run of ASCII digits that fits in an int.
func parseDigits(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty digits", ErrIntParse)
	}

	value := uint64(0)
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: invalid digit %q", ErrIntParse, c)
		}
		d := uint64(c - '0')
		if value > (math.MaxInt-d)/10 {
			return 0, fmt.Errorf("%w: overflow", ErrIntParse)
		}
		value = value*10 + d
	}
	return value, nil
}
