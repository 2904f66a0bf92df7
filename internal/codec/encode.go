package codec

import "strconv"

const (
	PingLine = "PING\r\n"
	PongLine = "PONG\r\n"
	OKLine   = "+OK\r\n"
)

// AppendPub appends PUB <subject> [reply] <#bytes>\r\n<payload>\r\n.
func AppendPub(dst []byte, subject, reply string, payload []byte) []byte {
	dst = append(dst, "PUB "...)
	dst = append(dst, subject...)
	dst = appendOptional(dst, reply)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	return append(dst, crlf...)
}

// AppendSub appends SUB <subject> [queue] <sid>\r\n.
func AppendSub(dst []byte, subject, queue string, sid uint64) []byte {
	dst = append(dst, "SUB "...)
	dst = append(dst, subject...)
	dst = appendOptional(dst, queue)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, sid, 10)
	return append(dst, crlf...)
}

// AppendUnsub appends UNSUB <sid> [max]\r\n. A zero limit is left off.
func AppendUnsub(dst []byte, sid, limit uint64) []byte {
	dst = append(dst, "UNSUB "...)
	dst = strconv.AppendUint(dst, sid, 10)
	if limit > 0 {
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, limit, 10)
	}
	return append(dst, crlf...)
}

// AppendMsg appends MSG <subject> <sid> [reply] <#bytes>\r\n<payload>\r\n.
func AppendMsg(dst []byte, subject string, sid uint64, reply string, payload []byte) []byte {
	dst = append(dst, "MSG "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, sid, 10)
	dst = appendOptional(dst, reply)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	return append(dst, crlf...)
}

// AppendErr appends -ERR '<message>'\r\n the way servers quote it.
func AppendErr(dst []byte, message string) []byte {
	dst = append(dst, "-ERR '"...)
	dst = append(dst, message...)
	dst = append(dst, '\'')
	return append(dst, crlf...)
}

func appendOptional(dst []byte, tok string) []byte {
	if tok == "" {
		return dst
	}
	dst = append(dst, ' ')
	return append(dst, tok...)
}
