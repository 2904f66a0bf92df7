package codec

type Op uint8

const (
	OpUnknown Op = iota
	OpInfo
	OpConnect
	OpPub
	OpSub
	OpUnsub
	OpMsg
	OpPing
	OpPong
	OpOK
	OpErr
)

func (o Op) String() string {
	switch o {
	case OpInfo:
		return "INFO"
	case OpConnect:
		return "CONNECT"
	case OpPub:
		return "PUB"
	case OpSub:
		return "SUB"
	case OpUnsub:
		return "UNSUB"
	case OpMsg:
		return "MSG"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpOK:
		return "+OK"
	case OpErr:
		return "-ERR"
	default:
		return "UNKNOWN"
	}
}

// Frame is one decoded protocol unit. Byte slices held by a frame alias the
// buffer it was parsed from.
type Frame interface {
	Op() Op
}

// INFO <json>
type Info struct {
	Payload []byte
}

func (Info) Op() Op { return OpInfo }

// CONNECT <json>
type Connect struct {
	Payload []byte
}

func (Connect) Op() Op { return OpConnect }

type Ping struct{}

func (Ping) Op() Op { return OpPing }

type Pong struct{}

func (Pong) Op() Op { return OpPong }

type OK struct{}

func (OK) Op() Op { return OpOK }

// -ERR <message>
type Err struct {
	Message []byte
}

func (Err) Op() Op { return OpErr }

// MSG <subject> <sid> [reply-to] <#bytes>\r\n[payload]\r\n
//
// ReplyTo is nil when the header carries three fields.
type Msg struct {
	Subject []byte
	SID     uint64
	ReplyTo []byte
	Payload []byte
}

func (Msg) Op() Op { return OpMsg }

// PUB <subject> [reply-to] <#bytes>\r\n[payload]\r\n
type Pub struct {
	Subject []byte
	ReplyTo []byte
	Payload []byte
}

func (Pub) Op() Op { return OpPub }

// SUB <subject> [queue] <sid>
type Sub struct {
	Subject []byte
	Queue   []byte
	SID     uint64
}

func (Sub) Op() Op { return OpSub }

// UNSUB <sid> [max-msgs]
//
// Max is zero when no limit was given.
type Unsub struct {
	SID uint64
	Max uint64
}

func (Unsub) Op() Op { return OpUnsub }
