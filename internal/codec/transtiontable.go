package codec

type STATE uint8

const (
	ST_ERROR STATE = iota
	ST_START

	// INFO
	ST_CMD_I
	ST_CMD_IN
	ST_CMD_INF
	ST_CMD_INFO

	// CONNECT
	ST_CMD_C
	ST_CMD_CO
	ST_CMD_CON
	ST_CMD_CONN
	ST_CMD_CONNE
	ST_CMD_CONNEC
	ST_CMD_CONNECT

	// PUB, PING, PONG
	ST_CMD_P
	ST_CMD_PU
	ST_CMD_PUB
	ST_CMD_PI
	ST_CMD_PIN
	ST_CMD_PING
	ST_CMD_PO
	ST_CMD_PON
	ST_CMD_PONG

	// SUB
	ST_CMD_S
	ST_CMD_SU
	ST_CMD_SUB

	// UNSUB
	ST_CMD_U
	ST_CMD_UN
	ST_CMD_UNS
	ST_CMD_UNSU
	ST_CMD_UNSUB

	// MSG
	ST_CMD_M
	ST_CMD_MS
	ST_CMD_MSG

	// +OK
	ST_CMD_PLUS
	ST_CMD_PLUS_O
	ST_CMD_PLUS_OK

	// -ERR
	ST_CMD_MINUS
	ST_CMD_MINUS_E
	ST_CMD_MINUS_ER
	ST_CMD_MINUS_ERR
)

const nStates = int(ST_CMD_MINUS_ERR) + 1

// transitionTable walks an operator token one byte at a time. Matching is
// case-sensitive; any byte without an edge drops into ST_ERROR.
var transitionTable = buildTransitionTable()

// acceptingOps maps the final state of a fully walked token to its operator.
var acceptingOps = [nStates]Op{
	ST_CMD_INFO:      OpInfo,
	ST_CMD_CONNECT:   OpConnect,
	ST_CMD_PUB:       OpPub,
	ST_CMD_PING:      OpPing,
	ST_CMD_PONG:      OpPong,
	ST_CMD_SUB:       OpSub,
	ST_CMD_UNSUB:     OpUnsub,
	ST_CMD_MSG:       OpMsg,
	ST_CMD_PLUS_OK:   OpOK,
	ST_CMD_MINUS_ERR: OpErr,
}

func buildTransitionTable() [nStates][256]STATE {
	var t [nStates][256]STATE

	t[ST_START]['I'] = ST_CMD_I
	t[ST_CMD_I]['N'] = ST_CMD_IN
	t[ST_CMD_IN]['F'] = ST_CMD_INF
	t[ST_CMD_INF]['O'] = ST_CMD_INFO

	t[ST_START]['C'] = ST_CMD_C
	t[ST_CMD_C]['O'] = ST_CMD_CO
	t[ST_CMD_CO]['N'] = ST_CMD_CON
	t[ST_CMD_CON]['N'] = ST_CMD_CONN
	t[ST_CMD_CONN]['E'] = ST_CMD_CONNE
	t[ST_CMD_CONNE]['C'] = ST_CMD_CONNEC
	t[ST_CMD_CONNEC]['T'] = ST_CMD_CONNECT

	t[ST_START]['P'] = ST_CMD_P
	t[ST_CMD_P]['U'] = ST_CMD_PU
	t[ST_CMD_PU]['B'] = ST_CMD_PUB

	t[ST_CMD_P]['I'] = ST_CMD_PI
	t[ST_CMD_PI]['N'] = ST_CMD_PIN
	t[ST_CMD_PIN]['G'] = ST_CMD_PING

	t[ST_CMD_P]['O'] = ST_CMD_PO
	t[ST_CMD_PO]['N'] = ST_CMD_PON
	t[ST_CMD_PON]['G'] = ST_CMD_PONG

	t[ST_START]['S'] = ST_CMD_S
	t[ST_CMD_S]['U'] = ST_CMD_SU
	t[ST_CMD_SU]['B'] = ST_CMD_SUB

	t[ST_START]['U'] = ST_CMD_U
	t[ST_CMD_U]['N'] = ST_CMD_UN
	t[ST_CMD_UN]['S'] = ST_CMD_UNS
	t[ST_CMD_UNS]['U'] = ST_CMD_UNSU
	t[ST_CMD_UNSU]['B'] = ST_CMD_UNSUB

	t[ST_START]['M'] = ST_CMD_M
	t[ST_CMD_M]['S'] = ST_CMD_MS
	t[ST_CMD_MS]['G'] = ST_CMD_MSG

	t[ST_START]['+'] = ST_CMD_PLUS
	t[ST_CMD_PLUS]['O'] = ST_CMD_PLUS_O
	t[ST_CMD_PLUS_O]['K'] = ST_CMD_PLUS_OK

	t[ST_START]['-'] = ST_CMD_MINUS
	t[ST_CMD_MINUS]['E'] = ST_CMD_MINUS_E
	t[ST_CMD_MINUS_E]['R'] = ST_CMD_MINUS_ER
	t[ST_CMD_MINUS_ER]['R'] = ST_CMD_MINUS_ERR

	return t
}

// lookupOp reports the operator spelled by tok. Prefixes such as "PIN" or
// "UNSU" walk without error but are not accepting, so they report false.
func lookupOp(tok []byte) (Op, bool) {
	state := ST_START
	for _, b := range tok {
		state = transitionTable[state][b]
		if state == ST_ERROR {
			return OpUnknown, false
		}
	}
	op := acceptingOps[state]
	return op, op != OpUnknown
}
