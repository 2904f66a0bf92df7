package natsio

// State is the connection's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateAwaitingInfo
	StateSendingConnect
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingInfo:
		return "awaiting_info"
	case StateSendingConnect:
		return "sending_connect"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
