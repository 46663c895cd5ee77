package voicechat

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canTransition encodes the only legal moves. disconnect is reachable from
// every state; failed never returns to connecting.
func (s ConnectionState) canTransition(to ConnectionState) bool {
	if to == StateDisconnected {
		return true
	}
	switch s {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateFailed
	case StateConnected:
		return to == StateFailed
	}
	return false
}
