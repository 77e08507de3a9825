package session

// State is the connection lifecycle state of a tenant session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuthentication
	StateLive
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuthentication:
		return "awaiting_authentication"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// inProgress reports whether a connect attempt chain is already running,
// making another Connect call a no-op.
func (s State) inProgress() bool {
	switch s {
	case StateConnecting, StateAwaitingAuthentication, StateLive, StateReconnecting:
		return true
	default:
		return false
	}
}
