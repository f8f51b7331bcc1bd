package connection

// State is the lifecycle state of a Connection.
//
//	Idle → Connecting → Open → Reconnecting → Connecting → Open ...
//	any → Closing → Closed
//
// Closed is terminal: it is reached through Close, a normal closure from the
// remote side or an authentication rejection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further link will be established.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateClosed
}
