package webclient

// State is the lifecycle state of a Connection's underlying channel.
type State int

const (
	// Connecting: trying to establish the channel. Initial state.
	Connecting State = iota
	// Connected: channel established, ready to send and receive.
	Connected
	// Closing: Close was requested (or the peer ended the exchange) and the
	// close handshake is in progress.
	Closing
	// Closed: the channel was closed gracefully. Terminal.
	Closed
	// Retry: a handshake attempt failed; another may follow.
	Retry
	// Disconnected: the channel was lost or could not be established. Terminal.
	Disconnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Retry:
		return "RETRY"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == Closed || s == Disconnected
}

// transitions lists every legal move of the state machine.
var transitions = map[State][]State{
	Connecting: {Connected, Retry},
	Retry:      {Connecting, Disconnected},
	Connected:  {Closing, Disconnected},
	Closing:    {Closed},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
