package core

// ConnectionState is the lifecycle of one peer link, or of the session's
// signaling channel.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateSignalingConnecting
	StateSignalingConnected
	StateNegotiating
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateSignalingConnecting: "signaling-connecting",
	StateSignalingConnected:  "signaling-connected",
	StateNegotiating:         "negotiating",
	StateConnected:           "connected",
	StateDisconnected:        "disconnected",
	StateReconnecting:        "reconnecting",
	StateFailed:              "failed",
	StateClosed:              "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s ConnectionState) Terminal() bool { return s == StateClosed }

var transitions = map[ConnectionState][]ConnectionState{
	StateIdle:                {StateSignalingConnecting},
	StateSignalingConnecting: {StateSignalingConnected, StateDisconnected},
	StateSignalingConnected:  {StateNegotiating, StateDisconnected},
	StateNegotiating:         {StateConnected, StateDisconnected},
	StateConnected:           {StateDisconnected},
	StateDisconnected:        {StateReconnecting},
	StateReconnecting:        {StateNegotiating, StateSignalingConnecting, StateDisconnected},
	StateFailed:              {StateClosed},
}

// CanTransition reports whether from -> to is a legal move. Any live
// state may fail, and anything but Closed may close.
func CanTransition(from, to ConnectionState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	if to == StateFailed {
		return from != StateFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
