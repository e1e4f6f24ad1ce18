package rtc

// State is the peer-connection lifecycle state. A PeerSession only
// moves forward through these; a new match gets a new instance.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateAwaitingRemoteDescription
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateAwaitingRemoteDescription:
		return "awaiting-remote-description"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
