package channel

// State is the control-channel connection state. Transitions are serialized
// by the Manager; nothing else writes it.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
