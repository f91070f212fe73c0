package call

// Status is the call lifecycle state.
type Status int

const (
	// StatusPending is the initial state: an incoming call awaiting
	// Accept, or an outgoing call not yet dialed.
	StatusPending Status = iota
	// StatusConnecting covers media acquisition and SDP negotiation.
	StatusConnecting
	// StatusRinging means the remote side acknowledged the invite.
	StatusRinging
	// StatusOpen means media is flowing.
	StatusOpen
	// StatusReconnecting means media recovery is in progress.
	StatusReconnecting
	// StatusClosed is terminal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusRinging:
		return "ringing"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction distinguishes who initiated the call.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}
