package session

// State is the call lifecycle state.
type State int

const (
	Idle State = iota
	Ringing
	Dialing
	Negotiating
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Dialing:
		return "dialing"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ending:
		return "ending"
	}
	return "unknown"
}

// Origin is the screen a call was started from.
type Origin string

const (
	OriginDashboard Origin = "dashboard"
	OriginChat      Origin = "chat"
)

// ScreenCall is the navigation target of an established call.
const ScreenCall = "call"

// Markers are the call facts a freshly opened call screen needs: who the
// other party is, which side called, and where to return afterwards.
type Markers struct {
	Peer   string
	Caller bool
	Origin Origin
}
