package signaling

// State is the negotiation state with one peer.
type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerExchanged
	ICEExchanging
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case AnswerExchanged:
		return "answer-exchanged"
	case ICEExchanging:
		return "ice-exchanging"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}
