package protocol

import "github.com/pion/webrtc/v4"

// Signaling channel message types. Offer, Answer and ICECandidate are also
// relayed peer-scoped on the meeting channel.
const (
	TypeSignalJoin   = "join"
	TypeReady        = "ready"
	TypePeerReady    = "peer-ready"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeEndCall      = "end-call"
)

// SignalMessage is the variant set of the signaling channel.
type SignalMessage interface {
	Message
	isSignal()
}

// SignalJoin registers the sender on the signaling channel.
type SignalJoin struct {
	From string `json:"from"`
}

type Ready struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PeerReady struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

type Offer struct {
	From        string `json:"from"`
	To          string `json:"to"`
	SDP         SDP    `json:"sdp"`
	MeetingCode string `json:"meetingCode,omitempty"`
}

type Answer struct {
	From        string `json:"from"`
	To          string `json:"to"`
	SDP         SDP    `json:"sdp"`
	MeetingCode string `json:"meetingCode,omitempty"`
}

type ICECandidate struct {
	From        string                  `json:"from"`
	To          string                  `json:"to"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
	MeetingCode string                  `json:"meetingCode,omitempty"`
}

type EndCall struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (SignalJoin) MessageType() string   { return TypeSignalJoin }
func (Ready) MessageType() string        { return TypeReady }
func (PeerReady) MessageType() string    { return TypePeerReady }
func (Offer) MessageType() string        { return TypeOffer }
func (Answer) MessageType() string       { return TypeAnswer }
func (ICECandidate) MessageType() string { return TypeICECandidate }
func (EndCall) MessageType() string      { return TypeEndCall }

func (SignalJoin) isSignal()   {}
func (Ready) isSignal()        {}
func (PeerReady) isSignal()    {}
func (Offer) isSignal()        {}
func (Answer) isSignal()       {}
func (ICECandidate) isSignal() {}
func (EndCall) isSignal()      {}

// Negotiation messages also travel on the meeting channel.
func (Offer) isMeeting()        {}
func (Answer) isMeeting()       {}
func (ICECandidate) isMeeting() {}

// DecodeSignal decodes a signaling channel frame.
func DecodeSignal(f Frame) (SignalMessage, error) {
	switch f.Type {
	case TypeSignalJoin:
		return decodeAs[SignalJoin](f)
	case TypeReady:
		return decodeAs[Ready](f)
	case TypePeerReady:
		return decodeAs[PeerReady](f)
	case TypeOffer:
		return decodeAs[Offer](f)
	case TypeAnswer:
		return decodeAs[Answer](f)
	case TypeICECandidate:
		return decodeAs[ICECandidate](f)
	case TypeEndCall:
		return decodeAs[EndCall](f)
	}
	return nil, ErrUnknownType
}
