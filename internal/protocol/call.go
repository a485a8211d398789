package protocol

// Call channel message types.
const (
	TypeCallJoin     = "join"
	TypeIncomingCall = "incoming-call"
	TypeStartCall    = "start-call"
	TypeAcceptCall   = "accept-call"
	TypeRejectCall   = "reject-call"
	TypeHangup       = "hangup"
)

// CallMessage is the variant set of the call channel.
type CallMessage interface {
	Message
	isCall()
}

// CallJoin registers the sender on the call channel.
type CallJoin struct {
	Email string `json:"email"`
}

type IncomingCall struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

type StartCall struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type AcceptCall struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RejectCall struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Hangup struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (CallJoin) MessageType() string     { return TypeCallJoin }
func (IncomingCall) MessageType() string { return TypeIncomingCall }
func (StartCall) MessageType() string    { return TypeStartCall }
func (AcceptCall) MessageType() string   { return TypeAcceptCall }
func (RejectCall) MessageType() string   { return TypeRejectCall }
func (Hangup) MessageType() string       { return TypeHangup }

func (CallJoin) isCall()     {}
func (IncomingCall) isCall() {}
func (StartCall) isCall()    {}
func (AcceptCall) isCall()   {}
func (RejectCall) isCall()   {}
func (Hangup) isCall()       {}

// DecodeCall decodes a call channel frame.
func DecodeCall(f Frame) (CallMessage, error) {
	switch f.Type {
	case TypeCallJoin:
		return decodeAs[CallJoin](f)
	case TypeIncomingCall:
		return decodeAs[IncomingCall](f)
	case TypeStartCall:
		return decodeAs[StartCall](f)
	case TypeAcceptCall:
		return decodeAs[AcceptCall](f)
	case TypeRejectCall:
		return decodeAs[RejectCall](f)
	case TypeHangup:
		return decodeAs[Hangup](f)
	}
	return nil, ErrUnknownType
}
