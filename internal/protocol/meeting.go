package protocol

// Meeting channel message types.
const (
	TypeMeetingJoin       = "join"
	TypeMeetingLeave      = "leave"
	TypeParticipantList   = "participant-list"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeMeetingChat       = "meeting-chat"
	TypeMeetingHistory    = "meeting-history"
	TypeGetMeetingHistory = "get-meeting-history"
	TypeScreenShare       = "screen-share"
	TypeMeetingEnded      = "meeting-ended"
)

// MeetingMessage is the variant set of the meeting channel. Offer, Answer
// and ICECandidate are members of this set as well.
type MeetingMessage interface {
	Message
	isMeeting()
}

type MeetingJoin struct {
	MeetingCode string `json:"meetingCode"`
	Email       string `json:"email"`
}

type MeetingLeave struct {
	MeetingCode string `json:"meetingCode"`
	Email       string `json:"email"`
}

type ParticipantList struct {
	Participants []string `json:"participants"`
}

type ParticipantJoined struct {
	Email string `json:"email"`
}

type ParticipantLeft struct {
	Email string `json:"email"`
}

// MeetingChat is a chat line inside a meeting. File fields are set when the
// line announces a file that was sent peer-to-peer.
type MeetingChat struct {
	MeetingCode string `json:"meetingCode,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	FileType    string `json:"fileType,omitempty"`
}

type MeetingHistory struct {
	Messages []MeetingChat `json:"messages"`
}

type GetMeetingHistory struct{}

type ScreenShare struct {
	MeetingCode string `json:"meetingCode,omitempty"`
	Email       string `json:"email"`
	Active      bool   `json:"active"`
}

type MeetingEnded struct {
	MeetingCode string `json:"meetingCode,omitempty"`
}

func (MeetingJoin) MessageType() string       { return TypeMeetingJoin }
func (MeetingLeave) MessageType() string      { return TypeMeetingLeave }
func (ParticipantList) MessageType() string   { return TypeParticipantList }
func (ParticipantJoined) MessageType() string { return TypeParticipantJoined }
func (ParticipantLeft) MessageType() string   { return TypeParticipantLeft }
func (MeetingChat) MessageType() string       { return TypeMeetingChat }
func (MeetingHistory) MessageType() string    { return TypeMeetingHistory }
func (GetMeetingHistory) MessageType() string { return TypeGetMeetingHistory }
func (ScreenShare) MessageType() string       { return TypeScreenShare }
func (MeetingEnded) MessageType() string      { return TypeMeetingEnded }

func (MeetingJoin) isMeeting()       {}
func (MeetingLeave) isMeeting()      {}
func (ParticipantList) isMeeting()   {}
func (ParticipantJoined) isMeeting() {}
func (ParticipantLeft) isMeeting()   {}
func (MeetingChat) isMeeting()       {}
func (MeetingHistory) isMeeting()    {}
func (GetMeetingHistory) isMeeting() {}
func (ScreenShare) isMeeting()       {}
func (MeetingEnded) isMeeting()      {}

// DecodeMeeting decodes a meeting channel frame.
func DecodeMeeting(f Frame) (MeetingMessage, error) {
	switch f.Type {
	case TypeMeetingJoin:
		return decodeAs[MeetingJoin](f)
	case TypeMeetingLeave:
		return decodeAs[MeetingLeave](f)
	case TypeParticipantList:
		return decodeAs[ParticipantList](f)
	case TypeParticipantJoined:
		return decodeAs[ParticipantJoined](f)
	case TypeParticipantLeft:
		return decodeAs[ParticipantLeft](f)
	case TypeOffer:
		return decodeAs[Offer](f)
	case TypeAnswer:
		return decodeAs[Answer](f)
	case TypeICECandidate:
		return decodeAs[ICECandidate](f)
	case TypeMeetingChat:
		return decodeAs[MeetingChat](f)
	case TypeMeetingHistory:
		return decodeAs[MeetingHistory](f)
	case TypeGetMeetingHistory:
		return decodeAs[GetMeetingHistory](f)
	case TypeScreenShare:
		return decodeAs[ScreenShare](f)
	case TypeMeetingEnded:
		return decodeAs[MeetingEnded](f)
	}
	return nil, ErrUnknownType
}
