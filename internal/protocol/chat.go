package protocol

// Chat channel message types.
const (
	TypeChatJoin           = "join"
	TypeChatJoined         = "joined"
	TypeChat               = "chat"
	TypeChatHistory        = "chat-history"
	TypeGetHistory         = "get-history"
	TypeTyping             = "typing"
	TypeReadUpdate         = "read-update"
	TypeOnlineUsers        = "online-users"
	TypeUserStatus         = "user-status"
	TypeRequestOnlineUsers = "request-online-users"
	TypeRequestSync        = "request-sync"
	TypeJoinGroup          = "join-group"
	TypeLeaveGroup         = "leave-group"
	TypeGroupChat          = "group-chat"
	TypeGroupHistory       = "group-history"
	TypeGetGroupHistory    = "get-group-history"
	TypeTypingGroup        = "typing-group"
)

// ChatMessage is the variant set of the chat channel.
type ChatMessage interface {
	Message
	isChat()
}

type ChatJoin struct {
	ConversationID string `json:"conversationId"`
	Email          string `json:"email,omitempty"`
}

type ChatJoined struct {
	ConversationID string `json:"conversationId"`
	Email          string `json:"email"`
}

// Chat is a one-to-one conversation line.
type Chat struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type ChatHistory struct {
	ConversationID string `json:"conversationId"`
	Messages       []Chat `json:"messages"`
}

type GetHistory struct {
	ConversationID string `json:"conversationId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from,omitempty"`
}

type ReadUpdate struct {
	ConversationID string `json:"conversationId"`
	Reader         string `json:"reader,omitempty"`
	Unread         int    `json:"unread,omitempty"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
}

type UserStatus struct {
	Email  string `json:"email"`
	Online bool   `json:"online"`
}

type RequestOnlineUsers struct{}

type RequestSync struct{}

type JoinGroup struct {
	GroupID string `json:"groupId"`
}

type LeaveGroup struct {
	GroupID string `json:"groupId"`
}

type GroupChat struct {
	GroupID    string `json:"groupId"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type GroupHistory struct {
	GroupID  string      `json:"groupId"`
	Messages []GroupChat `json:"messages"`
}

type GetGroupHistory struct {
	GroupID string `json:"groupId"`
}

type TypingGroup struct {
	GroupID string `json:"groupId"`
	From    string `json:"from,omitempty"`
}

func (ChatJoin) MessageType() string           { return TypeChatJoin }
func (ChatJoined) MessageType() string         { return TypeChatJoined }
func (Chat) MessageType() string               { return TypeChat }
func (ChatHistory) MessageType() string        { return TypeChatHistory }
func (GetHistory) MessageType() string         { return TypeGetHistory }
func (Typing) MessageType() string             { return TypeTyping }
func (ReadUpdate) MessageType() string         { return TypeReadUpdate }
func (OnlineUsers) MessageType() string        { return TypeOnlineUsers }
func (UserStatus) MessageType() string         { return TypeUserStatus }
func (RequestOnlineUsers) MessageType() string { return TypeRequestOnlineUsers }
func (RequestSync) MessageType() string        { return TypeRequestSync }
func (JoinGroup) MessageType() string          { return TypeJoinGroup }
func (LeaveGroup) MessageType() string         { return TypeLeaveGroup }
func (GroupChat) MessageType() string          { return TypeGroupChat }
func (GroupHistory) MessageType() string       { return TypeGroupHistory }
func (GetGroupHistory) MessageType() string    { return TypeGetGroupHistory }
func (TypingGroup) MessageType() string        { return TypeTypingGroup }

func (ChatJoin) isChat()           {}
func (ChatJoined) isChat()         {}
func (Chat) isChat()               {}
func (ChatHistory) isChat()        {}
func (GetHistory) isChat()         {}
func (Typing) isChat()             {}
func (ReadUpdate) isChat()         {}
func (OnlineUsers) isChat()        {}
func (UserStatus) isChat()         {}
func (RequestOnlineUsers) isChat() {}
func (RequestSync) isChat()        {}
func (JoinGroup) isChat()          {}
func (LeaveGroup) isChat()         {}
func (GroupChat) isChat()          {}
func (GroupHistory) isChat()       {}
func (GetGroupHistory) isChat()    {}
func (TypingGroup) isChat()        {}

// DecodeChat decodes a chat channel frame.
func DecodeChat(f Frame) (ChatMessage, error) {
	switch f.Type {
	case TypeChatJoin:
		return decodeAs[ChatJoin](f)
	case TypeChatJoined:
		return decodeAs[ChatJoined](f)
	case TypeChat:
		return decodeAs[Chat](f)
	case TypeChatHistory:
		return decodeAs[ChatHistory](f)
	case TypeGetHistory:
		return decodeAs[GetHistory](f)
	case TypeTyping:
		return decodeAs[Typing](f)
	case TypeReadUpdate:
		return decodeAs[ReadUpdate](f)
	case TypeOnlineUsers:
		return decodeAs[OnlineUsers](f)
	case TypeUserStatus:
		return decodeAs[UserStatus](f)
	case TypeRequestOnlineUsers:
		return decodeAs[RequestOnlineUsers](f)
	case TypeRequestSync:
		return decodeAs[RequestSync](f)
	case TypeJoinGroup:
		return decodeAs[JoinGroup](f)
	case TypeLeaveGroup:
		return decodeAs[LeaveGroup](f)
	case TypeGroupChat:
		return decodeAs[GroupChat](f)
	case TypeGroupHistory:
		return decodeAs[GroupHistory](f)
	case TypeGetGroupHistory:
		return decodeAs[GetGroupHistory](f)
	case TypeTypingGroup:
		return decodeAs[TypingGroup](f)
	}
	return nil, ErrUnknownType
}
