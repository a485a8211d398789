package chat

import (
	"github.com/google/uuid"

	"github.com/1ureka/meshcall/internal/protocol"
)

// HandleFrame handles one chat channel frame.
func (c *Client) HandleFrame(f protocol.Frame) {
	msg, err := protocol.DecodeChat(f)
	if err != nil {
		c.log.Debugf("ignoring %q: %v", f.Type, err)
		return
	}

	ev := c.cfg.Events
	switch m := msg.(type) {
	case protocol.Chat:
		c.append(lineOf(m.ConversationID, false, m.Sender, m.SenderName, m.Message, m.Timestamp))
	case protocol.GroupChat:
		c.append(lineOf(m.GroupID, true, m.Sender, m.SenderName, m.Message, m.Timestamp))
	case protocol.ChatHistory:
		lines := make([]Line, 0, len(m.Messages))
		for _, x := range m.Messages {
			lines = append(lines, lineOf(m.ConversationID, false, x.Sender, x.SenderName, x.Message, x.Timestamp))
		}
		c.replace(m.ConversationID, false, lines)
	case protocol.GroupHistory:
		lines := make([]Line, 0, len(m.Messages))
		for _, x := range m.Messages {
			lines = append(lines, lineOf(m.GroupID, true, x.Sender, x.SenderName, x.Message, x.Timestamp))
		}
		c.replace(m.GroupID, true, lines)
	case protocol.Typing:
		if !protocol.SameParty(m.From, c.cfg.Local) && ev.OnTyping != nil {
			ev.OnTyping(m.ConversationID, false, m.From)
		}
	case protocol.TypingGroup:
		if !protocol.SameParty(m.From, c.cfg.Local) && ev.OnTyping != nil {
			ev.OnTyping(m.GroupID, true, m.From)
		}
	case protocol.ReadUpdate:
		if ev.OnRead != nil {
			ev.OnRead(m.ConversationID, m.Reader, m.Unread)
		}
	case protocol.OnlineUsers:
		c.presence(m.Users)
	case protocol.UserStatus:
		c.mu.Lock()
		if m.Online {
			c.online[m.Email] = true
		} else {
			delete(c.online, m.Email)
		}
		c.mu.Unlock()
		if ev.OnPresence != nil {
			ev.OnPresence(m.Email, m.Online)
		}
	case protocol.ChatJoined:
		c.log.Debugf("%s joined %s", m.Email, m.ConversationID)
	}
}

func lineOf(id string, group bool, sender, name, text, ts string) Line {
	return Line{
		ID:           uuid.NewString(),
		Conversation: id,
		Group:        group,
		Sender:       sender,
		SenderName:   name,
		Text:         text,
		Timestamp:    ts,
	}
}

func (c *Client) append(l Line) {
	c.mu.Lock()
	k := cacheKey(l.Conversation, l.Group)
	c.lines[k] = append(c.lines[k], l)
	c.mu.Unlock()
	if c.cfg.Events.OnMessage != nil {
		c.cfg.Events.OnMessage(l)
	}
}

// replace swaps the cache for a fetched history; history is the source of
// truth after a reconnect.
func (c *Client) replace(id string, group bool, lines []Line) {
	c.mu.Lock()
	c.lines[cacheKey(id, group)] = lines
	c.mu.Unlock()
	if c.cfg.Events.OnHistory != nil {
		c.cfg.Events.OnHistory(id, group, append([]Line(nil), lines...))
	}
}

func (c *Client) presence(users []string) {
	c.mu.Lock()
	prev := c.online
	c.online = make(map[string]bool, len(users))
	for _, u := range users {
		c.online[u] = true
	}
	var changes []protocol.UserStatus
	for u := range c.online {
		if !prev[u] {
			changes = append(changes, protocol.UserStatus{Email: u, Online: true})
		}
	}
	for u := range prev {
		if !c.online[u] {
			changes = append(changes, protocol.UserStatus{Email: u, Online: false})
		}
	}
	c.mu.Unlock()

	if fn := c.cfg.Events.OnPresence; fn != nil {
		for _, s := range changes {
			fn(s.Email, s.Online)
		}
	}
}
