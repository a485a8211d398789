// Package chat is the client of the persistent chat channel: one-to-one
// conversations, group conversations, typing and read notices, presence.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/util"
)

// Channel is the part of the socket layer the chat client uses.
type Channel interface {
	Connect(ctx context.Context, endpoint, token string, fn socket.Handler) (socket.ListenerID, error)
	Send(endpoint string, msg protocol.Message)
	Disconnect(endpoint, reason string, ids ...socket.ListenerID)
	OnReconnect(endpoint string, fn func())
}

// Line is one cached chat message. Conversation is a conversation id, or a
// group id when Group is set.
type Line struct {
	ID           string
	Conversation string
	Group        bool
	Sender       string
	SenderName   string
	Text         string
	Timestamp    string
}

// Events are chat notifications. Nil fields are skipped.
type Events struct {
	OnMessage  func(Line)
	OnHistory  func(conversation string, group bool, lines []Line)
	OnTyping   func(conversation string, group bool, from string)
	OnRead     func(conversation, reader string, unread int)
	OnPresence func(email string, online bool)
}

// Config wires a Client.
type Config struct {
	Local   string
	Token   string
	Channel Channel
	Events  Events
}

// Client holds the chat state of one signed-in user.
type Client struct {
	cfg Config
	log util.Logger

	mu       sync.Mutex
	listener socket.ListenerID
	started  bool
	closed   bool
	convs    map[string]bool
	groups   map[string]bool
	online   map[string]bool
	lines    map[string][]Line // keyed by cacheKey
}

// New creates a Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		log:    util.Tag("chat"),
		convs:  make(map[string]bool),
		groups: make(map[string]bool),
		online: make(map[string]bool),
		lines:  make(map[string][]Line),
	}
}

func cacheKey(id string, group bool) string {
	if group {
		return "g:" + id
	}
	return "c:" + id
}

// Start subscribes to the chat channel and asks who is online. After a
// reconnect every joined conversation is re-joined and its history fetched.
func (c *Client) Start(ctx context.Context) error {
	id, err := c.cfg.Channel.Connect(ctx, socket.Chat, c.cfg.Token, c.HandleFrame)
	if err != nil {
		return fmt.Errorf("connect chat channel: %w", err)
	}

	c.mu.Lock()
	c.listener = id
	first := !c.started
	c.started = true
	c.closed = false
	c.mu.Unlock()

	if first {
		c.cfg.Channel.OnReconnect(socket.Chat, c.resync)
	}
	c.RequestOnlineUsers()
	return nil
}

func (c *Client) resync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	convs := keys(c.convs)
	groups := keys(c.groups)
	c.mu.Unlock()

	c.log.Debugf("reconnected, rejoining %d conversations and %d groups", len(convs), len(groups))
	for _, id := range convs {
		c.send(protocol.ChatJoin{ConversationID: id, Email: c.cfg.Local})
		c.send(protocol.GetHistory{ConversationID: id})
	}
	for _, id := range groups {
		c.send(protocol.JoinGroup{GroupID: id})
		c.send(protocol.GetGroupHistory{GroupID: id})
	}
	c.RequestOnlineUsers()
}

func (c *Client) send(msg protocol.Message) {
	c.cfg.Channel.Send(socket.Chat, msg)
}

// Join opens a one-to-one conversation and fetches its history.
func (c *Client) Join(conversation string) {
	c.mu.Lock()
	c.convs[conversation] = true
	c.mu.Unlock()
	c.send(protocol.ChatJoin{ConversationID: conversation, Email: c.cfg.Local})
	c.send(protocol.GetHistory{ConversationID: conversation})
}

// Send posts text to a conversation.
func (c *Client) Send(conversation, text string) {
	if text == "" {
		return
	}
	c.send(protocol.Chat{ConversationID: conversation, Sender: c.cfg.Local, Message: text})
}

// Typing tells the other party the local user is typing.
func (c *Client) Typing(conversation string) {
	c.send(protocol.Typing{ConversationID: conversation, From: c.cfg.Local})
}

// MarkRead tells the server the conversation was read.
func (c *Client) MarkRead(conversation string) {
	c.send(protocol.ReadUpdate{ConversationID: conversation, Reader: c.cfg.Local})
}

// JoinGroup subscribes to a group conversation and fetches its history.
func (c *Client) JoinGroup(group string) {
	c.mu.Lock()
	c.groups[group] = true
	c.mu.Unlock()
	c.send(protocol.JoinGroup{GroupID: group})
	c.send(protocol.GetGroupHistory{GroupID: group})
}

// LeaveGroup unsubscribes from a group conversation.
func (c *Client) LeaveGroup(group string) {
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
	c.send(protocol.LeaveGroup{GroupID: group})
}

// SendGroup posts text to a group.
func (c *Client) SendGroup(group, text string) {
	if text == "" {
		return
	}
	c.send(protocol.GroupChat{GroupID: group, Sender: c.cfg.Local, Message: text})
}

// TypingGroup tells a group the local user is typing.
func (c *Client) TypingGroup(group string) {
	c.send(protocol.TypingGroup{GroupID: group, From: c.cfg.Local})
}

// RequestOnlineUsers asks for the presence list.
func (c *Client) RequestOnlineUsers() {
	c.send(protocol.RequestOnlineUsers{})
}

// Online returns the users currently online, sorted.
func (c *Client) Online() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return keys(c.online)
}

// History returns the cached lines of a conversation or group.
func (c *Client) History(id string, group bool) []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.lines[cacheKey(id, group)]...)
}

// Close unsubscribes from the chat channel. Only a logout or shutdown
// reason closes the connection itself.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	c.closed = true
	id := c.listener
	if reason == socket.ReasonLogout {
		c.convs = make(map[string]bool)
		c.groups = make(map[string]bool)
		c.online = make(map[string]bool)
		c.lines = make(map[string][]Line)
	}
	c.mu.Unlock()
	c.cfg.Channel.Disconnect(socket.Chat, reason, id)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
