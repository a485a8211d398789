package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/1ureka/meshcall/internal/chat"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/socket"
)

type channel struct {
	fn          socket.Handler
	reconnect   []func()
	sent        []protocol.Message
	disconnects []string
}

func (c *channel) Connect(_ context.Context, _, _ string, fn socket.Handler) (socket.ListenerID, error) {
	c.fn = fn
	return 1, nil
}

func (c *channel) Send(_ string, msg protocol.Message) { c.sent = append(c.sent, msg) }

func (c *channel) Disconnect(_, reason string, _ ...socket.ListenerID) {
	c.disconnects = append(c.disconnects, reason)
}

func (c *channel) OnReconnect(_ string, fn func()) { c.reconnect = append(c.reconnect, fn) }

func (c *channel) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	f, err := protocol.ParseFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	c.fn(f)
}

func (c *channel) types() []string {
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.MessageType()
	}
	return out
}

func started(t *testing.T, ev chat.Events) (*chat.Client, *channel) {
	t.Helper()
	ch := &channel{}
	c := chat.New(chat.Config{Local: "alice", Channel: ch, Events: ev})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return c, ch
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinFetchesHistory(t *testing.T) {
	c, ch := started(t, chat.Events{})
	c.Join("conv1")
	c.JoinGroup("team")

	want := []string{
		protocol.TypeRequestOnlineUsers,
		protocol.TypeChatJoin, protocol.TypeGetHistory,
		protocol.TypeJoinGroup, protocol.TypeGetGroupHistory,
	}
	if got := ch.types(); !equal(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}
}

func TestReconnectRejoins(t *testing.T) {
	c, ch := started(t, chat.Events{})
	c.Join("conv1")
	c.JoinGroup("team")
	c.JoinGroup("old")
	c.LeaveGroup("old")
	ch.sent = nil

	if len(ch.reconnect) != 1 {
		t.Fatalf("reconnect hooks = %d, want 1", len(ch.reconnect))
	}
	ch.reconnect[0]()

	want := []string{
		protocol.TypeChatJoin, protocol.TypeGetHistory,
		protocol.TypeJoinGroup, protocol.TypeGetGroupHistory,
		protocol.TypeRequestOnlineUsers,
	}
	if got := ch.types(); !equal(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}

	// A closed client stays quiet.
	c.Close(socket.ReasonManual)
	ch.sent = nil
	ch.reconnect[0]()
	if len(ch.sent) != 0 {
		t.Errorf("closed client sent %v", ch.types())
	}
}

func TestMessagesAndHistoryCached(t *testing.T) {
	var got []chat.Line
	c, ch := started(t, chat.Events{OnMessage: func(l chat.Line) { got = append(got, l) }})

	ch.push(t, protocol.ChatHistory{ConversationID: "conv1", Messages: []protocol.Chat{
		{Sender: "bob", Message: "one"},
		{Sender: "alice", Message: "two"},
	}})
	ch.push(t, protocol.Chat{ConversationID: "conv1", Sender: "bob", Message: "three"})
	ch.push(t, protocol.GroupChat{GroupID: "team", Sender: "carol", Message: "hey"})

	h := c.History("conv1", false)
	if len(h) != 3 || h[2].Text != "three" || h[0].ID == "" || h[0].ID == h[1].ID {
		t.Errorf("history = %+v", h)
	}
	if g := c.History("team", true); len(g) != 1 || g[0].Sender != "carol" {
		t.Errorf("group history = %+v", g)
	}
	if len(got) != 2 {
		t.Errorf("live messages = %d, want 2", len(got))
	}

	// Refetched history replaces the cache.
	ch.push(t, protocol.ChatHistory{ConversationID: "conv1", Messages: []protocol.Chat{{Sender: "bob", Message: "only"}}})
	if h := c.History("conv1", false); len(h) != 1 {
		t.Errorf("history after refetch = %d lines", len(h))
	}
}

func TestPresence(t *testing.T) {
	changes := map[string]bool{}
	c, ch := started(t, chat.Events{OnPresence: func(e string, on bool) { changes[e] = on }})

	ch.push(t, protocol.OnlineUsers{Users: []string{"bob", "carol"}})
	ch.push(t, protocol.UserStatus{Email: "dave", Online: true})
	ch.push(t, protocol.UserStatus{Email: "bob", Online: false})

	if got := c.Online(); !equal(got, []string{"carol", "dave"}) {
		t.Errorf("online = %v", got)
	}
	if !changes["carol"] || changes["bob"] {
		t.Errorf("changes = %v", changes)
	}
}

func TestTypingIgnoresSelf(t *testing.T) {
	var typing []string
	_, ch := started(t, chat.Events{OnTyping: func(id string, _ bool, from string) { typing = append(typing, from) }})

	ch.push(t, protocol.Typing{ConversationID: "conv1", From: "alice"})
	ch.push(t, protocol.Typing{ConversationID: "conv1", From: "bob"})
	ch.push(t, protocol.TypingGroup{GroupID: "team", From: "carol"})

	if !equal(typing, []string{"bob", "carol"}) {
		t.Errorf("typing = %v", typing)
	}
}

func TestCloseReason(t *testing.T) {
	c, ch := started(t, chat.Events{})
	ch.push(t, protocol.Chat{ConversationID: "conv1", Sender: "bob", Message: "x"})

	c.Close(socket.ReasonManual)
	if len(c.History("conv1", false)) != 1 {
		t.Error("soft close dropped the cache")
	}
	c.Close(socket.ReasonLogout)
	if len(c.History("conv1", false)) != 0 {
		t.Error("logout kept the cache")
	}
	if !equal(ch.disconnects, []string{socket.ReasonManual, socket.ReasonLogout}) {
		t.Errorf("disconnects = %v", ch.disconnects)
	}
}
