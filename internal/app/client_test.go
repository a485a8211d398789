package app_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/app"
	"github.com/1ureka/meshcall/internal/chat"
	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/filetransfer"
	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/rtc/rtctest"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/socket/sockettest"
)

// ui records everything the client shows.
type ui struct {
	mu       sync.Mutex
	notices  []string
	incoming []string
	offers   []protocol.Meta
	screens  []string
	messages []chat.Line
	attached int
	detached int
	received []filetransfer.Received
}

func (u *ui) Notice(msg string) {
	u.mu.Lock()
	u.notices = append(u.notices, msg)
	u.mu.Unlock()
}

func (u *ui) IncomingCall(from string) {
	u.mu.Lock()
	u.incoming = append(u.incoming, from)
	u.mu.Unlock()
}

func (u *ui) IncomingFile(_ string, m protocol.Meta) {
	u.mu.Lock()
	u.offers = append(u.offers, m)
	u.mu.Unlock()
}

func (u *ui) FileReceived(f filetransfer.Received) {
	u.mu.Lock()
	u.received = append(u.received, f)
	u.mu.Unlock()
}

func (u *ui) Navigate(screen string) {
	u.mu.Lock()
	u.screens = append(u.screens, screen)
	u.mu.Unlock()
}

func (u *ui) StreamAttached(string, peer.RenderTarget, rtc.RemoteTrack) {
	u.mu.Lock()
	u.attached++
	u.mu.Unlock()
}

func (u *ui) StreamDetached(string, peer.RenderTarget) {
	u.mu.Lock()
	u.detached++
	u.mu.Unlock()
}

func (u *ui) ChatMessage(l chat.Line) {
	u.mu.Lock()
	u.messages = append(u.messages, l)
	u.mu.Unlock()
}

func (u *ui) lastScreen() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.screens) == 0 {
		return ""
	}
	return u.screens[len(u.screens)-1]
}

func (u *ui) hasNotice(substr string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, n := range u.notices {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func (u *ui) count(f func() int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return f()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	srv     *sockettest.Server
	client  *app.Client
	ui      *ui
	media   *media.Source
	factory *rtctest.Factory
	cfg     *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := sockettest.NewServer()
	net := rtctest.NewNetwork()

	cfg := &config.Config{
		ServerURL:        srv.URL(),
		Token:            "t",
		Identity:         "alice@x",
		ConnectTimeout:   2 * time.Second,
		ReadyTimeout:     2 * time.Second,
		ReconnectDelay:   50 * time.Millisecond,
		RingTimeout:      30 * time.Second,
		ChunkSize:        16 * 1024,
		FileRetention:    time.Minute,
		OfferDedupWindow: 5 * time.Second,
		DownloadDir:      t.TempDir(),
	}
	h := &harness{srv: srv, ui: &ui{}, media: media.NewSource("alice"), factory: rtctest.NewFactory(net), cfg: cfg}
	h.client = app.New(cfg, h.ui, app.Options{Factory: h.factory, Media: h.media})

	t.Cleanup(func() {
		h.client.Close()
		net.Close()
		srv.Close()
	})
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

// expect reads frames until one of typ arrives on path.
func (h *harness) expect(t *testing.T, path, typ string) sockettest.Received {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, ok := h.srv.Next(time.Until(deadline))
		if !ok {
			break
		}
		if r.Path == path && r.Type == typ {
			return r
		}
	}
	t.Fatalf("no %s frame on %s", typ, path)
	return sockettest.Received{}
}

func (h *harness) push(t *testing.T, path string, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.srv.Push(path, json.RawMessage(data)); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStartConnectsChannels(t *testing.T) {
	h := newHarness(t)

	h.expect(t, socket.Call, protocol.TypeCallJoin)
	waitFor(t, "file channel", func() bool { return h.srv.Connections(socket.File) == 1 })
	waitFor(t, "chat channel", func() bool { return h.srv.Connections(socket.Chat) == 1 })
}

func TestIncomingCallLifecycle(t *testing.T) {
	h := newHarness(t)
	h.expect(t, socket.Call, protocol.TypeCallJoin)

	h.push(t, socket.Call, protocol.IncomingCall{From: "bob@x", To: "alice@x"})
	waitFor(t, "ringing", func() bool { return h.client.Calls().State() == session.Ringing })
	if n := h.ui.count(func() int { return len(h.ui.incoming) }); n != 1 {
		t.Fatalf("incoming prompts = %d", n)
	}

	if err := h.client.Accept(context.Background(), session.OriginDashboard); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	h.expect(t, socket.Call, protocol.TypeAcceptCall)
	h.expect(t, socket.Signaling, protocol.TypeSignalJoin)
	h.expect(t, socket.Signaling, protocol.TypeReady)

	if h.ui.lastScreen() != session.ScreenCall {
		t.Errorf("screen = %q, want call", h.ui.lastScreen())
	}
	if h.media.Kind() != media.Camera {
		t.Errorf("media = %q during call", h.media.Kind())
	}

	h.push(t, socket.Signaling, protocol.EndCall{From: "bob@x", To: "alice@x"})
	waitFor(t, "teardown", func() bool { return h.client.Calls().State() == session.Idle })

	if h.ui.lastScreen() != string(session.OriginDashboard) {
		t.Errorf("screen = %q after call", h.ui.lastScreen())
	}
	if h.media.Kind() != "" {
		t.Errorf("media still held: %q", h.media.Kind())
	}
	// the call channel is re-registered on a fresh connection, and bob is
	// not sent his own end-call back
	deadline := time.Now().Add(3 * time.Second)
	for {
		r, ok := h.srv.Next(time.Until(deadline))
		if !ok {
			t.Fatal("call channel not re-registered")
		}
		if r.Path == socket.Signaling && r.Type == protocol.TypeEndCall {
			t.Fatal("end-call echoed to the peer that ended the call")
		}
		if r.Path == socket.Call && r.Type == protocol.TypeCallJoin {
			break
		}
	}
}

func TestOutgoingCallHangup(t *testing.T) {
	h := newHarness(t)
	h.expect(t, socket.Call, protocol.TypeCallJoin)

	if err := h.client.Call("bob@x", session.OriginChat); err != nil {
		t.Fatalf("Call: %v", err)
	}
	h.expect(t, socket.Call, protocol.TypeStartCall)

	h.push(t, socket.Call, protocol.AcceptCall{From: "bob@x", To: "alice@x"})
	h.expect(t, socket.Signaling, protocol.TypeSignalJoin)
	h.expect(t, socket.Signaling, protocol.TypeReady)
	if got := h.client.Calls().State(); got != session.Negotiating {
		t.Fatalf("state = %v", got)
	}

	h.client.Hangup()
	h.expect(t, socket.Signaling, protocol.TypeEndCall)
	if got := h.client.Calls().State(); got != session.Idle {
		t.Errorf("state = %v after hangup", got)
	}
	if h.ui.lastScreen() != string(session.OriginChat) {
		t.Errorf("screen = %q after hangup", h.ui.lastScreen())
	}
}

func TestCallRefusedDuringMeeting(t *testing.T) {
	h := newHarness(t)

	if err := h.client.JoinMeeting(context.Background(), "room-1"); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	h.expect(t, socket.Meeting, protocol.TypeMeetingJoin)
	if h.ui.lastScreen() != app.ScreenMeeting {
		t.Errorf("screen = %q", h.ui.lastScreen())
	}

	if err := h.client.Call("bob@x", session.OriginDashboard); err == nil {
		t.Error("call placed while in a meeting")
	}

	h.client.LeaveMeeting()
	h.expect(t, socket.Meeting, protocol.TypeMeetingLeave)
	if h.client.Room() != nil {
		t.Error("room kept after leave")
	}
	if h.media.Kind() != "" {
		t.Errorf("media still held: %q", h.media.Kind())
	}
}

func TestMeetingEndedReturnsToDashboard(t *testing.T) {
	h := newHarness(t)

	if err := h.client.JoinMeeting(context.Background(), "room-1"); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	h.expect(t, socket.Meeting, protocol.TypeMeetingJoin)

	h.push(t, socket.Meeting, protocol.MeetingEnded{MeetingCode: "room-1"})
	waitFor(t, "room cleared", func() bool { return h.client.Room() == nil })

	if h.ui.lastScreen() != app.ScreenDashboard {
		t.Errorf("screen = %q", h.ui.lastScreen())
	}
	if !h.ui.hasNotice("ended") {
		t.Error("no notice")
	}
}

func TestShareScreenReachesConnectedPeers(t *testing.T) {
	h := newHarness(t)

	if err := h.client.JoinMeeting(context.Background(), "room-1"); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	h.expect(t, socket.Meeting, protocol.TypeMeetingJoin)
	h.push(t, socket.Meeting, protocol.ParticipantList{Participants: []string{"alice@x", "bob@x"}})
	h.expect(t, socket.Meeting, protocol.TypeOffer)

	videoID := func() string {
		for _, tr := range h.factory.Last().Tracks() {
			if tr.Kind() == webrtc.RTPCodecTypeVideo {
				return tr.ID()
			}
		}
		return ""
	}
	if got := videoID(); got != "camera-video" {
		t.Fatalf("video before sharing = %q", got)
	}

	if err := h.client.ShareScreen(true); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	h.expect(t, socket.Meeting, protocol.TypeScreenShare)
	if got := videoID(); got != "screen-video" {
		t.Errorf("video while sharing = %q", got)
	}

	if err := h.client.ShareScreen(false); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	if got := videoID(); got != "camera-video" {
		t.Errorf("video after sharing = %q", got)
	}
}

func TestSendFileWithoutPeerFails(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.client.SendFile("bob@x", path); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	r := h.expect(t, socket.File, protocol.TypeFileOffer)
	var offer protocol.FileOffer
	if err := json.Unmarshal(r.Raw, &offer); err != nil {
		t.Fatal(err)
	}
	if offer.Meta.Name != "notes.txt" || offer.Meta.Size != 5 || !strings.HasPrefix(offer.Meta.Type, "text/plain") {
		t.Errorf("meta = %+v", offer.Meta)
	}

	// accepted, but there is no call or meeting to carry the bytes
	h.push(t, socket.File, protocol.FileOfferResponse{From: "bob@x", To: "alice@x", Accept: true})
	waitFor(t, "failure notice", func() bool { return h.ui.hasNotice("failed") })
}

func TestLogoutClosesChat(t *testing.T) {
	h := newHarness(t)
	waitFor(t, "chat channel", func() bool { return h.client.Sockets().IsConnected(socket.Chat) })

	h.client.Logout()
	if h.client.Sockets().IsConnected(socket.Chat) {
		t.Error("chat channel still open after logout")
	}
	waitFor(t, "server side close", func() bool { return h.srv.Connections(socket.Chat) == 0 })
}

func TestSaveUnknownFile(t *testing.T) {
	h := newHarness(t)
	if _, err := h.client.SaveFile("missing"); err == nil {
		t.Error("expected error")
	}
}
