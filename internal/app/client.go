// Package app is the session context: it owns the socket manager, the
// media source and every protocol component, and wires them to the UI.
package app

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/1ureka/meshcall/internal/chat"
	"github.com/1ureka/meshcall/internal/clock"
	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/filetransfer"
	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/meeting"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/util"
)

// Options override the Client's collaborators. Zero fields use the real
// implementations.
type Options struct {
	Factory rtc.Factory
	Clock   clock.Clock
	Media   *media.Source
}

// Client is one signed-in user's session.
type Client struct {
	cfg *config.Config
	ui  UI

	sockets *socket.Manager
	factory rtc.Factory
	media   *media.Source
	files   *filetransfer.Manager
	calls   *session.Controller
	chat    *chat.Client

	mu         sync.Mutex
	call       *signaling.Handler
	callListen socket.ListenerID
	room       *meeting.Room
	fileListen socket.ListenerID
	closeOnce  sync.Once
}

// New wires a Client. Nothing is connected until Start.
func New(cfg *config.Config, ui UI, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Factory == nil {
		opts.Factory = rtc.PionFactory{STUNServers: cfg.STUNServers}
	}
	if opts.Media == nil {
		opts.Media = media.NewSource(cfg.Identity)
	}

	c := &Client{
		cfg:     cfg,
		ui:      ui,
		factory: opts.Factory,
		media:   opts.Media,
	}
	c.sockets = socket.NewManager(socket.Options{
		BaseURL:        cfg.ServerURL,
		ConnectTimeout: cfg.ConnectTimeout,
		Policies:       socket.DefaultPolicies(cfg.ReconnectDelay),
		Clock:          opts.Clock,
	})
	c.files = filetransfer.New(filetransfer.Config{
		Local:       cfg.Identity,
		Sender:      c.sockets,
		OpenChannel: c.openChannel,
		Clock:       opts.Clock,
		ChunkSize:   cfg.ChunkSize,
		Retention:   cfg.FileRetention,
		DedupWindow: cfg.OfferDedupWindow,
		OnOffer:     ui.IncomingFile,
		OnDeclined: func(to string, m protocol.Meta) {
			ui.Notice(fmt.Sprintf("%s declined %s", to, m.Name))
		},
		OnSent:     c.fileSent,
		OnReceived: ui.FileReceived,
		OnFailed: func(to string, err error) {
			ui.Notice(fmt.Sprintf("sending to %s failed: %v", to, err))
		},
	})
	c.calls = session.New(session.Config{
		Local:          cfg.Identity,
		Token:          cfg.Token,
		Channel:        c.sockets,
		Clock:          opts.Clock,
		RingTimeout:    cfg.RingTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		ReadyTimeout:   cfg.ReadyTimeout,
		Hooks: session.Hooks{
			OnIncoming:  ui.IncomingCall,
			OnNegotiate: c.startCall,
			OnTeardown:  c.endCall,
			OnNotice:    ui.Notice,
			OnNavigate:  ui.Navigate,
		},
	})
	c.chat = chat.New(chat.Config{
		Local:   cfg.Identity,
		Token:   cfg.Token,
		Channel: c.sockets,
		Events:  chat.Events{OnMessage: ui.ChatMessage},
	})
	return c
}

// Chat returns the chat client.
func (c *Client) Chat() *chat.Client { return c.chat }

// Calls returns the call controller.
func (c *Client) Calls() *session.Controller { return c.calls }

// Sockets returns the socket manager.
func (c *Client) Sockets() *socket.Manager { return c.sockets }

// Start connects the call, chat and file channels.
func (c *Client) Start(ctx context.Context) error {
	if err := c.calls.Start(ctx); err != nil {
		return err
	}
	if err := c.chat.Start(ctx); err != nil {
		return err
	}
	id, err := c.sockets.Connect(ctx, socket.File, c.cfg.Token, c.files.HandleFrame)
	if err != nil {
		return fmt.Errorf("connect file channel: %w", err)
	}
	c.mu.Lock()
	c.fileListen = id
	c.mu.Unlock()
	util.LogSuccess("signed in as %s", c.cfg.Identity)
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call invites peer to a one-to-one call.
func (c *Client) Call(peerID string, origin session.Origin) error {
	if c.inMeeting() {
		return fmt.Errorf("call %s: %w", peerID, session.ErrBusy)
	}
	return c.calls.Call(peerID, origin)
}

// Accept answers the ringing call.
func (c *Client) Accept(ctx context.Context, origin session.Origin) error {
	return c.calls.Accept(ctx, origin)
}

// Reject declines the ringing call.
func (c *Client) Reject() error { return c.calls.Reject() }

// Hangup ends the current call.
func (c *Client) Hangup() { c.calls.Hangup() }

// startCall opens the call page: local media, the signaling channel and a
// negotiation in which the caller offers.
func (c *Client) startCall(m session.Markers) {
	if _, err := c.media.Acquire(media.Camera); err != nil && !errors.Is(err, media.ErrBusy) {
		c.ui.Notice(fmt.Sprintf("cannot start media: %v", err))
		c.calls.End("")
		return
	}

	h := signaling.New(signaling.Config{
		Local:         c.cfg.Identity,
		Endpoint:      socket.Signaling,
		Sender:        c.sockets,
		Factory:       c.factory,
		LocalTracks:   c.media.Tracks,
		ReadyTimeout:  c.cfg.ReadyTimeout,
		OnDataChannel: c.files.Attach,
		OnConnected:   c.calls.Connected,
		OnTerminate:   c.calls.PeerEnded,
	})
	c.watchStreams(h.Registry())

	c.mu.Lock()
	c.call = h
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		id, err := c.sockets.Connect(ctx, socket.Signaling, c.cfg.Token, h.HandleFrame)
		if err != nil {
			c.ui.Notice(fmt.Sprintf("cannot reach the signaling server: %v", err))
			c.calls.End("")
			return
		}

		c.mu.Lock()
		current, idle := c.call == h, c.call == nil
		if current {
			c.callListen = id
		}
		c.mu.Unlock()
		if idle {
			// the call ended while connecting
			c.sockets.Disconnect(socket.Signaling, socket.ReasonManual, id)
			return
		}
		if !current {
			c.sockets.RemoveListener(socket.Signaling, id)
			return
		}

		role := peer.Answerer
		if m.Caller {
			role = peer.Offerer
		}
		if err := h.Prepare(m.Peer, role); err != nil {
			c.ui.Notice(fmt.Sprintf("cannot start the call: %v", err))
			c.calls.End("")
			return
		}
		h.Join()
		h.Ready(m.Peer)
	}()
}

// endCall is the call teardown: tell the peer unless it ended the call,
// close the connection, release media and soft-disconnect the signaling
// channel.
func (c *Client) endCall(m session.Markers) {
	c.mu.Lock()
	h := c.call
	id := c.callListen
	c.call = nil
	c.callListen = 0
	c.mu.Unlock()

	if h != nil {
		// Closed means the peer ended it.
		if h.State(m.Peer) != signaling.Closed {
			h.Hangup(m.Peer, "call ended")
		}
		h.Close()
		c.sockets.Disconnect(socket.Signaling, socket.ReasonManual, id)
	}
	if !c.inMeeting() {
		c.media.Release()
	}
}

func (c *Client) watchStreams(reg *peer.Registry) {
	reg.OnStream(c.ui.StreamAttached)
	reg.OnDetach(c.ui.StreamDetached)
}

// ---------------------------------------------------------------------------
// Meetings
// ---------------------------------------------------------------------------

func (c *Client) inMeeting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != nil
}

// Room returns the joined meeting, or nil.
func (c *Client) Room() *meeting.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// JoinMeeting joins the meeting with the given code.
func (c *Client) JoinMeeting(ctx context.Context, code string) error {
	if c.calls.State() != session.Idle {
		return fmt.Errorf("join meeting %s: %w", code, session.ErrBusy)
	}
	c.mu.Lock()
	if c.room != nil {
		c.mu.Unlock()
		return fmt.Errorf("join meeting %s: already in meeting %s", code, c.room.Code())
	}
	c.mu.Unlock()

	if _, err := c.media.Acquire(media.Camera); err != nil {
		c.ui.Notice(fmt.Sprintf("cannot join meeting: %v", err))
		c.ui.Navigate(ScreenDashboard)
		return err
	}

	var room *meeting.Room
	room = meeting.New(meeting.Config{
		Code:          code,
		Local:         c.cfg.Identity,
		Token:         c.cfg.Token,
		Channel:       c.sockets,
		Factory:       c.factory,
		LocalTracks:   c.media.Tracks,
		ReadyTimeout:  c.cfg.ReadyTimeout,
		OnDataChannel: c.files.Attach,
		Events: meeting.Events{
			OnChat: func(m protocol.MeetingChat) {
				c.ui.ChatMessage(chat.Line{Conversation: code, Group: true, Sender: m.Sender, Text: m.Message, Timestamp: m.Timestamp})
			},
			OnJoined:      func(e string) { c.ui.Notice(e + " joined") },
			OnLeft:        func(e string) { c.ui.Notice(e + " left") },
			OnScreenShare: c.screenShared,
			OnEnded:       func() { c.meetingEnded(room) },
		},
	})
	c.watchStreams(room.Signaling().Registry())

	c.mu.Lock()
	c.room = room
	c.mu.Unlock()

	if err := room.Join(ctx); err != nil {
		c.mu.Lock()
		c.room = nil
		c.mu.Unlock()
		room.Leave()
		c.media.Release()
		c.ui.Notice(fmt.Sprintf("cannot join meeting: %v", err))
		c.ui.Navigate(ScreenDashboard)
		return err
	}
	c.ui.Navigate(ScreenMeeting)
	return nil
}

// LeaveMeeting leaves the joined meeting.
func (c *Client) LeaveMeeting() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()
	if room == nil {
		return
	}
	room.Leave()
	c.media.Release()
	c.ui.Navigate(ScreenDashboard)
}

func (c *Client) meetingEnded(room *meeting.Room) {
	c.mu.Lock()
	current := c.room == room
	if current {
		c.room = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.media.Release()
	c.ui.Notice("the meeting has ended")
	c.ui.Navigate(ScreenDashboard)
}

func (c *Client) screenShared(email string, active bool) {
	if active {
		c.ui.Notice(email + " is sharing their screen")
	} else {
		c.ui.Notice(email + " stopped sharing")
	}
}

// ShareScreen switches the local source between screen and camera, swaps
// the outgoing video on every live connection and tells the meeting.
func (c *Client) ShareScreen(active bool) error {
	kind := media.Camera
	if active {
		kind = media.Screen
	}
	tracks, err := c.media.Switch(kind)
	if err != nil {
		return err
	}

	var errs []error
	for _, reg := range c.registries() {
		for _, t := range tracks {
			if err := reg.ReplaceTrack(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if room := c.Room(); room != nil {
		room.ShareScreen(active)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// registries returns the registries of the joined meeting and the current
// call.
func (c *Client) registries() []*peer.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var regs []*peer.Registry
	if c.room != nil {
		regs = append(regs, c.room.Signaling().Registry())
	}
	if c.call != nil {
		regs = append(regs, c.call.Registry())
	}
	return regs
}

// openChannel finds the peer in the meeting or the call and returns its
// file channel.
func (c *Client) openChannel(peerID string) (rtc.DataChannel, error) {
	for _, reg := range c.registries() {
		if _, ok := reg.Get(peerID); ok {
			return reg.EnsureDataChannel(peerID)
		}
	}
	return nil, fmt.Errorf("open file channel: %w: %s", peer.ErrNoPeer, peerID)
}

func (c *Client) fileSent(to string, m protocol.Meta) {
	if room := c.Room(); room != nil {
		room.AnnounceFile(m)
	}
	c.ui.Notice(fmt.Sprintf("sent %s to %s", m.Name, to))
}

// SendFile offers the file at path to peer.
func (c *Client) SendFile(peerID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	name := filepath.Base(path)
	typ := mime.TypeByExtension(filepath.Ext(name))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return c.files.Offer(peerID, filetransfer.File{
		Meta: protocol.Meta{Name: name, Size: int64(len(data)), Type: typ},
		Data: data,
	})
}

// RespondFile accepts or declines the pending offer from peer.
func (c *Client) RespondFile(peerID string, accept bool) error {
	return c.files.Respond(peerID, accept)
}

// SaveFile writes a received file into the download directory and returns
// its path.
func (c *Client) SaveFile(id string) (string, error) {
	f, ok := c.files.Download(id)
	if !ok {
		return "", fmt.Errorf("save file %s: no longer available", id)
	}
	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	path := filepath.Join(c.cfg.DownloadDir, filepath.Base(f.Meta.Name))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return path, nil
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Logout closes every channel for good.
func (c *Client) Logout() {
	c.shutdown(socket.ReasonLogout)
}

// Close ends any call or meeting and closes every channel.
func (c *Client) Close() {
	c.shutdown(socket.ReasonShutdown)
}

func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.calls.Close()
		c.LeaveMeeting()
		c.chat.Close(reason)

		c.mu.Lock()
		id := c.fileListen
		c.mu.Unlock()
		c.sockets.Disconnect(socket.File, reason, id)

		c.files.Close()
		c.media.Release()
		c.sockets.Close()
		util.LogInfo("signed out (%s)", reason)
	})
}
