// Package meeting joins a multi-party meeting over the meeting channel and
// builds a mesh of peer connections from its roster.
package meeting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/util"
)

// Channel is the part of the socket layer a Room uses.
type Channel interface {
	signaling.Sender
	Connect(ctx context.Context, endpoint, token string, fn socket.Handler) (socket.ListenerID, error)
	Disconnect(endpoint, reason string, ids ...socket.ListenerID)
}

// Events are the room notifications surfaced to the UI. Nil fields are
// skipped.
type Events struct {
	OnParticipants func(participants []string)
	OnJoined       func(email string)
	OnLeft         func(email string)
	OnChat         func(protocol.MeetingChat)
	OnHistory      func([]protocol.MeetingChat)
	OnScreenShare  func(email string, active bool)
	OnEnded        func()
}

// Config wires a Room.
type Config struct {
	Code  string
	Local string
	Token string

	Channel      Channel
	Factory      rtc.Factory
	LocalTracks  func() []webrtc.TrackLocal
	ReadyTimeout time.Duration

	OnDataChannel func(peerID string, dc rtc.DataChannel)
	Events        Events
}

// Room is one joined meeting.
type Room struct {
	cfg Config
	sig *signaling.Handler
	log util.Logger

	mu       sync.Mutex
	listener socket.ListenerID
	roster   map[string]bool
	offered  map[string]bool
	joined   bool
	closed   bool
}

// New creates a Room. Nothing is sent until Join.
func New(cfg Config) *Room {
	r := &Room{
		cfg:     cfg,
		log:     util.Tag("meeting:%s", cfg.Code),
		roster:  make(map[string]bool),
		offered: make(map[string]bool),
	}
	r.sig = signaling.New(signaling.Config{
		Local:         cfg.Local,
		Endpoint:      socket.Meeting,
		MeetingCode:   cfg.Code,
		Sender:        cfg.Channel,
		Factory:       cfg.Factory,
		LocalTracks:   cfg.LocalTracks,
		ReadyTimeout:  cfg.ReadyTimeout,
		OnDataChannel: cfg.OnDataChannel,
		OnTerminate: func(peerID, reason string) {
			r.log.Debugf("%s disconnected: %s", peerID, reason)
		},
	})
	return r
}

// Code returns the meeting code.
func (r *Room) Code() string { return r.cfg.Code }

// Signaling returns the handler negotiating the room's peers.
func (r *Room) Signaling() *signaling.Handler { return r.sig }

// Join connects the meeting channel, announces the local participant and
// asks for the chat history.
func (r *Room) Join(ctx context.Context) error {
	if r.cfg.Code == "" {
		return fmt.Errorf("join meeting: empty meeting code")
	}
	id, err := r.cfg.Channel.Connect(ctx, socket.Meeting, r.cfg.Token, r.HandleFrame)
	if err != nil {
		return fmt.Errorf("join meeting %s: %w", r.cfg.Code, err)
	}

	r.mu.Lock()
	r.listener = id
	r.joined = true
	r.mu.Unlock()

	r.cfg.Channel.Send(socket.Meeting, protocol.MeetingJoin{MeetingCode: r.cfg.Code, Email: r.cfg.Local})
	r.RequestHistory()
	r.log.Infof("joined as %s", r.cfg.Local)
	return nil
}

// Leave announces departure and tears the room down.
func (r *Room) Leave() {
	r.mu.Lock()
	joined := r.joined && !r.closed
	r.mu.Unlock()
	if joined {
		r.cfg.Channel.Send(socket.Meeting, protocol.MeetingLeave{MeetingCode: r.cfg.Code, Email: r.cfg.Local})
	}
	r.close(socket.ReasonManual)
}

func (r *Room) close(reason string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	id := r.listener
	joined := r.joined
	r.roster = make(map[string]bool)
	r.offered = make(map[string]bool)
	r.mu.Unlock()

	r.sig.Close()
	if joined {
		r.cfg.Channel.Disconnect(socket.Meeting, reason, id)
	}
	r.log.Infof("left (%s)", reason)
	return true
}

// SendChat posts a chat line to the meeting.
func (r *Room) SendChat(text string) {
	if text == "" {
		return
	}
	r.cfg.Channel.Send(socket.Meeting, protocol.MeetingChat{MeetingCode: r.cfg.Code, Message: text})
}

// AnnounceFile posts a chat line describing a file sent peer-to-peer.
func (r *Room) AnnounceFile(m protocol.Meta) {
	r.cfg.Channel.Send(socket.Meeting, protocol.MeetingChat{
		MeetingCode: r.cfg.Code,
		Sender:      r.cfg.Local,
		Message:     "sent a file: " + m.Name,
		FileName:    m.Name,
		FileSize:    m.Size,
		FileType:    m.Type,
	})
}

// RequestHistory asks the server for the meeting's chat history.
func (r *Room) RequestHistory() {
	r.cfg.Channel.Send(socket.Meeting, protocol.GetMeetingHistory{})
}

// ShareScreen tells the other participants that screen sharing started or
// stopped.
func (r *Room) ShareScreen(active bool) {
	r.cfg.Channel.Send(socket.Meeting, protocol.ScreenShare{
		MeetingCode: r.cfg.Code,
		Email:       r.cfg.Local,
		Active:      active,
	})
}

// Participants returns the current roster, local identity excluded.
func (r *Room) Participants() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.roster))
	for p := range r.roster {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// HandleFrame handles one meeting channel frame.
func (r *Room) HandleFrame(f protocol.Frame) {
	msg, err := protocol.DecodeMeeting(f)
	if err != nil {
		r.log.Debugf("ignoring %q: %v", f.Type, err)
		return
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	ev := r.cfg.Events
	switch m := msg.(type) {
	case protocol.Offer, protocol.Answer, protocol.ICECandidate:
		r.sig.Handle(m)
	case protocol.ParticipantList:
		r.meet(m.Participants, true)
		if ev.OnParticipants != nil {
			ev.OnParticipants(r.Participants())
		}
	case protocol.ParticipantJoined:
		if r.meet([]string{m.Email}, false) && ev.OnJoined != nil {
			ev.OnJoined(m.Email)
		}
	case protocol.ParticipantLeft:
		r.depart(m.Email)
		if ev.OnLeft != nil {
			ev.OnLeft(m.Email)
		}
	case protocol.MeetingChat:
		if ev.OnChat != nil {
			ev.OnChat(m)
		}
	case protocol.MeetingHistory:
		if ev.OnHistory != nil {
			ev.OnHistory(m.Messages)
		}
	case protocol.ScreenShare:
		if protocol.SameParty(m.Email, r.cfg.Local) {
			return
		}
		if ev.OnScreenShare != nil {
			ev.OnScreenShare(m.Email, m.Active)
		}
	case protocol.MeetingEnded:
		if r.close("meeting ended") && ev.OnEnded != nil {
			ev.OnEnded()
		}
	}
}

// meet adds participants to the roster and starts negotiation with every
// new one this side is designated to call. A full list replaces the roster:
// anyone missing from it is torn down as if they had left. It reports whether
// anyone new was added.
func (r *Room) meet(participants []string, full bool) bool {
	var initiate, gone []string
	added := false

	r.mu.Lock()
	if full {
		present := make(map[string]bool, len(participants))
		for _, p := range participants {
			present[p] = true
		}
		for p := range r.roster {
			if !present[p] {
				gone = append(gone, p)
			}
		}
	}
	for _, p := range participants {
		if p == "" || protocol.SameParty(p, r.cfg.Local) {
			continue
		}
		if !r.roster[p] {
			r.roster[p] = true
			added = true
		}
		if !r.offered[p] && signaling.ShouldInitiate(r.cfg.Local, p) {
			r.offered[p] = true
			initiate = append(initiate, p)
		}
	}
	r.mu.Unlock()

	for _, p := range gone {
		r.depart(p)
	}
	for _, p := range initiate {
		go func(p string) {
			if err := r.sig.Initiate(context.Background(), p); err != nil {
				r.log.Warnf("offer to %s: %v", p, err)
			}
		}(p)
	}
	return added
}

func (r *Room) depart(email string) {
	r.mu.Lock()
	delete(r.roster, email)
	delete(r.offered, email)
	r.mu.Unlock()
	r.sig.Terminate(email, "left the meeting")
}
