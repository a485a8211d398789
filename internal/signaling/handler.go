// Package signaling drives peer negotiation from inbound offer, answer and
// ICE messages. It owns the session's peer.Registry and guards every step
// against stale and duplicate messages.
package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/util"
)

// Sender is the outbound half of the socket layer.
type Sender interface {
	Send(endpoint string, msg protocol.Message)
	WaitUntilReady(ctx context.Context, endpoint string, timeout time.Duration) bool
}

// Config wires a Handler.
type Config struct {
	Local string

	// Endpoint carries the negotiation messages. MeetingCode, when set, is
	// stamped on every outbound negotiation message.
	Endpoint    string
	MeetingCode string

	Sender       Sender
	Factory      rtc.Factory
	LocalTracks  func() []webrtc.TrackLocal
	ReadyTimeout time.Duration

	OnDataChannel func(peerID string, dc rtc.DataChannel)
	OnConnected   func(peerID string)

	// OnTerminate runs once per terminated negotiation, however many
	// termination signals arrive.
	OnTerminate func(peerID, reason string)
}

// Handler is the per-session negotiation state machine.
type Handler struct {
	cfg Config
	reg *peer.Registry
	log util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex // serializes description changes

	mu      sync.Mutex
	states  map[string]State
	roles   map[string]peer.Role // expected role per peer
	ended   map[string]bool
	echoed  map[string]bool // answerer already re-sent ready
	pending map[string][]webrtc.ICECandidateInit
}

// New creates a Handler and its peer registry.
func New(cfg Config) *Handler {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 6 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:     cfg,
		log:     util.Tag("signal:%s", cfg.Endpoint),
		ctx:     ctx,
		cancel:  cancel,
		states:  make(map[string]State),
		roles:   make(map[string]peer.Role),
		ended:   make(map[string]bool),
		echoed:  make(map[string]bool),
		pending: make(map[string][]webrtc.ICECandidateInit),
	}
	h.reg = peer.NewRegistry(peer.Config{
		Local:         cfg.Local,
		Factory:       cfg.Factory,
		LocalTracks:   cfg.LocalTracks,
		OnCandidate:   h.sendCandidate,
		OnFailed:      func(id string) { go h.restartICE(id) },
		OnState:       h.connectionState,
		OnDataChannel: cfg.OnDataChannel,
	})
	return h
}

// Registry returns the registry owned by h.
func (h *Handler) Registry() *peer.Registry { return h.reg }

// ShouldInitiate is the mesh tie-break: of any two parties exactly one sees
// true, so exactly one side sends the offer.
func ShouldInitiate(local, remote string) bool {
	return local < remote
}

// State returns the negotiation state for peerID.
func (h *Handler) State(peerID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[peerID]
}

func (h *Handler) setState(peerID string, s State) {
	h.mu.Lock()
	prev := h.states[peerID]
	h.states[peerID] = s
	h.mu.Unlock()
	if prev != s {
		h.log.Debugf("%s: %s -> %s", peerID, prev, s)
	}
}

// entry returns the entry for peerID, creating it with role. A fresh entry
// starts a fresh negotiation.
func (h *Handler) entry(peerID string, role peer.Role) (*peer.Entry, error) {
	e, created, err := h.reg.GetOrCreate(peerID, role)
	if err != nil {
		return nil, err
	}
	if created {
		h.mu.Lock()
		delete(h.ended, peerID)
		delete(h.echoed, peerID)
		delete(h.pending, peerID)
		h.states[peerID] = Idle
		h.mu.Unlock()
	}
	return e, nil
}

// Join announces the local identity on the negotiation channel.
func (h *Handler) Join() {
	h.cfg.Sender.Send(h.cfg.Endpoint, protocol.SignalJoin{From: h.cfg.Local})
}

// Prepare creates the entry for peerID ahead of negotiation. A peer prepared
// as Offerer receives an offer as soon as it reports peer-ready.
func (h *Handler) Prepare(peerID string, role peer.Role) error {
	if _, err := h.entry(peerID, role); err != nil {
		return err
	}
	h.mu.Lock()
	h.roles[peerID] = role
	h.mu.Unlock()
	return nil
}

// Ready tells peerID that the local side can negotiate.
func (h *Handler) Ready(peerID string) {
	if peerID == "" || protocol.SameParty(peerID, h.cfg.Local) {
		h.log.Warnf("skip ready to missing or local target %q", peerID)
		return
	}
	h.cfg.Sender.Send(h.cfg.Endpoint, protocol.Ready{From: h.cfg.Local, To: peerID})
}

// Initiate creates an offer for peerID and sends it once the negotiation
// channel is ready. If the session moved on meanwhile, the offer is dropped.
func (h *Handler) Initiate(ctx context.Context, peerID string) error {
	e, err := h.entry(peerID, peer.Offerer)
	if err != nil {
		return err
	}

	h.opMu.Lock()
	if st := e.Conn.SignalingState(); st != webrtc.SignalingStateStable {
		h.opMu.Unlock()
		h.log.Debugf("%s: offer skipped in signaling state %s", peerID, st)
		return nil
	}
	offer, err := e.Conn.CreateOffer(false)
	if err == nil {
		err = e.Conn.SetLocalDescription(offer)
	}
	h.opMu.Unlock()
	if err != nil {
		return fmt.Errorf("offer to %s: %w", peerID, err)
	}
	h.setState(peerID, OfferSent)

	return h.sendWhenReady(ctx, e, protocol.Offer{
		From:        h.cfg.Local,
		To:          peerID,
		SDP:         protocol.SDP(offer.SDP),
		MeetingCode: h.cfg.MeetingCode,
	})
}

func (h *Handler) sendWhenReady(ctx context.Context, e *peer.Entry, msg protocol.Message) error {
	if !h.cfg.Sender.WaitUntilReady(ctx, h.cfg.Endpoint, h.cfg.ReadyTimeout) {
		return fmt.Errorf("%s to %s: channel %s not ready", msg.MessageType(), e.PeerID, h.cfg.Endpoint)
	}
	if !h.reg.Current(e) {
		h.log.Debugf("%s: %s abandoned, session moved on", e.PeerID, msg.MessageType())
		return nil
	}
	h.cfg.Sender.Send(h.cfg.Endpoint, msg)
	return nil
}

// restartICE renegotiates a failed connection. Only the offerer restarts.
func (h *Handler) restartICE(peerID string) {
	e, ok := h.reg.Get(peerID)
	if !ok || e.Role != peer.Offerer {
		return
	}

	h.opMu.Lock()
	if e.Conn.SignalingState() != webrtc.SignalingStateStable {
		h.opMu.Unlock()
		return
	}
	offer, err := e.Conn.CreateOffer(true)
	if err == nil {
		err = e.Conn.SetLocalDescription(offer)
	}
	h.opMu.Unlock()
	if err != nil {
		h.log.Warnf("%s: ICE restart failed: %v", peerID, err)
		return
	}

	h.log.Infof("%s: connection failed, restarting ICE", peerID)
	h.setState(peerID, OfferSent)
	if err := h.sendWhenReady(h.ctx, e, protocol.Offer{
		From:        h.cfg.Local,
		To:          peerID,
		SDP:         protocol.SDP(offer.SDP),
		MeetingCode: h.cfg.MeetingCode,
	}); err != nil {
		h.log.Warnf("%v", err)
	}
}

func (h *Handler) sendCandidate(to string, c webrtc.ICECandidateInit) {
	h.cfg.Sender.Send(h.cfg.Endpoint, protocol.ICECandidate{
		From:        h.cfg.Local,
		To:          to,
		Candidate:   c,
		MeetingCode: h.cfg.MeetingCode,
	})
}

func (h *Handler) connectionState(peerID string, s webrtc.PeerConnectionState) {
	if s != webrtc.PeerConnectionStateConnected {
		return
	}
	h.setState(peerID, Connected)
	if h.cfg.OnConnected != nil {
		h.cfg.OnConnected(peerID)
	}
}

// Hangup tells peerID the call is over and tears down locally.
func (h *Handler) Hangup(peerID, reason string) {
	if peerID != "" && !protocol.SameParty(peerID, h.cfg.Local) {
		h.cfg.Sender.Send(h.cfg.Endpoint, protocol.EndCall{From: h.cfg.Local, To: peerID})
	}
	h.Terminate(peerID, reason)
}

// Terminate tears down the negotiation with peerID. Only the first call per
// negotiation has any effect; it reports whether this call was the one.
func (h *Handler) Terminate(peerID, reason string) bool {
	h.mu.Lock()
	if h.ended[peerID] {
		h.mu.Unlock()
		h.log.Debugf("%s: duplicate termination (%s) ignored", peerID, reason)
		return false
	}
	h.ended[peerID] = true
	h.states[peerID] = Closed
	delete(h.roles, peerID)
	delete(h.echoed, peerID)
	delete(h.pending, peerID)
	h.mu.Unlock()

	h.reg.Remove(peerID)
	h.log.Infof("%s: negotiation closed (%s)", peerID, reason)
	if h.cfg.OnTerminate != nil {
		h.cfg.OnTerminate(peerID, reason)
	}
	return true
}

// Close tears down every peer without notifying anyone.
func (h *Handler) Close() {
	h.cancel()
	h.mu.Lock()
	for id := range h.states {
		h.ended[id] = true
		h.states[id] = Closed
	}
	h.mu.Unlock()
	h.reg.Close()
}
