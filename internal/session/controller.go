// Package session runs the one-to-one call lifecycle over the call channel:
// ringing, dialing, negotiation hand-off and a teardown that runs exactly
// once per call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshcall/internal/clock"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrBusy       = errors.New("already in a call")
	ErrNotRinging = errors.New("no incoming call")
)

// reasonEndCall is the close reason used for the call channel at call end.
const reasonEndCall = "end-call"

// Channel is the part of the socket layer the controller uses.
type Channel interface {
	Connect(ctx context.Context, endpoint, token string, fn socket.Handler) (socket.ListenerID, error)
	Send(endpoint string, msg protocol.Message)
	Disconnect(endpoint, reason string, ids ...socket.ListenerID)
	IsConnected(endpoint string) bool
	WaitUntilReady(ctx context.Context, endpoint string, timeout time.Duration) bool
}

// Hooks connect the controller to the rest of the client. Nil hooks are
// skipped.
type Hooks struct {
	// OnIncoming asks the user to accept or reject a call.
	OnIncoming func(from string)
	// OnNegotiate starts media negotiation once both sides agreed.
	OnNegotiate func(m Markers)
	// OnTeardown releases the call's peer connection, media and signaling.
	OnTeardown func(m Markers)
	OnNotice   func(msg string)
	OnNavigate func(screen string)
}

// Config wires a Controller.
type Config struct {
	Local string
	Token string

	Channel        Channel
	Clock          clock.Clock
	RingTimeout    time.Duration
	ReconnectDelay time.Duration
	ReadyTimeout   time.Duration

	Hooks Hooks
}

// Controller is the process-wide call session.
type Controller struct {
	cfg Config
	log util.Logger

	mu       sync.Mutex
	state    State
	markers  Markers
	ring     clock.Timer
	listener socket.ListenerID
	redial   clock.Timer
	closed   bool
}

// New creates a Controller in the idle state.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1500 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 6 * time.Second
	}
	return &Controller{cfg: cfg, log: util.Tag("call")}
}

// Start connects the call channel and registers the local identity on it.
func (c *Controller) Start(ctx context.Context) error {
	id, err := c.cfg.Channel.Connect(ctx, socket.Call, c.cfg.Token, c.HandleFrame)
	if err != nil {
		return fmt.Errorf("connect call channel: %w", err)
	}
	c.mu.Lock()
	c.listener = id
	c.mu.Unlock()
	c.cfg.Channel.Send(socket.Call, protocol.CallJoin{Email: c.cfg.Local})
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Markers returns the markers of the current call.
func (c *Controller) Markers() Markers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markers
}

// Call invites peer to a call.
func (c *Controller) Call(peer string, origin Origin) error {
	if peer == "" || protocol.SameParty(peer, c.cfg.Local) {
		return fmt.Errorf("call %q: invalid callee", peer)
	}
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("call %s: %w (%s)", peer, ErrBusy, st)
	}
	c.state = Dialing
	c.markers = Markers{Peer: peer, Caller: true, Origin: origin}
	c.mu.Unlock()

	c.cfg.Channel.Send(socket.Call, protocol.StartCall{From: c.cfg.Local, To: peer})
	c.log.Infof("calling %s", peer)
	return nil
}

// Accept answers the ringing call.
func (c *Controller) Accept(ctx context.Context, origin Origin) error {
	c.mu.Lock()
	if c.state != Ringing {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.stopRing()
	c.state = Negotiating
	c.markers.Caller = false
	c.markers.Origin = origin
	m := c.markers
	c.mu.Unlock()

	if !c.cfg.Channel.IsConnected(socket.Call) {
		c.cfg.Channel.WaitUntilReady(ctx, socket.Call, c.cfg.ReadyTimeout)
	}
	c.cfg.Channel.Send(socket.Call, protocol.AcceptCall{From: c.cfg.Local, To: m.Peer})
	c.log.Infof("accepted call from %s", m.Peer)
	c.negotiate(m)
	return nil
}

// Reject declines the ringing call.
func (c *Controller) Reject() error {
	c.mu.Lock()
	if c.state != Ringing {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.stopRing()
	peer := c.markers.Peer
	c.state = Idle
	c.markers = Markers{}
	c.mu.Unlock()

	c.cfg.Channel.Send(socket.Call, protocol.RejectCall{From: c.cfg.Local, To: peer})
	c.log.Infof("rejected call from %s", peer)
	return nil
}

// Hangup ends the current call from the local side.
func (c *Controller) Hangup() {
	c.mu.Lock()
	peer := c.markers.Peer
	st := c.state
	c.mu.Unlock()

	switch st {
	case Dialing, Negotiating, Active:
		c.cfg.Channel.Send(socket.Call, protocol.Hangup{From: c.cfg.Local, To: peer})
		c.End("")
	case Ringing:
		c.Reject()
	}
}

// Connected reports that media with peer is flowing.
func (c *Controller) Connected(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Negotiating && protocol.SameParty(peer, c.markers.Peer) {
		c.state = Active
		c.log.Infof("in call with %s", peer)
	}
}

// PeerEnded reports that the negotiation with peer was terminated.
func (c *Controller) PeerEnded(peer, reason string) {
	c.mu.Lock()
	current := c.markers.Peer != "" && protocol.SameParty(peer, c.markers.Peer)
	c.mu.Unlock()
	if current {
		c.End(reason)
	}
}

// End tears the current call down. However many end signals arrive, only
// the first runs the teardown, shows notice and navigates back to the
// call's origin. It reports whether this call did so.
func (c *Controller) End(notice string) bool {
	c.mu.Lock()
	if c.state == Idle || c.state == Ending {
		c.mu.Unlock()
		c.log.Debugf("end (%q) ignored, call already over", notice)
		return false
	}
	c.state = Ending
	c.stopRing()
	m := c.markers
	id := c.listener
	c.mu.Unlock()

	h := c.cfg.Hooks
	if h.OnTeardown != nil {
		h.OnTeardown(m)
	}
	if notice != "" && h.OnNotice != nil {
		h.OnNotice(notice)
	}
	c.cycleChannel(id)
	if m.Origin != "" && h.OnNavigate != nil {
		h.OnNavigate(string(m.Origin))
	}

	c.mu.Lock()
	c.markers = Markers{}
	c.state = Idle
	c.mu.Unlock()
	c.log.Infof("call with %s ended", m.Peer)
	return true
}

// cycleChannel drops the call channel and reconnects it after a delay so
// the next call starts on a fresh connection.
func (c *Controller) cycleChannel(id socket.ListenerID) {
	c.cfg.Channel.Disconnect(socket.Call, reasonEndCall, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.redial != nil {
		c.redial.Stop()
	}
	c.redial = c.cfg.Clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadyTimeout)
		defer cancel()
		if err := c.Start(ctx); err != nil {
			c.log.Warnf("reconnect call channel: %v", err)
		}
	})
}

// HandleFrame handles one call channel frame.
func (c *Controller) HandleFrame(f protocol.Frame) {
	msg, err := protocol.DecodeCall(f)
	if err != nil {
		c.log.Debugf("ignoring %q: %v", f.Type, err)
		return
	}
	switch m := msg.(type) {
	case protocol.IncomingCall:
		c.incoming(m.From)
	case protocol.AcceptCall:
		c.accepted(m.From)
	case protocol.RejectCall:
		if c.fromPeer(m.From) {
			c.End(m.From + " declined the call")
		}
	case protocol.Hangup:
		if c.fromPeer(m.From) {
			c.End("call ended")
		}
	}
}

func (c *Controller) fromPeer(from string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return from != "" && protocol.SameParty(from, c.markers.Peer)
}

func (c *Controller) incoming(from string) {
	if from == "" || protocol.SameParty(from, c.cfg.Local) {
		return
	}
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		c.log.Warnf("call from %s ignored while %s", from, st)
		return
	}
	c.state = Ringing
	c.markers = Markers{Peer: from}
	c.ring = c.cfg.Clock.AfterFunc(c.cfg.RingTimeout, func() {
		if err := c.Reject(); err == nil {
			c.log.Infof("call from %s not answered, declined", from)
		}
	})
	c.mu.Unlock()

	c.log.Infof("incoming call from %s", from)
	if c.cfg.Hooks.OnIncoming != nil {
		c.cfg.Hooks.OnIncoming(from)
	}
}

func (c *Controller) accepted(from string) {
	c.mu.Lock()
	if c.state != Dialing || !protocol.SameParty(from, c.markers.Peer) {
		st := c.state
		c.mu.Unlock()
		c.log.Debugf("accept from %s ignored while %s", from, st)
		return
	}
	c.state = Negotiating
	m := c.markers
	c.mu.Unlock()

	c.log.Infof("%s accepted", from)
	c.negotiate(m)
}

func (c *Controller) negotiate(m Markers) {
	if c.cfg.Hooks.OnNavigate != nil {
		c.cfg.Hooks.OnNavigate(ScreenCall)
	}
	if c.cfg.Hooks.OnNegotiate != nil {
		c.cfg.Hooks.OnNegotiate(m)
	}
}

// stopRing cancels the auto-decline countdown. Caller holds c.mu.
func (c *Controller) stopRing() {
	if c.ring != nil {
		c.ring.Stop()
		c.ring = nil
	}
}

// Close ends any call and stops reconnecting the call channel.
func (c *Controller) Close() {
	c.End("")
	c.mu.Lock()
	c.closed = true
	if c.redial != nil {
		c.redial.Stop()
	}
	id := c.listener
	c.mu.Unlock()
	c.cfg.Channel.Disconnect(socket.Call, socket.ReasonShutdown, id)
}
