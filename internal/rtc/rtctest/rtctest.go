// Package rtctest provides in-memory Conn and DataChannel fakes. Conns made
// by factories sharing one Network find each other through the SDP they
// exchange, so two simulated parties can negotiate end to end.
package rtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/rtc"
)

// Compile-time interface checks.
var (
	_ rtc.Factory     = (*Factory)(nil)
	_ rtc.Conn        = (*Conn)(nil)
	_ rtc.DataChannel = (*DataChannel)(nil)
)

// Network links fake Conns and delivers every event on one goroutine, in
// the order it was posted.
type Network struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	nextID int

	events chan func()
	done   chan struct{}
	once   sync.Once

	qmu     sync.Mutex
	drained *sync.Cond
	queued  int
}

// NewNetwork starts the event loop. Call Close when done.
func NewNetwork() *Network {
	n := &Network{
		conns:  make(map[string]*Conn),
		events: make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	n.drained = sync.NewCond(&n.qmu)
	go n.loop()
	return n
}

func (n *Network) loop() {
	for {
		select {
		case fn := <-n.events:
			fn()
			n.qmu.Lock()
			n.queued--
			if n.queued == 0 {
				n.drained.Broadcast()
			}
			n.qmu.Unlock()
		case <-n.done:
			return
		}
	}
}

func (n *Network) post(fn func()) {
	n.qmu.Lock()
	n.queued++
	n.qmu.Unlock()
	select {
	case n.events <- fn:
	case <-n.done:
	}
}

// Flush blocks until every event posted so far, and every event those
// events posted, has been delivered. It must not be called from a hook.
func (n *Network) Flush() {
	n.qmu.Lock()
	defer n.qmu.Unlock()
	for n.queued > 0 {
		select {
		case <-n.done:
			return
		default:
		}
		n.drained.Wait()
	}
}

// Close stops the event loop.
func (n *Network) Close() {
	n.once.Do(func() {
		close(n.done)
		n.qmu.Lock()
		n.drained.Broadcast()
		n.qmu.Unlock()
	})
}

// Factory creates fake Conns on a Network.
type Factory struct {
	Net *Network

	mu    sync.Mutex
	conns []*Conn
	Err   error // returned by New when set
}

// NewFactory returns a Factory on net.
func NewFactory(net *Network) *Factory {
	return &Factory{Net: net}
}

func (f *Factory) New(h rtc.Hooks) (rtc.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	n := f.Net
	n.mu.Lock()
	n.nextID++
	c := &Conn{
		ID:    fmt.Sprintf("conn%d", n.nextID),
		net:   n,
		hooks: h,
		state: webrtc.SignalingStateStable,
	}
	n.conns[c.ID] = c
	n.mu.Unlock()

	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every Conn created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently created Conn, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn is a fake PeerConnection with a faithful signaling-state machine.
type Conn struct {
	ID string

	net   *Network
	hooks rtc.Hooks

	mu          sync.Mutex
	state       webrtc.SignalingState
	remote      *Conn
	connected   bool
	closed      bool
	offers      int
	iceRestarts int
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	channels    []*DataChannel // created locally
	received    []*DataChannel // announced by the remote
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	c.offers++
	if iceRestart {
		c.iceRestarts++
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake:%s:offer%d", c.ID, c.offers),
	}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer in state %s", c.state)
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake:%s:answer", c.ID),
	}, nil
}

func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveLocalOffer
	case sdp.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	case sdp.Type == webrtc.SDPTypeRollback && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("SetLocalDescription(%s) in state %s", sdp.Type, c.state)
	}
	return nil
}

func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveRemoteOffer
		c.mu.Unlock()
		c.link(sdp.SDP)
		return nil
	case sdp.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
		c.mu.Unlock()
		c.link(sdp.SDP)
		c.connect()
		return nil
	}
	state := c.state
	c.mu.Unlock()
	return fmt.Errorf("SetRemoteDescription(%s) in state %s", sdp.Type, state)
}

// link pairs c with the Conn that produced sdp and announces the channels
// c's remote created so far.
func (c *Conn) link(sdp string) {
	parts := strings.Split(sdp, ":")
	if len(parts) < 2 || parts[0] != "fake" {
		return
	}
	c.net.mu.Lock()
	other := c.net.conns[parts[1]]
	c.net.mu.Unlock()
	if other == nil || other == c {
		return
	}

	c.mu.Lock()
	if c.remote == other {
		c.mu.Unlock()
		return
	}
	c.remote = other
	c.mu.Unlock()

	other.mu.Lock()
	other.remote = c
	pending := append([]*DataChannel(nil), other.channels...)
	other.mu.Unlock()

	for _, dc := range pending {
		dc.announce(c)
	}
}

// connect marks both ends connected and opens every paired channel.
func (c *Conn) connect() {
	c.mu.Lock()
	other := c.remote
	c.connected = true
	c.mu.Unlock()
	if other == nil {
		return
	}
	other.mu.Lock()
	other.connected = true
	other.mu.Unlock()

	for _, side := range []*Conn{c, other} {
		side.emitState(webrtc.PeerConnectionStateConnected)
		for _, dc := range side.Channels() {
			dc.open()
		}
	}
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

// ReplaceTrack swaps the first local track of kind, like a pion sender.
func (c *Conn) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tracks {
		if t.Kind() == kind {
			c.tracks[i] = track
			return nil
		}
	}
	return rtc.ErrNoSender
}

func (c *Conn) CreateDataChannel(label string) (rtc.DataChannel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("closed")
	}
	dc := &DataChannel{label: label, net: c.net, state: webrtc.DataChannelStateConnecting}
	c.channels = append(c.channels, dc)
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		dc.announce(remote)
	}
	return dc, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	channels := append(append([]*DataChannel(nil), c.channels...), c.received...)
	c.mu.Unlock()

	for _, dc := range channels {
		dc.Close()
	}
	c.emitState(webrtc.PeerConnectionStateClosed)
	return nil
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// EmitCandidate fires the OnICECandidate hook.
func (c *Conn) EmitCandidate(candidate webrtc.ICECandidateInit) {
	if fn := c.hooks.OnICECandidate; fn != nil {
		c.net.post(func() { fn(candidate) })
	}
}

// EmitTrack fires the OnTrack hook.
func (c *Conn) EmitTrack(t rtc.RemoteTrack) {
	if fn := c.hooks.OnTrack; fn != nil {
		c.net.post(func() { fn(t) })
	}
}

func (c *Conn) emitState(s webrtc.PeerConnectionState) {
	if fn := c.hooks.OnConnectionState; fn != nil {
		c.net.post(func() { fn(s) })
	}
}

// EmitState fires the OnConnectionState hook.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) { c.emitState(s) }

// Candidates returns the remote candidates added so far.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Tracks returns the local tracks added so far.
func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Channels returns the DataChannels created locally.
func (c *Conn) Channels() []*DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DataChannel(nil), c.channels...)
}

// Offers reports how many offers were created, and how many of them were
// ICE restarts.
func (c *Conn) Offers() (total, iceRestarts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, c.iceRestarts
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsConnected reports whether negotiation with a linked Conn completed.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
