package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/util"
)

// DefaultSTUNServers are used when no ICE servers are configured. No TURN:
// peers are expected to reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionFactory creates pion-backed Conns.
type PionFactory struct {
	STUNServers []string
}

// New creates a PeerConnection configured with the factory's STUN servers
// and wires h onto it.
func (f PionFactory) New(h Hooks) (Conn, error) {
	servers := f.STUNServers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(RemoteTrack{ID: tr.ID(), Kind: tr.Kind().String(), StreamID: tr.StreamID()})
		}
		go drainTrack(tr)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if h.OnDataChannel != nil {
			h.OnDataChannel(&pionChannel{DataChannel: dc})
		}
	})

	return &pionConn{pc: pc}, nil
}

// drainTrack reads a remote track until it ends so pion's buffers never
// fill up; the byte count feeds the traffic stats.
func drainTrack(tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := tr.Read(buf)
		if err != nil {
			return
		}
		util.Stats.AddRecv(n)
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConn) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	for _, sender := range c.pc.GetSenders() {
		if cur := sender.Track(); cur != nil && cur.Kind() == kind {
			return sender.ReplaceTrack(track)
		}
	}
	return ErrNoSender
}

// CreateDataChannel creates an ordered, reliable channel. File chunks must
// arrive in order for reassembly.
func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{DataChannel: dc}, nil
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// pionChannel adapts *webrtc.DataChannel to DataChannel.
type pionChannel struct {
	*webrtc.DataChannel
}

func (c *pionChannel) OnMessage(fn func(Message)) {
	c.DataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(Message{IsString: msg.IsString, Data: msg.Data})
	})
}
