// Package rtc puts pion PeerConnections and DataChannels behind small
// interfaces so that the peer registry and the file-transfer layer can be
// driven by in-memory fakes in tests.
package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoSender is returned by ReplaceTrack when the connection sends no
// track of the requested kind.
var ErrNoSender = errors.New("no sender for track kind")

// RemoteTrack describes a media track received from a peer.
type RemoteTrack struct {
	ID       string
	Kind     string
	StreamID string
}

// Hooks are the PeerConnection events a caller may observe. Nil hooks are
// skipped. Hooks run on pion's goroutines.
type Hooks struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnTrack           func(RemoteTrack)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnDataChannel     func(DataChannel)
}

// Conn is a negotiated media/data transport with one remote party.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(webrtc.TrackLocal) error
	// ReplaceTrack swaps the outgoing track of the given kind without
	// renegotiating.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

// Message is one DataChannel message.
type Message struct {
	IsString bool
	Data     []byte
}

// DataChannel is the subset of a pion DataChannel used for file transfer.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send([]byte) error
	SendText(string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(func())
	OnOpen(func())
	OnClose(func())
	OnMessage(func(Message))
	Close() error
}

// Factory creates Conns.
type Factory interface {
	New(Hooks) (Conn, error)
}
