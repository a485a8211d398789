// Package peer owns every PeerConnection of a session, keyed by the remote
// party's identifier. At most one entry exists per remote party; a second
// request for the same party reuses the existing entry.
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/util"
)

// FileChannelLabel is the label of the file-transfer DataChannel.
const FileChannelLabel = "fileChannel"

var (
	ErrSelfPeer = errors.New("peer is the local identity")
	ErrNoPeer   = errors.New("no such peer")
)

// Role is the local side's part in the current negotiation.
type Role int

const (
	Offerer Role = iota + 1
	Answerer
)

func (r Role) String() string {
	switch r {
	case Offerer:
		return "offerer"
	case Answerer:
		return "answerer"
	}
	return "unknown"
}

// RenderTarget is the handle under which a peer's remote media is shown.
type RenderTarget string

// TargetFor returns the render target of peerID.
func TargetFor(peerID string) RenderTarget {
	return RenderTarget("remote:" + peerID)
}

// Config wires a Registry to the rest of the session.
type Config struct {
	Local   string
	Factory rtc.Factory

	// LocalTracks returns the tracks attached to every new connection.
	LocalTracks func() []webrtc.TrackLocal

	// OnCandidate forwards a locally gathered candidate to the peer. It is
	// never called for an empty or local recipient.
	OnCandidate func(to string, c webrtc.ICECandidateInit)

	// OnFailed runs when a connection reaches the failed state.
	OnFailed func(peerID string)

	// OnState observes every connection state change.
	OnState func(peerID string, s webrtc.PeerConnectionState)

	// OnDataChannel runs whenever an entry adopts a file-transfer channel,
	// created locally or received from the peer.
	OnDataChannel func(peerID string, dc rtc.DataChannel)
}

// Entry is one peer connection and its attached state.
type Entry struct {
	PeerID string
	Role   Role
	Conn   rtc.Conn

	mu      sync.Mutex
	dc      rtc.DataChannel
	streams []rtc.RemoteTrack
	state   webrtc.PeerConnectionState
}

// DataChannel returns the entry's file-transfer channel, or nil.
func (e *Entry) DataChannel() rtc.DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dc
}

// Streams returns the remote tracks received so far.
func (e *Entry) Streams() []rtc.RemoteTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rtc.RemoteTrack(nil), e.streams...)
}

// State returns the last observed connection state.
func (e *Entry) State() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registry is the sole owner of the session's peer connections.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry

	subMu    sync.Mutex
	onStream []func(peerID string, target RenderTarget, track rtc.RemoteTrack)
	onDetach []func(peerID string, target RenderTarget)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, entries: make(map[string]*Entry)}
}

// Local returns the local identity.
func (r *Registry) Local() string { return r.cfg.Local }

// OnStream subscribes fn to remote streams being attached to a render target.
func (r *Registry) OnStream(fn func(peerID string, target RenderTarget, track rtc.RemoteTrack)) {
	r.subMu.Lock()
	r.onStream = append(r.onStream, fn)
	r.subMu.Unlock()
}

// OnDetach subscribes fn to render targets being released.
func (r *Registry) OnDetach(fn func(peerID string, target RenderTarget)) {
	r.subMu.Lock()
	r.onDetach = append(r.onDetach, fn)
	r.subMu.Unlock()
}

// GetOrCreate returns the entry for peerID, creating it with role if absent.
// created reports whether a new entry was made. An existing entry keeps its
// original role.
func (r *Registry) GetOrCreate(peerID string, role Role) (e *Entry, created bool, err error) {
	if peerID == "" || protocol.SameParty(peerID, r.cfg.Local) {
		return nil, false, fmt.Errorf("%w: %q", ErrSelfPeer, peerID)
	}

	r.mu.Lock()
	if e, ok := r.entries[peerID]; ok {
		r.mu.Unlock()
		return e, false, nil
	}
	e, err = r.create(peerID, role)
	r.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	util.Stats.AddPeer()
	util.Tag("peer:%s", peerID).Debugf("created as %s", role)

	if dc := e.DataChannel(); dc != nil && r.cfg.OnDataChannel != nil {
		r.cfg.OnDataChannel(peerID, dc)
	}
	return e, true, nil
}

// create builds and registers a new entry. Caller holds r.mu.
func (r *Registry) create(peerID string, role Role) (*Entry, error) {
	e := &Entry{PeerID: peerID, Role: role, state: webrtc.PeerConnectionStateNew}

	conn, err := r.cfg.Factory.New(rtc.Hooks{
		OnICECandidate:    func(c webrtc.ICECandidateInit) { r.forwardCandidate(e, c) },
		OnTrack:           func(t rtc.RemoteTrack) { r.attachTrack(e, t) },
		OnConnectionState: func(s webrtc.PeerConnectionState) { r.stateChanged(e, s) },
		OnDataChannel:     func(dc rtc.DataChannel) { r.adoptChannel(e, dc) },
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", peerID, err)
	}
	e.Conn = conn

	if r.cfg.LocalTracks != nil {
		for _, t := range r.cfg.LocalTracks() {
			if err := conn.AddTrack(t); err != nil {
				util.Tag("peer:%s", peerID).Warnf("add local track %s: %v", t.ID(), err)
			}
		}
	}

	// Only the offerer opens the file channel; the answerer adopts it from
	// the OnDataChannel hook.
	if role == Offerer {
		dc, err := conn.CreateDataChannel(FileChannelLabel)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create file channel for %s: %w", peerID, err)
		}
		e.dc = dc
	}

	r.entries[peerID] = e
	return e, nil
}

// Get returns the entry for peerID.
func (r *Registry) Get(peerID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peerID]
	return e, ok
}

// Current reports whether e is still the live entry for its peer. Hooks and
// async continuations check this before applying results.
func (r *Registry) Current(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e != nil && r.entries[e.PeerID] == e
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Peers returns the identifiers of every entry, sorted.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// EnsureDataChannel returns the file channel to peerID, reusing one that is
// open or still connecting, and creating one otherwise.
func (r *Registry) EnsureDataChannel(peerID string) (rtc.DataChannel, error) {
	e, ok := r.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPeer, peerID)
	}

	e.mu.Lock()
	if e.dc != nil && usable(e.dc) {
		dc := e.dc
		e.mu.Unlock()
		return dc, nil
	}
	dc, err := e.Conn.CreateDataChannel(FileChannelLabel)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("create file channel for %s: %w", peerID, err)
	}
	e.dc = dc
	e.mu.Unlock()

	util.Tag("peer:%s", peerID).Debugf("created file channel lazily")
	if r.cfg.OnDataChannel != nil {
		r.cfg.OnDataChannel(peerID, dc)
	}
	return dc, nil
}

// ReplaceTrack puts track in place of the outgoing track of the same kind on
// every connection. Connections without such a track are skipped.
func (r *Registry) ReplaceTrack(track webrtc.TrackLocal) error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		err := e.Conn.ReplaceTrack(track.Kind(), track)
		if err != nil && !errors.Is(err, rtc.ErrNoSender) {
			errs = append(errs, fmt.Errorf("replace %s track for %s: %w", track.Kind(), e.PeerID, err))
		}
	}
	return errors.Join(errs...)
}

func usable(dc rtc.DataChannel) bool {
	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen, webrtc.DataChannelStateConnecting:
		return true
	}
	return false
}

// Remove closes the connection to peerID, detaches its render target and
// deletes the entry. Removing an absent peer is a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	e, ok := r.entries[peerID]
	if ok {
		delete(r.entries, peerID)
	}
	r.mu.Unlock()

	if ok {
		r.teardown(e)
	}
}

// Close removes every entry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.teardown(e)
	}
}

func (r *Registry) teardown(e *Entry) {
	e.mu.Lock()
	dc := e.dc
	e.dc = nil
	hadStreams := len(e.streams) > 0
	e.streams = nil
	e.mu.Unlock()

	var errs []error
	if dc != nil {
		errs = append(errs, dc.Close())
	}
	errs = append(errs, e.Conn.Close())
	if err := errors.Join(errs...); err != nil {
		util.Tag("peer:%s", e.PeerID).Warnf("close: %v", err)
	}
	util.Stats.RemovePeer()

	if hadStreams {
		target := TargetFor(e.PeerID)
		r.subMu.Lock()
		subs := append([]func(string, RenderTarget){}, r.onDetach...)
		r.subMu.Unlock()
		for _, fn := range subs {
			fn(e.PeerID, target)
		}
	}
	util.Tag("peer:%s", e.PeerID).Debugf("removed")
}

// ---------------------------------------------------------------------------
// Connection hooks
// ---------------------------------------------------------------------------

func (r *Registry) forwardCandidate(e *Entry, c webrtc.ICECandidateInit) {
	to := e.PeerID
	if to == "" || protocol.SameParty(to, r.cfg.Local) {
		util.Tag("peer:%s", to).Debugf("candidate for missing or local recipient discarded")
		return
	}
	if !r.Current(e) || r.cfg.OnCandidate == nil {
		return
	}
	r.cfg.OnCandidate(to, c)
}

func (r *Registry) attachTrack(e *Entry, t rtc.RemoteTrack) {
	if !r.Current(e) {
		return
	}
	e.mu.Lock()
	e.streams = append(e.streams, t)
	e.mu.Unlock()

	target := TargetFor(e.PeerID)
	util.Tag("peer:%s", e.PeerID).Debugf("remote %s track %s -> %s", t.Kind, t.ID, target)

	r.subMu.Lock()
	subs := append([]func(string, RenderTarget, rtc.RemoteTrack){}, r.onStream...)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(e.PeerID, target, t)
	}
}

func (r *Registry) stateChanged(e *Entry, s webrtc.PeerConnectionState) {
	if !r.Current(e) {
		return
	}
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	util.Tag("peer:%s", e.PeerID).Debugf("connection state: %s", s)
	if r.cfg.OnState != nil {
		r.cfg.OnState(e.PeerID, s)
	}
	if s == webrtc.PeerConnectionStateFailed && r.cfg.OnFailed != nil {
		r.cfg.OnFailed(e.PeerID)
	}
}

// adoptChannel takes an incoming channel unless an open one already exists,
// in which case the duplicate is closed.
func (r *Registry) adoptChannel(e *Entry, dc rtc.DataChannel) {
	log := util.Tag("peer:%s", e.PeerID)
	if dc.Label() != FileChannelLabel {
		log.Debugf("ignoring data channel %q", dc.Label())
		return
	}
	if !r.Current(e) {
		dc.Close()
		return
	}

	e.mu.Lock()
	if e.dc != nil && e.dc.ReadyState() == webrtc.DataChannelStateOpen {
		e.mu.Unlock()
		log.Warnf("duplicate incoming file channel closed")
		dc.Close()
		return
	}
	e.dc = dc
	e.mu.Unlock()

	if r.cfg.OnDataChannel != nil {
		r.cfg.OnDataChannel(e.PeerID, dc)
	}
}
