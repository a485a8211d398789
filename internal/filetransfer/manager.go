// Package filetransfer sends files peer-to-peer over a DataChannel. Offers
// and answers travel over the file socket channel; the payload travels as a
// file-info frame, raw chunks and a file-end frame on the peer's channel.
package filetransfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshcall/internal/clock"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/socket"
	"github.com/1ureka/meshcall/internal/util"
)

// ErrNoPendingFile is returned when responding to an offer that does not
// exist or was already answered.
var ErrNoPendingFile = errors.New("no pending file offer")

// Sender is the outbound half of the socket layer.
type Sender interface {
	Send(endpoint string, msg protocol.Message)
}

// File is a file to send.
type File struct {
	Meta protocol.Meta
	Data []byte
}

// Received is an assembled incoming file.
type Received struct {
	ID   string
	From string
	Meta protocol.Meta
	Data []byte
	At   time.Time
}

// Config wires a Manager.
type Config struct {
	Local  string
	Sender Sender

	// OpenChannel returns the file channel to peerID, reusing an open or
	// connecting one.
	OpenChannel func(peerID string) (rtc.DataChannel, error)

	Clock       clock.Clock
	ChunkSize   int
	Retention   time.Duration // how long a received file stays downloadable
	DedupWindow time.Duration // duplicate offers within this window are dropped
	OpenTimeout time.Duration

	OnOffer    func(from string, m protocol.Meta)
	OnDeclined func(to string, m protocol.Meta)
	OnSent     func(to string, m protocol.Meta)
	OnReceived func(Received)
	OnFailed   func(peerID string, err error)
}

// Manager tracks outgoing offers, incoming offers and in-progress
// reassembly, each keyed by the remote party.
type Manager struct {
	cfg Config
	log util.Logger

	mu       sync.Mutex
	outgoing map[string]File
	incoming map[string]protocol.Meta
	seen     map[uint32]clock.Timer
	partial  map[string]*assembly
	received map[string]*stored
	closed   bool
}

type stored struct {
	file  Received
	timer clock.Timer
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.ChunkSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 60 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		log:      util.Tag("file"),
		outgoing: make(map[string]File),
		incoming: make(map[string]protocol.Meta),
		seen:     make(map[uint32]clock.Timer),
		partial:  make(map[string]*assembly),
		received: make(map[string]*stored),
	}
}

// Offer proposes f to peer to. The file is streamed once the peer accepts.
func (m *Manager) Offer(to string, f File) error {
	if to == "" || protocol.SameParty(to, m.cfg.Local) {
		return fmt.Errorf("offer %s: invalid recipient %q", f.Meta.Name, to)
	}
	if f.Meta.Size == 0 {
		f.Meta.Size = int64(len(f.Data))
	}

	m.mu.Lock()
	m.outgoing[to] = f
	m.mu.Unlock()

	m.cfg.Sender.Send(socket.File, protocol.FileOffer{To: to, From: m.cfg.Local, Meta: f.Meta})
	m.log.Infof("offered %s to %s", f.Meta, to)
	return nil
}

// Pending returns the incoming offer from a peer, if any.
func (m *Manager) Pending(from string) (protocol.Meta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.incoming[from]
	return meta, ok
}

// Respond accepts or declines the pending offer from a peer.
func (m *Manager) Respond(from string, accept bool) error {
	m.mu.Lock()
	meta, ok := m.incoming[from]
	delete(m.incoming, from)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("respond to %s: %w", from, ErrNoPendingFile)
	}

	m.cfg.Sender.Send(socket.File, protocol.FileOfferResponse{To: from, From: m.cfg.Local, Accept: accept})
	if accept {
		m.log.Infof("accepted %s from %s", meta, from)
	} else {
		m.log.Infof("declined %s from %s", meta, from)
	}
	return nil
}

// HandleFrame handles one file channel frame.
func (m *Manager) HandleFrame(f protocol.Frame) {
	msg, err := protocol.DecodeFile(f)
	if err != nil {
		m.log.Debugf("ignoring %q: %v", f.Type, err)
		return
	}
	switch v := msg.(type) {
	case protocol.FileOffer:
		m.handleOffer(v)
	case protocol.FileOfferResponse:
		m.handleResponse(v)
	}
}

func (m *Manager) handleOffer(o protocol.FileOffer) {
	if o.From == "" || protocol.SameParty(o.From, m.cfg.Local) {
		return
	}
	if o.To != "" && !protocol.SameParty(o.To, m.cfg.Local) {
		return
	}

	key := util.OfferKey(o.From, o.Meta.Name, o.Meta.Size)
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		m.log.Debugf("duplicate offer of %s from %s suppressed", o.Meta, o.From)
		return
	}
	m.seen[key] = m.cfg.Clock.AfterFunc(m.cfg.DedupWindow, func() {
		m.mu.Lock()
		delete(m.seen, key)
		m.mu.Unlock()
	})
	m.incoming[o.From] = o.Meta
	m.mu.Unlock()

	m.log.Infof("%s offers %s", o.From, o.Meta)
	if m.cfg.OnOffer != nil {
		m.cfg.OnOffer(o.From, o.Meta)
	}
}

func (m *Manager) handleResponse(r protocol.FileOfferResponse) {
	if r.From == "" || protocol.SameParty(r.From, m.cfg.Local) {
		return
	}
	m.mu.Lock()
	f, ok := m.outgoing[r.From]
	delete(m.outgoing, r.From)
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("response from %s without an outstanding offer", r.From)
		return
	}

	if !r.Accept {
		m.log.Infof("%s declined %s", r.From, f.Meta)
		if m.cfg.OnDeclined != nil {
			m.cfg.OnDeclined(r.From, f.Meta)
		}
		return
	}
	go m.send(r.From, f)
}

// Download returns a received file while it is retained.
func (m *Manager) Download(id string) (Received, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.received[id]
	if !ok {
		return Received{}, false
	}
	return s.file, true
}

// Close drops every offer, partial transfer and retained file.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.seen {
		t.Stop()
	}
	for _, s := range m.received {
		s.timer.Stop()
	}
	m.outgoing = make(map[string]File)
	m.incoming = make(map[string]protocol.Meta)
	m.seen = make(map[uint32]clock.Timer)
	m.partial = make(map[string]*assembly)
	m.received = make(map[string]*stored)
}
