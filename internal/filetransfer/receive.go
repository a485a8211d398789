package filetransfer

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/util"
)

type assembly struct {
	meta   protocol.Meta
	chunks [][]byte
	size   int
}

// Attach starts receiving files from peerID on dc. It is called for every
// file channel a peer entry adopts, on either side.
func (m *Manager) Attach(peerID string, dc rtc.DataChannel) {
	dc.OnMessage(func(msg rtc.Message) { m.handleMessage(peerID, msg) })
	dc.OnClose(func() {
		m.mu.Lock()
		a, ok := m.partial[peerID]
		delete(m.partial, peerID)
		m.mu.Unlock()
		if ok {
			m.log.Warnf("channel to %s closed mid-transfer, %s lost", peerID, a.meta)
		}
	})
}

func (m *Manager) handleMessage(from string, msg rtc.Message) {
	if !msg.IsString {
		m.appendChunk(from, msg.Data)
		return
	}

	c, err := protocol.DecodeControl(msg.Data)
	if err != nil {
		m.log.Warnf("from %s: %v", from, err)
		return
	}
	switch c.Type {
	case protocol.ControlFileInfo:
		m.mu.Lock()
		if prev, ok := m.partial[from]; ok {
			m.log.Warnf("%s restarted before finishing %s", from, prev.meta)
		}
		m.partial[from] = &assembly{meta: *c.Meta}
		m.mu.Unlock()
		m.log.Debugf("receiving %s from %s", c.Meta, from)
	case protocol.ControlFileEnd:
		m.finish(from)
	}
}

// appendChunk stores a chunk. Chunks that arrive before file-info are
// dropped.
func (m *Manager) appendChunk(from string, data []byte) {
	m.mu.Lock()
	a, ok := m.partial[from]
	if ok {
		a.chunks = append(a.chunks, append([]byte(nil), data...))
		a.size += len(data)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warnf("chunk from %s without file-info dropped", from)
		return
	}
	util.Stats.AddRecv(len(data))
}

func (m *Manager) finish(from string) {
	m.mu.Lock()
	a, ok := m.partial[from]
	delete(m.partial, from)
	if !ok || m.closed {
		m.mu.Unlock()
		if !ok {
			m.log.Warnf("file-end from %s without file-info", from)
		}
		return
	}

	file := Received{
		ID:   uuid.NewString(),
		From: from,
		Meta: a.meta,
		Data: bytes.Join(a.chunks, nil),
		At:   m.cfg.Clock.Now(),
	}
	id := file.ID
	m.received[id] = &stored{
		file: file,
		timer: m.cfg.Clock.AfterFunc(m.cfg.Retention, func() {
			m.mu.Lock()
			delete(m.received, id)
			m.mu.Unlock()
			m.log.Debugf("released %s", id)
		}),
	}
	m.mu.Unlock()

	if int64(len(file.Data)) != a.meta.Size {
		m.log.Warnf("%s from %s: got %s, announced %s",
			a.meta.Name, from, util.FormatBytes(float64(len(file.Data))), util.FormatBytes(float64(a.meta.Size)))
	}
	m.log.Infof("received %s from %s", a.meta, from)
	if m.cfg.OnReceived != nil {
		m.cfg.OnReceived(file)
	}
}
