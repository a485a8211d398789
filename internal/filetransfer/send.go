package filetransfer

import (
	"context"
	"fmt"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/util"
)

// send streams f to peer to. It runs on its own goroutine.
func (m *Manager) send(to string, f File) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpenTimeout)
	defer cancel()

	if err := m.stream(ctx, to, f); err != nil {
		m.log.Errorf("send %s to %s: %v", f.Meta, to, err)
		if m.cfg.OnFailed != nil {
			m.cfg.OnFailed(to, err)
		}
		return
	}
	m.log.Infof("sent %s to %s", f.Meta, to)
	if m.cfg.OnSent != nil {
		m.cfg.OnSent(to, f.Meta)
	}
}

func (m *Manager) stream(ctx context.Context, to string, f File) error {
	if m.cfg.OpenChannel == nil {
		return fmt.Errorf("no file channel available")
	}
	dc, err := m.cfg.OpenChannel(to)
	if err != nil {
		return err
	}
	if err := rtc.WaitOpen(ctx, dc); err != nil {
		return fmt.Errorf("wait for channel: %w", err)
	}

	meta := f.Meta
	if err := dc.SendText(protocol.EncodeControl(protocol.Control{Type: protocol.ControlFileInfo, Meta: &meta})); err != nil {
		return fmt.Errorf("file-info: %w", err)
	}

	// Pause while more than four chunks are queued; resume below one.
	chunk := m.cfg.ChunkSize
	pacer := rtc.NewPacer(dc, uint64(4*chunk), uint64(chunk))
	for off := 0; off < len(f.Data); off += chunk {
		if err := pacer.Wait(context.Background()); err != nil {
			return err
		}
		end := min(off+chunk, len(f.Data))
		if err := dc.Send(f.Data[off:end]); err != nil {
			return fmt.Errorf("chunk at %d: %w", off, err)
		}
		util.Stats.AddSent(end - off)
	}

	if err := dc.SendText(protocol.EncodeControl(protocol.Control{Type: protocol.ControlFileEnd})); err != nil {
		return fmt.Errorf("file-end: %w", err)
	}
	return nil
}
