package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrChannelClosed is returned when a DataChannel closes while a caller is
// waiting on it.
var ErrChannelClosed = errors.New("data channel closed")

// closePoll is how often a blocked Wait rechecks the channel state. A
// channel that closes with data buffered never reports a low buffer.
const closePoll = 50 * time.Millisecond

// Pacer applies backpressure to a single DataChannel writer: Wait blocks
// while the channel's buffered amount is above the high water mark and
// resumes once it drains below the low water mark.
type Pacer struct {
	dc    DataChannel
	high  uint64
	drain chan struct{}
}

// NewPacer wires the buffered-amount-low callback on dc.
func NewPacer(dc DataChannel, high, low uint64) *Pacer {
	p := &Pacer{
		dc:    dc,
		high:  high,
		drain: make(chan struct{}, 1),
	}
	dc.SetBufferedAmountLowThreshold(low)
	dc.OnBufferedAmountLow(func() {
		select {
		case p.drain <- struct{}{}:
		default:
		}
	})
	return p
}

// Wait returns once the channel can accept more data, or ErrChannelClosed
// when the channel stops being open meanwhile.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.dc.BufferedAmount() <= p.high {
		return nil
	}
	ticker := time.NewTicker(closePoll)
	defer ticker.Stop()

	for p.dc.BufferedAmount() > p.high {
		if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return ErrChannelClosed
		}
		select {
		case <-p.drain:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitOpen blocks until dc is open. It replaces dc's OnOpen handler.
func WaitOpen(ctx context.Context, dc DataChannel) error {
	opened := make(chan struct{})
	var once sync.Once
	dc.OnOpen(func() {
		once.Do(func() { close(opened) })
	})

	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return nil
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrChannelClosed
	}

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
