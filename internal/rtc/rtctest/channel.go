package rtctest

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/rtc"
)

// DataChannel is one end of a fake channel. Sent messages count towards
// BufferedAmount until the Network delivers them to the other end.
type DataChannel struct {
	label string
	net   *Network

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *DataChannel
	buffered  uint64
	threshold uint64
	sent      int

	onOpen    func()
	onClose   func()
	onMessage func(rtc.Message)
	onLow     func()
}

// announce creates the far end on remote and fires its OnDataChannel hook.
// The pair opens at once when remote is already connected.
func (d *DataChannel) announce(remote *Conn) {
	far := &DataChannel{label: d.label, net: d.net, state: webrtc.DataChannelStateConnecting, peer: d}
	d.mu.Lock()
	if d.peer != nil {
		d.mu.Unlock()
		return
	}
	d.peer = far
	d.mu.Unlock()

	remote.mu.Lock()
	remote.received = append(remote.received, far)
	remote.mu.Unlock()

	if fn := remote.hooks.OnDataChannel; fn != nil {
		d.net.post(func() { fn(far) })
	}

	remote.mu.Lock()
	connected := remote.connected
	remote.mu.Unlock()
	if connected {
		d.open()
	}
}

// open moves both ends of a paired channel to open.
func (d *DataChannel) open() {
	d.mu.Lock()
	far := d.peer
	d.mu.Unlock()
	if far == nil {
		return
	}
	for _, end := range []*DataChannel{d, far} {
		end.mu.Lock()
		if end.state != webrtc.DataChannelStateConnecting {
			end.mu.Unlock()
			continue
		}
		end.state = webrtc.DataChannelStateOpen
		end.mu.Unlock()

		end.net.post(func() {
			end.mu.Lock()
			fn := end.onOpen
			end.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) Send(data []byte) error {
	return d.send(rtc.Message{Data: append([]byte(nil), data...)})
}

func (d *DataChannel) SendText(s string) error {
	return d.send(rtc.Message{IsString: true, Data: []byte(s)})
}

func (d *DataChannel) send(msg rtc.Message) error {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateOpen {
		d.mu.Unlock()
		return errors.New("data channel not open")
	}
	far := d.peer
	n := uint64(len(msg.Data))
	d.buffered += n
	d.sent++
	d.mu.Unlock()

	d.net.post(func() {
		d.mu.Lock()
		before := d.buffered
		d.buffered -= n
		crossed := before > d.threshold && d.buffered <= d.threshold
		low := d.onLow
		d.mu.Unlock()

		far.mu.Lock()
		fn := far.onMessage
		open := far.state == webrtc.DataChannelStateOpen
		far.mu.Unlock()
		if fn != nil && open {
			fn(msg)
		}
		if crossed && low != nil {
			low()
		}
	})
	return nil
}

func (d *DataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *DataChannel) SetBufferedAmountLowThreshold(th uint64) {
	d.mu.Lock()
	d.threshold = th
	d.mu.Unlock()
}

func (d *DataChannel) OnBufferedAmountLow(fn func()) {
	d.mu.Lock()
	d.onLow = fn
	d.mu.Unlock()
}

// OnOpen registers fn. Like pion, fn also runs when the channel is already open.
func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	open := d.state == webrtc.DataChannelStateOpen
	d.mu.Unlock()
	if open {
		d.net.post(fn)
	}
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func(rtc.Message)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

// Close closes both ends.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	far := d.peer
	d.mu.Unlock()

	d.closeEnd()
	if far != nil {
		far.closeEnd()
	}
	return nil
}

func (d *DataChannel) closeEnd() {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return
	}
	d.state = webrtc.DataChannelStateClosed
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		d.net.post(fn)
	}
}

// Sent reports how many messages were sent on this end.
func (d *DataChannel) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}
