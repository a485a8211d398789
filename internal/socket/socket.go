// Package socket manages one logical, auto-reconnecting WebSocket per named
// endpoint. Every endpoint can be observed by several listeners at once and
// buffers outbound messages while a connection attempt is in flight.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/clock"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/util"
)

// Well-known endpoints.
const (
	Call      = "/ws/call"
	Signaling = "/ws/signaling"
	Chat      = "/ws/chat"
	Meeting   = "/ws/meeting"
	File      = "/ws/file"
)

// Close reasons that suppress reconnection.
const (
	ReasonLogout   = "logout"
	ReasonShutdown = "shutdown"
	ReasonManual   = "manual disconnect"
)

var (
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrClosed          = errors.New("channel closed")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Handler receives every inbound frame of an endpoint, in arrival order.
type Handler func(protocol.Frame)

// ListenerID identifies a registered Handler. Zero means "no listener".
type ListenerID uint64

// Policy controls how one endpoint behaves on disconnect.
type Policy struct {
	// Persistent endpoints survive ordinary disconnects: only logout and
	// shutdown close the physical connection.
	Persistent bool
	// Reconnect re-dials after an unexpected closure.
	Reconnect bool
	// Delay between an unexpected closure and the next dial.
	Delay time.Duration
}

// DefaultPolicies returns the policy table for the well-known endpoints.
func DefaultPolicies(delay time.Duration) map[string]Policy {
	return map[string]Policy{
		Call:      {Reconnect: true, Delay: delay},
		Signaling: {Reconnect: true, Delay: delay},
		Meeting:   {Reconnect: true, Delay: delay},
		File:      {Reconnect: true, Delay: delay},
		Chat:      {Persistent: true, Reconnect: true, Delay: delay},
	}
}

// Options configures a Manager.
type Options struct {
	BaseURL        string // e.g. ws://localhost:8081
	ConnectTimeout time.Duration
	Policies       map[string]Policy
	Clock          clock.Clock
}

// Manager owns every channel entry. It is safe for concurrent use.
type Manager struct {
	opts   Options
	dialer websocket.Dialer

	mu      sync.Mutex
	entries map[string]*entry
	hooks   map[string][]func()
	closed  bool

	nextID atomic.Uint64
}

// NewManager creates a Manager. Missing options fall back to the defaults.
func NewManager(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 8 * time.Second
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies(1500 * time.Millisecond)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Manager{
		opts:    opts,
		dialer:  websocket.Dialer{},
		entries: make(map[string]*entry),
		hooks:   make(map[string][]func()),
	}
}

// entry is the state of one endpoint.
//
// Lock order: writeMu before mu.
type entry struct {
	endpoint string
	policy   Policy
	log      util.Logger

	writeMu sync.Mutex // serializes writes to conn

	mu        sync.Mutex
	conn      *websocket.Conn
	attempt   *attempt
	retry     clock.Timer // pending reconnect
	opened    chan struct{}
	pending   [][]byte
	listeners []listener
	token     string
	closing   string // intentional close reason
}

type attempt struct {
	done chan struct{}
	err  error
}

type listener struct {
	id ListenerID
	fn Handler
}

func (m *Manager) entry(ep string, create bool) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if e, ok := m.entries[ep]; ok {
		return e, nil
	}
	policy, ok := m.opts.Policies[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	if !create {
		return nil, nil
	}
	e := &entry{
		endpoint: ep,
		policy:   policy,
		log:      util.Tag("ws:%s", ep),
		opened:   make(chan struct{}),
	}
	m.entries[ep] = e
	return e, nil
}

func (m *Manager) lookup(ep string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[ep]
}

func (m *Manager) url(ep, token string) string {
	u := m.opts.BaseURL + ep
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Connect ensures exactly one physical connection exists for ep and returns
// once it is open. If fn is non-nil it is registered as a listener before
// dialing, so it observes the very first inbound frame. An attempt already
// in flight is joined rather than duplicated.
//
// On error the listener is not registered.
func (m *Manager) Connect(ctx context.Context, ep, token string, fn Handler) (ListenerID, error) {
	e, err := m.entry(ep, true)
	if err != nil {
		return 0, err
	}

	var id ListenerID
	e.mu.Lock()
	if fn != nil {
		id = ListenerID(m.nextID.Add(1))
		e.listeners = append(e.listeners, listener{id: id, fn: fn})
	}
	if token != "" {
		e.token = token
	}
	e.closing = ""

	if e.conn != nil {
		e.mu.Unlock()
		return id, nil
	}

	a := e.attempt
	if a == nil {
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
		a = &attempt{done: make(chan struct{})}
		e.attempt = a
		go m.dial(e, a, false)
	}
	e.mu.Unlock()

	select {
	case <-a.done:
		err = a.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && id != 0 {
		e.removeListeners(id)
	}
	return id, err
}

// dial performs one connection attempt for e and publishes its outcome.
func (m *Manager) dial(e *entry, a *attempt, reconnect bool) {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, m.url(e.endpoint, token), nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.opts.ConnectTimeout)
		} else {
			err = fmt.Errorf("failed to connect to %s: %w", e.endpoint, err)
		}

		e.mu.Lock()
		e.attempt = nil
		if reconnect {
			m.scheduleReconnect(e)
		}
		e.mu.Unlock()

		e.log.Warnf("%v", err)
		a.err = err
		close(a.done)
		return
	}

	// Publish the connection and flush the pending queue under writeMu so
	// that no concurrent Send can overtake a queued message.
	e.writeMu.Lock()
	e.mu.Lock()
	if e.closing != "" {
		e.attempt = nil
		e.mu.Unlock()
		e.writeMu.Unlock()
		conn.Close()
		a.err = ErrClosed
		close(a.done)
		return
	}
	e.conn = conn
	e.attempt = nil
	pending := e.pending
	e.pending = nil
	close(e.opened)
	e.mu.Unlock()

	for _, data := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			e.log.Warnf("flush failed, %d queued message(s) lost: %v", len(pending), err)
			break
		}
	}
	e.writeMu.Unlock()

	if len(pending) > 0 {
		e.log.Debugf("connected, flushed %d queued message(s)", len(pending))
	} else {
		e.log.Debugf("connected")
	}
	close(a.done)

	go m.readLoop(e, conn)

	if reconnect {
		m.mu.Lock()
		hooks := append([]func(){}, m.hooks[e.endpoint]...)
		m.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// readLoop dispatches inbound frames to every listener until conn fails.
func (m *Manager) readLoop(e *entry, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(e, conn, err)
			return
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			e.log.Warnf("dropping frame: %v", err)
			continue
		}

		e.mu.Lock()
		ls := append([]listener(nil), e.listeners...)
		e.mu.Unlock()

		for _, l := range ls {
			l.fn(f)
		}
	}
}

func (m *Manager) handleClose(e *entry, conn *websocket.Conn, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != conn {
		return // already replaced or torn down
	}
	e.conn = nil
	e.opened = make(chan struct{})

	reason := e.closing
	var ce *websocket.CloseError
	if reason == "" && errors.As(err, &ce) {
		reason = ce.Text
	}
	if intentional(reason) {
		e.log.Debugf("closed (%s)", reason)
		return
	}
	if !e.policy.Reconnect {
		e.log.Warnf("closed: %v", err)
		return
	}
	e.log.Warnf("closed unexpectedly, reconnecting in %s: %v", e.policy.Delay, err)
	m.scheduleReconnect(e)
}

// scheduleReconnect arms the reconnect timer. Caller holds e.mu.
func (m *Manager) scheduleReconnect(e *entry) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || e.closing != "" || e.retry != nil {
		return
	}
	e.retry = m.opts.Clock.AfterFunc(e.policy.Delay, func() { m.reconnect(e) })
}

func (m *Manager) reconnect(e *entry) {
	e.mu.Lock()
	e.retry = nil
	if e.closing != "" || e.conn != nil || e.attempt != nil {
		e.mu.Unlock()
		return
	}
	a := &attempt{done: make(chan struct{})}
	e.attempt = a
	e.mu.Unlock()

	m.dial(e, a, true)
}

func intentional(reason string) bool {
	switch reason {
	case ReasonLogout, ReasonShutdown, ReasonManual:
		return true
	}
	return false
}

// Send transmits msg on ep. While the endpoint is connecting, or waiting to
// reconnect, the message is queued and flushed in order once open. On a
// closed endpoint the message is dropped with a warning.
func (m *Manager) Send(ep string, msg protocol.Message) {
	log := util.Tag("ws:%s", ep)

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	e := m.lookup(ep)
	if e == nil {
		log.Warnf("not connected, dropping %s", msg.MessageType())
		return
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	conn := e.conn
	if conn == nil && (e.attempt != nil || e.retry != nil) {
		e.pending = append(e.pending, data)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if conn == nil {
		log.Warnf("not connected, dropping %s", msg.MessageType())
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warnf("send %s failed: %v", msg.MessageType(), err)
	}
}

// Disconnect closes ep with the given reason and forgets its queue and
// listeners. On a persistent endpoint any reason other than logout or
// shutdown only removes the listeners in ids and keeps the connection open
// for the remaining subscribers.
func (m *Manager) Disconnect(ep, reason string, ids ...ListenerID) {
	e := m.lookup(ep)
	if e == nil {
		return
	}
	if reason == "" {
		reason = ReasonManual
	}

	if e.policy.Persistent && reason != ReasonLogout && reason != ReasonShutdown {
		e.removeListeners(ids...)
		e.log.Debugf("unsubscribed %d listener(s) (%s), connection kept", len(ids), reason)
		return
	}

	m.mu.Lock()
	if m.entries[ep] == e {
		delete(m.entries, ep)
	}
	m.mu.Unlock()

	e.shutdown(reason)
}

// shutdown closes the physical connection and discards all state.
func (e *entry) shutdown(reason string) {
	e.mu.Lock()
	e.closing = reason
	conn := e.conn
	e.conn = nil
	e.pending = nil
	e.listeners = nil
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	e.log.Debugf("disconnected (%s)", reason)
}

func (e *entry) removeListeners(ids ...ListenerID) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.listeners[:0]
	for _, l := range e.listeners {
		drop := false
		for _, id := range ids {
			if l.id == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, l)
		}
	}
	e.listeners = kept
}

// RemoveListener unregisters one listener from ep, or all of them when id
// is zero.
func (m *Manager) RemoveListener(ep string, id ListenerID) {
	e := m.lookup(ep)
	if e == nil {
		return
	}
	if id != 0 {
		e.removeListeners(id)
		return
	}
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// Listeners reports how many listeners are registered on ep.
func (m *Manager) Listeners(ep string) int {
	e := m.lookup(ep)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// IsConnected reports whether ep currently has an open connection.
func (m *Manager) IsConnected(ep string) bool {
	e := m.lookup(ep)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// WaitUntilReady blocks until ep is open, the timeout elapses or ctx is
// done. It never fails; it reports readiness.
func (m *Manager) WaitUntilReady(ctx context.Context, ep string, timeout time.Duration) bool {
	e := m.lookup(ep)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return true
	}
	opened := e.opened
	e.mu.Unlock()

	expired := make(chan struct{})
	t := m.opts.Clock.AfterFunc(timeout, func() { close(expired) })
	defer t.Stop()

	select {
	case <-opened:
		return true
	case <-expired:
	case <-ctx.Done():
	}
	return m.IsConnected(ep)
}

// OnReconnect registers fn to run after every successful automatic
// reconnection of ep. Hooks survive Disconnect.
func (m *Manager) OnReconnect(ep string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[ep] = append(m.hooks[ep], fn)
}

// Close shuts down every endpoint. The Manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.shutdown(ReasonShutdown)
	}
}
