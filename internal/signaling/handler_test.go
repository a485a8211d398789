package signaling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc/rtctest"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/socket"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// relay stands in for the signaling server: every message one side sends is
// encoded and delivered, in order, to every other side.
type relay struct {
	mu    sync.Mutex
	cond  *sync.Cond
	sides map[string]*signaling.Handler
	queue []delivery
	held  bool
	sent  []protocol.Message
	done  bool

	ready chan struct{} // WaitUntilReady blocks until closed
}

type delivery struct {
	from string
	data []byte
}

func newRelay(t *testing.T) *relay {
	r := &relay{sides: make(map[string]*signaling.Handler), ready: make(chan struct{})}
	close(r.ready)
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	t.Cleanup(func() {
		r.mu.Lock()
		r.done = true
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	return r
}

func (r *relay) loop() {
	for {
		r.mu.Lock()
		for !r.done && (r.held || len(r.queue) == 0) {
			r.cond.Wait()
		}
		if r.done {
			r.mu.Unlock()
			return
		}
		d := r.queue[0]
		r.queue = r.queue[1:]
		var targets []*signaling.Handler
		for id, h := range r.sides {
			if id != d.from {
				targets = append(targets, h)
			}
		}
		r.mu.Unlock()

		f, err := protocol.ParseFrame(d.data)
		if err != nil {
			panic(err)
		}
		for _, h := range targets {
			h.HandleFrame(f)
		}
	}
}

func (r *relay) hold(on bool) {
	r.mu.Lock()
	r.held = on
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *relay) sentOf(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.MessageType() == typ {
			n++
		}
	}
	return n
}

// drained reports whether every queued message has been handed out.
func (r *relay) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) == 0
}

// side is one party's Sender.
type side struct {
	r     *relay
	local string
}

func (s side) Send(_ string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	s.r.mu.Lock()
	s.r.sent = append(s.r.sent, msg)
	s.r.queue = append(s.r.queue, delivery{from: s.local, data: data})
	s.r.cond.Broadcast()
	s.r.mu.Unlock()
}

func (s side) WaitUntilReady(ctx context.Context, _ string, timeout time.Duration) bool {
	select {
	case <-s.r.ready:
		return true
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return false
}

type party struct {
	h       *signaling.Handler
	factory *rtctest.Factory

	mu         sync.Mutex
	connected  int
	terminated []string
}

func (p *party) terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.terminated)
}

func newParty(t *testing.T, net *rtctest.Network, r *relay, local string) *party {
	p := &party{factory: rtctest.NewFactory(net)}
	p.h = signaling.New(signaling.Config{
		Local:        local,
		Endpoint:     socket.Signaling,
		Sender:       side{r: r, local: local},
		Factory:      p.factory,
		ReadyTimeout: time.Second,
		OnConnected: func(string) {
			p.mu.Lock()
			p.connected++
			p.mu.Unlock()
		},
		OnTerminate: func(id, reason string) {
			p.mu.Lock()
			p.terminated = append(p.terminated, id+": "+reason)
			p.mu.Unlock()
		},
	})
	r.mu.Lock()
	r.sides[local] = p.h
	r.mu.Unlock()
	t.Cleanup(p.h.Close)
	return p
}

func newNet(t *testing.T) *rtctest.Network {
	net := rtctest.NewNetwork()
	t.Cleanup(net.Close)
	return net
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connectPair negotiates alice (caller) with bob (callee) the way a call
// page does: both prepare, then bob reports ready.
func connectPair(t *testing.T) (alice, bob *party, r *relay) {
	t.Helper()
	net := newNet(t)
	r = newRelay(t)
	alice = newParty(t, net, r, "alice")
	bob = newParty(t, net, r, "bob")

	if err := alice.h.Prepare("bob", peer.Offerer); err != nil {
		t.Fatal(err)
	}
	if err := bob.h.Prepare("alice", peer.Answerer); err != nil {
		t.Fatal(err)
	}
	alice.h.Join()
	bob.h.Join()
	bob.h.Ready("alice")

	waitFor(t, "both sides connected", func() bool {
		return alice.h.State("bob") == signaling.Connected && bob.h.State("alice") == signaling.Connected
	})
	return alice, bob, r
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestShouldInitiateExactlyOne(t *testing.T) {
	pairs := [][2]string{
		{"alice@x.io", "bob@x.io"},
		{"b", "a"},
		{"user10", "user9"},
	}
	for _, p := range pairs {
		a := signaling.ShouldInitiate(p[0], p[1])
		b := signaling.ShouldInitiate(p[1], p[0])
		if a == b {
			t.Errorf("%s/%s: both sides got %v", p[0], p[1], a)
		}
	}
}

func TestNegotiationConnects(t *testing.T) {
	alice, bob, r := connectPair(t)

	if n := r.sentOf(protocol.TypeOffer); n != 1 {
		t.Errorf("offers sent = %d, want 1", n)
	}
	if n := r.sentOf(protocol.TypeAnswer); n != 1 {
		t.Errorf("answers sent = %d, want 1", n)
	}
	e, ok := alice.h.Registry().Get("bob")
	if !ok || e.Role != peer.Offerer {
		t.Fatalf("alice entry = %+v, %v", e, ok)
	}
	waitFor(t, "OnConnected", func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return alice.connected == 1
	})
	if bob.h.Registry().Len() != 1 {
		t.Errorf("bob registry len = %d", bob.h.Registry().Len())
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	alice, _, _ := connectPair(t)
	conn := alice.factory.Last()

	alice.h.Handle(protocol.Answer{From: "bob", To: "alice", SDP: "fake:conn2:answer"})

	if st := conn.SignalingState(); st != webrtc.SignalingStateStable {
		t.Errorf("signaling state = %s, want stable", st)
	}
	if st := alice.h.State("bob"); st != signaling.Connected {
		t.Errorf("state = %s, want connected", st)
	}
	if conn.IsClosed() {
		t.Error("stale answer closed the connection")
	}
}

func TestForeignMessagesDropped(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	p := newParty(t, net, r, "alice")

	p.h.Handle(protocol.Offer{From: "alice", To: "alice", SDP: "fake:x:offer1"})
	p.h.Handle(protocol.Offer{From: "bob", To: "carol", SDP: "fake:x:offer1"})
	p.h.Handle(protocol.Offer{From: "", SDP: "fake:x:offer1"})

	if n := p.h.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
}

func TestCandidateForUnknownPeerIgnored(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	p := newParty(t, net, r, "alice")

	p.h.Handle(protocol.ICECandidate{
		From:      "bob",
		To:        "alice",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"},
	})
	if n := p.h.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
}

func TestCandidatesForwarded(t *testing.T) {
	alice, bob, _ := connectPair(t)

	alice.factory.Last().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:alice"})

	waitFor(t, "candidate at bob", func() bool {
		for _, c := range bob.factory.Last().Candidates() {
			if c.Candidate == "candidate:alice" {
				return true
			}
		}
		return false
	})
}

func TestTerminateOnce(t *testing.T) {
	alice, bob, _ := connectPair(t)

	bob.h.Hangup("alice", "hung up")
	waitFor(t, "alice terminated", func() bool { return alice.terminations() == 1 })

	alice.h.Handle(protocol.EndCall{From: "bob", To: "alice"})
	if alice.h.Terminate("bob", "local hangup") {
		t.Error("second Terminate reported success")
	}
	if n := alice.terminations(); n != 1 {
		t.Errorf("terminations = %d, want 1", n)
	}
	if n := bob.terminations(); n != 1 {
		t.Errorf("bob terminations = %d, want 1", n)
	}
	if alice.h.Registry().Len() != 0 || bob.h.Registry().Len() != 0 {
		t.Error("entries survived termination")
	}
	if st := alice.h.State("bob"); st != signaling.Closed {
		t.Errorf("state = %s, want closed", st)
	}
}

func TestGlareResolvedByTieBreak(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	alice := newParty(t, net, r, "alice")
	bob := newParty(t, net, r, "bob")

	// Both sides offer before either offer is delivered.
	r.hold(true)
	ctx := context.Background()
	if err := alice.h.Initiate(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := bob.h.Initiate(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	r.hold(false)

	waitFor(t, "connected after glare", func() bool {
		return alice.h.State("bob") == signaling.Connected && bob.h.State("alice") == signaling.Connected
	})
	// alice sorts first and keeps her offer; bob rolls back and answers.
	if n := r.sentOf(protocol.TypeAnswer); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
	if st := bob.factory.Last().SignalingState(); st != webrtc.SignalingStateStable {
		t.Errorf("bob signaling state = %s", st)
	}
}

func TestICERestartOnFailure(t *testing.T) {
	alice, bob, r := connectPair(t)

	bob.factory.Last().EmitState(webrtc.PeerConnectionStateFailed)
	alice.factory.Last().EmitState(webrtc.PeerConnectionStateFailed)

	waitFor(t, "restart answered", func() bool { return r.sentOf(protocol.TypeAnswer) == 2 })
	if _, restarts := alice.factory.Last().Offers(); restarts != 1 {
		t.Errorf("alice ICE restarts = %d, want 1", restarts)
	}
	if _, restarts := bob.factory.Last().Offers(); restarts != 0 {
		t.Errorf("answerer restarted ICE %d times", restarts)
	}
	waitFor(t, "reconnected", func() bool { return alice.h.State("bob") == signaling.Connected })
}

func TestOfferAbandonedWhenSessionMovesOn(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	r.ready = make(chan struct{})
	alice := newParty(t, net, r, "alice")

	errc := make(chan error, 1)
	go func() { errc <- alice.h.Initiate(context.Background(), "bob") }()

	waitFor(t, "local offer", func() bool { return alice.h.State("bob") == signaling.OfferSent })
	alice.h.Terminate("bob", "cancelled")
	close(r.ready)

	if err := <-errc; err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if n := r.sentOf(protocol.TypeOffer); n != 0 {
		t.Errorf("offers sent = %d, want 0", n)
	}
}

func TestReadySkipsLocalTarget(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	p := newParty(t, net, r, "alice")

	p.h.Ready("")
	p.h.Ready("ALICE")
	p.h.Ready("bob")
	if n := r.sentOf(protocol.TypeReady); n != 1 {
		t.Errorf("ready sent = %d, want 1", n)
	}
}

// The callee's ready can reach the server before the caller has joined and
// be lost. The caller's own ready then prompts the callee to repeat it.
func TestReadyLostBeforeCallerJoined(t *testing.T) {
	net := newNet(t)
	r := newRelay(t)
	bob := newParty(t, net, r, "bob")

	if err := bob.h.Prepare("alice", peer.Answerer); err != nil {
		t.Fatal(err)
	}
	bob.h.Join()
	bob.h.Ready("alice")
	waitFor(t, "bob's ready relayed to nobody", r.drained)

	alice := newParty(t, net, r, "alice")
	if err := alice.h.Prepare("bob", peer.Offerer); err != nil {
		t.Fatal(err)
	}
	alice.h.Join()
	alice.h.Ready("bob")

	waitFor(t, "both sides connected", func() bool {
		return alice.h.State("bob") == signaling.Connected && bob.h.State("alice") == signaling.Connected
	})
	if n := r.sentOf(protocol.TypeOffer); n != 1 {
		t.Errorf("offers sent = %d, want 1", n)
	}
	// bob, alice, and bob's single repeat
	if n := r.sentOf(protocol.TypeReady); n != 3 {
		t.Errorf("ready sent = %d, want 3", n)
	}
}
