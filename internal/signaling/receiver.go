package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
)

// HandleFrame decodes a signaling channel frame and handles it.
func (h *Handler) HandleFrame(f protocol.Frame) {
	msg, err := protocol.DecodeSignal(f)
	if err != nil {
		h.log.Debugf("ignoring %q: %v", f.Type, err)
		return
	}
	h.Handle(msg)
}

// Handle applies one inbound negotiation message. Messages from the local
// identity, or addressed to someone else, are dropped.
func (h *Handler) Handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.PeerReady:
		if h.foreign(m.From, m.To) {
			return
		}
		h.peerReady(m.From)
	case protocol.Ready:
		// Some servers relay "ready" verbatim instead of as "peer-ready".
		if h.foreign(m.From, m.To) {
			return
		}
		h.peerReady(m.From)
	case protocol.Offer:
		if h.foreign(m.From, m.To) {
			return
		}
		h.handleOffer(m)
	case protocol.Answer:
		if h.foreign(m.From, m.To) {
			return
		}
		h.handleAnswer(m)
	case protocol.ICECandidate:
		if h.foreign(m.From, m.To) {
			return
		}
		h.handleCandidate(m)
	case protocol.EndCall:
		if h.foreign(m.From, m.To) {
			return
		}
		h.Terminate(m.From, "peer ended the call")
	}
}

func (h *Handler) foreign(from, to string) bool {
	if from == "" || protocol.SameParty(from, h.cfg.Local) {
		return true
	}
	return to != "" && !protocol.SameParty(to, h.cfg.Local)
}

func (h *Handler) peerReady(from string) {
	h.mu.Lock()
	role := h.roles[from]
	state := h.states[from]
	echo := role == peer.Answerer && state == Idle && !h.echoed[from]
	if echo {
		h.echoed[from] = true
	}
	h.mu.Unlock()

	if role != peer.Offerer {
		if echo {
			// Our own ready may have reached the server before the offerer
			// joined, in which case it was never relayed.
			h.log.Debugf("%s is ready, repeating ready once", from)
			h.Ready(from)
			return
		}
		h.log.Debugf("%s is ready, waiting for its offer", from)
		return
	}
	if state != Idle {
		h.log.Debugf("%s is ready again, negotiation already %s", from, state)
		return
	}
	go func() {
		if err := h.Initiate(h.ctx, from); err != nil {
			h.log.Warnf("%v", err)
		}
	}()
}

func (h *Handler) handleOffer(m protocol.Offer) {
	e, err := h.entry(m.From, peer.Answerer)
	if err != nil {
		h.log.Warnf("offer from %s: %v", m.From, err)
		return
	}

	h.opMu.Lock()
	if e.Conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Glare: both sides offered. The designated initiator keeps its own
		// offer; the other side rolls back and answers.
		if ShouldInitiate(h.cfg.Local, m.From) {
			h.opMu.Unlock()
			h.log.Debugf("%s: glare, keeping local offer", m.From)
			return
		}
		if err := e.Conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			h.opMu.Unlock()
			h.log.Warnf("%s: rollback failed: %v", m.From, err)
			return
		}
	}

	err = e.Conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(m.SDP)})
	if err != nil {
		h.opMu.Unlock()
		h.log.Warnf("%s: apply offer: %v", m.From, err)
		return
	}
	h.setState(m.From, OfferReceived)
	h.flushCandidates(e)

	answer, err := e.Conn.CreateAnswer()
	if err == nil {
		err = e.Conn.SetLocalDescription(answer)
	}
	h.opMu.Unlock()
	if err != nil {
		h.log.Warnf("%s: answer: %v", m.From, err)
		return
	}
	h.setState(m.From, AnswerExchanged)

	if !h.reg.Current(e) {
		return
	}
	h.cfg.Sender.Send(h.cfg.Endpoint, protocol.Answer{
		From:        h.cfg.Local,
		To:          m.From,
		SDP:         protocol.SDP(answer.SDP),
		MeetingCode: h.cfg.MeetingCode,
	})
}

// handleAnswer applies an answer only while a local offer is outstanding.
func (h *Handler) handleAnswer(m protocol.Answer) {
	e, ok := h.reg.Get(m.From)
	if !ok {
		h.log.Debugf("answer from unknown peer %s ignored", m.From)
		return
	}

	h.opMu.Lock()
	if st := e.Conn.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		h.opMu.Unlock()
		h.log.Warnf("%s: stale answer ignored in signaling state %s", m.From, st)
		return
	}
	// The connected event may fire as soon as the answer is applied.
	h.setState(m.From, AnswerExchanged)
	err := e.Conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(m.SDP)})
	if err == nil {
		h.flushCandidates(e)
	}
	h.opMu.Unlock()
	if err != nil {
		h.log.Warnf("%s: apply answer: %v", m.From, err)
	}
}

// handleCandidate adds a remote candidate to an existing entry. Candidates
// for unknown peers are dropped; candidates that arrive before the remote
// description are held until it is applied.
func (h *Handler) handleCandidate(m protocol.ICECandidate) {
	e, ok := h.reg.Get(m.From)
	if !ok {
		h.log.Debugf("candidate from unknown peer %s ignored", m.From)
		return
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := e.Conn.AddICECandidate(m.Candidate); err != nil {
		h.mu.Lock()
		h.pending[m.From] = append(h.pending[m.From], m.Candidate)
		h.mu.Unlock()
		h.log.Debugf("%s: candidate held: %v", m.From, err)
		return
	}

	h.mu.Lock()
	if h.states[m.From] == AnswerExchanged {
		h.states[m.From] = ICEExchanging
	}
	h.mu.Unlock()
}

// flushCandidates applies held candidates. Caller holds opMu.
func (h *Handler) flushCandidates(e *peer.Entry) {
	h.mu.Lock()
	held := h.pending[e.PeerID]
	delete(h.pending, e.PeerID)
	h.mu.Unlock()

	for _, c := range held {
		if err := e.Conn.AddICECandidate(c); err != nil {
			h.log.Debugf("%s: held candidate rejected: %v", e.PeerID, err)
		}
	}
}
