// Package rtc owns the client-side peer-connection state machine: one
// PeerSession per match, created only after the previous one is fully
// closed. Negotiation state never crosses instances; long-lived local
// media tracks are the one thing that survives (see package media).
package rtc

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pairvid/pairvid/internal/models"
)

// Negotiator abstracts the underlying peer connection so the state
// machine can be driven without a live media stack.
type Negotiator interface {
	CreateOffer(iceRestart bool) (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(models.ICECandidatePayload) error
	Close() error
}

// SignalSender forwards a signaling message to the current partner.
type SignalSender func(msg models.SignalMessage)

// PeerSession drives one match's negotiation. All mutable negotiation
// state is scoped to the instance; the active flag invalidates stale
// callbacks after Close instead of relying on references being nil'd.
type PeerSession struct {
	matchID string
	neg     Negotiator
	send    SignalSender

	recoveryTimeout time.Duration
	onFailure       func()

	mu            sync.Mutex
	state         State
	active        bool
	offerHandled  bool
	remoteDescSet bool
	flushing      bool
	pending       []models.ICECandidatePayload
	recoveryTimer *time.Timer
}

// NewPeerSession creates an active session in the Idle state.
// onFailure is invoked (once, off-lock) when negotiation is beyond
// recovery; the owning layer decides whether to find a new match.
func NewPeerSession(matchID string, neg Negotiator, send SignalSender, recoveryTimeout time.Duration, onFailure func()) *PeerSession {
	return &PeerSession{
		matchID:         matchID,
		neg:             neg,
		send:            send,
		recoveryTimeout: recoveryTimeout,
		onFailure:       onFailure,
		state:           StateIdle,
		active:          true,
	}
}

// State returns the current lifecycle state.
func (p *PeerSession) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins negotiation. The initiator side creates and sends the
// offer; the other side waits for it.
func (p *PeerSession) Start(initiator bool) {
	p.mu.Lock()
	if !p.active || p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.state = StateCreating
	p.mu.Unlock()

	if !initiator {
		p.mu.Lock()
		if p.active {
			p.state = StateAwaitingRemoteDescription
		}
		p.mu.Unlock()
		return
	}

	sdp, err := p.neg.CreateOffer(false)
	if err != nil {
		log.Printf("[rtc] create offer: %v", err)
		p.fail()
		return
	}

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.state = StateAwaitingRemoteDescription
	p.mu.Unlock()

	p.sendSDP(models.SignalTypeOffer, sdp)
}

// HandleOffer applies a remote offer and answers it. A second offer
// for the same instance is rejected, not reapplied: duplicate offers
// from a flaky transport would otherwise reset negotiation mid-flight.
func (p *PeerSession) HandleOffer(sdp string) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	if p.offerHandled {
		p.mu.Unlock()
		log.Printf("[rtc] duplicate offer for match %s ignored", p.matchID)
		return
	}
	p.offerHandled = true
	p.mu.Unlock()

	if err := p.neg.SetRemoteDescription("offer", sdp); err != nil {
		log.Printf("[rtc] set remote offer: %v", err)
		p.fail()
		return
	}
	p.afterRemoteDescription()

	answer, err := p.neg.CreateAnswer()
	if err != nil {
		log.Printf("[rtc] create answer: %v", err)
		p.fail()
		return
	}

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.state = StateNegotiating
	p.mu.Unlock()

	p.sendSDP(models.SignalTypeAnswer, answer)
}

// HandleAnswer applies the remote answer to a sent offer.
func (p *PeerSession) HandleAnswer(sdp string) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	if p.remoteDescSet {
		p.mu.Unlock()
		log.Printf("[rtc] duplicate answer for match %s ignored", p.matchID)
		return
	}
	p.mu.Unlock()

	if err := p.neg.SetRemoteDescription("answer", sdp); err != nil {
		log.Printf("[rtc] set remote answer: %v", err)
		p.fail()
		return
	}
	p.afterRemoteDescription()

	p.mu.Lock()
	if p.active {
		p.state = StateNegotiating
	}
	p.mu.Unlock()
}

// afterRemoteDescription flushes buffered candidates in arrival order
// before any new candidate is applied directly. Candidates arriving
// while the flush is in progress keep landing in the buffer so they
// cannot overtake the ones still queued ahead of them.
func (p *PeerSession) afterRemoteDescription() {
	p.mu.Lock()
	p.remoteDescSet = true
	p.flushing = true
	for len(p.pending) > 0 {
		buffered := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, cand := range buffered {
			if err := p.neg.AddICECandidate(cand); err != nil {
				log.Printf("[rtc] apply buffered candidate: %v", err)
			}
		}
		p.mu.Lock()
	}
	p.flushing = false
	p.mu.Unlock()
}

// AddRemoteCandidate applies a remote ICE candidate, buffering it if
// the remote description has not arrived yet. Candidates are never
// dropped: applied now, or buffered and flushed in arrival order.
func (p *PeerSession) AddRemoteCandidate(cand models.ICECandidatePayload) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	if !p.remoteDescSet || p.flushing {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.neg.AddICECandidate(cand); err != nil {
		log.Printf("[rtc] add candidate: %v", err)
	}
}

// RestartICE requests renegotiation without tearing the session down,
// used for transient network changes.
func (p *PeerSession) RestartICE() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.remoteDescSet = false
	p.mu.Unlock()

	sdp, err := p.neg.CreateOffer(true)
	if err != nil {
		log.Printf("[rtc] restart-ice offer: %v", err)
		p.fail()
		return
	}
	p.sendSDP(models.SignalTypeOffer, sdp)
}

// HandleConnectionState consumes transport state changes from the
// underlying connection. Disconnected arms a bounded recovery timer
// that attempts an ICE restart; Failed tears the session down.
func (p *PeerSession) HandleConnectionState(state string) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}

	switch state {
	case "connected":
		p.state = StateConnected
		p.cancelRecoveryLocked()
		p.mu.Unlock()

	case "disconnected":
		p.state = StateDisconnected
		p.cancelRecoveryLocked()
		p.recoveryTimer = time.AfterFunc(p.recoveryTimeout, p.recoveryExpired)
		p.mu.Unlock()
		p.RestartICE()

	case "failed":
		p.mu.Unlock()
		p.fail()

	default:
		p.mu.Unlock()
	}
}

// recoveryExpired fires when the recovery timer elapses without the
// connection coming back.
func (p *PeerSession) recoveryExpired() {
	p.mu.Lock()
	stillDown := p.active && p.state == StateDisconnected
	p.mu.Unlock()
	if stillDown {
		log.Printf("[rtc] recovery window elapsed for match %s", p.matchID)
		p.fail()
	}
}

// Close disposes the session. Negotiation state is gone for good;
// local media tracks are owned elsewhere and survive. Idempotent.
func (p *PeerSession) Close() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.state = StateClosed
	p.cancelRecoveryLocked()
	p.mu.Unlock()

	if err := p.neg.Close(); err != nil {
		log.Printf("[rtc] close: %v", err)
	}
}

func (p *PeerSession) fail() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.state = StateFailed
	p.cancelRecoveryLocked()
	onFailure := p.onFailure
	p.mu.Unlock()

	if err := p.neg.Close(); err != nil {
		log.Printf("[rtc] close after failure: %v", err)
	}
	if onFailure != nil {
		onFailure()
	}
}

func (p *PeerSession) cancelRecoveryLocked() {
	if p.recoveryTimer != nil {
		p.recoveryTimer.Stop()
		p.recoveryTimer = nil
	}
}

func (p *PeerSession) sendSDP(t models.SignalType, sdp string) {
	payload, err := json.Marshal(models.SDPPayload{Type: string(t), SDP: sdp})
	if err != nil {
		log.Printf("[rtc] marshal sdp: %v", err)
		return
	}
	p.send(models.SignalMessage{Type: t, MatchID: p.matchID, Payload: payload})
}

// SendLocalCandidate forwards a locally gathered candidate to the
// partner. Wired as the negotiator's candidate callback.
func (p *PeerSession) SendLocalCandidate(cand models.ICECandidatePayload) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	payload, err := json.Marshal(cand)
	if err != nil {
		log.Printf("[rtc] marshal candidate: %v", err)
		return
	}
	p.send(models.SignalMessage{Type: models.SignalTypeCandidate, MatchID: p.matchID, Payload: payload})
}
