package rtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pairvid/pairvid/internal/models"
)

type mockNegotiator struct {
	mu          sync.Mutex
	offers      int
	restarts    int
	answers     int
	remoteDescs []string
	candidates  []string
	closed      bool

	offerErr  error
	remoteErr error

	onApply func(candidate string)
}

func (m *mockNegotiator) CreateOffer(iceRestart bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerErr != nil {
		return "", m.offerErr
	}
	m.offers++
	if iceRestart {
		m.restarts++
	}
	return "v=0\r\noffer-sdp", nil
}

func (m *mockNegotiator) CreateAnswer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return "v=0\r\nanswer-sdp", nil
}

func (m *mockNegotiator) SetRemoteDescription(kind, sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.remoteDescs = append(m.remoteDescs, kind)
	return nil
}

func (m *mockNegotiator) AddICECandidate(c models.ICECandidatePayload) error {
	m.mu.Lock()
	m.candidates = append(m.candidates, c.Candidate)
	hook := m.onApply
	m.mu.Unlock()
	if hook != nil {
		hook(c.Candidate)
	}
	return nil
}

func (m *mockNegotiator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type sentLog struct {
	mu   sync.Mutex
	msgs []models.SignalMessage
}

func (s *sentLog) send(msg models.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *sentLog) ofType(t models.SignalType) []models.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(neg *mockNegotiator, onFailure func()) (*PeerSession, *sentLog) {
	sent := &sentLog{}
	p := NewPeerSession("m-1", neg, sent.send, 25*time.Millisecond, onFailure)
	return p, sent
}

func TestStartInitiatorSendsOffer(t *testing.T) {
	neg := &mockNegotiator{}
	p, sent := newTestSession(neg, nil)

	p.Start(true)

	if got := p.State(); got != StateAwaitingRemoteDescription {
		t.Errorf("state = %s, want awaiting-remote-description", got)
	}
	offers := sent.ofType(models.SignalTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	var payload models.SDPPayload
	if err := json.Unmarshal(offers[0].Payload, &payload); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if payload.SDP != "v=0\r\noffer-sdp" {
		t.Errorf("offer sdp = %q", payload.SDP)
	}
}

func TestStartCalleeWaitsForOffer(t *testing.T) {
	neg := &mockNegotiator{}
	p, sent := newTestSession(neg, nil)

	p.Start(false)

	if got := p.State(); got != StateAwaitingRemoteDescription {
		t.Errorf("state = %s, want awaiting-remote-description", got)
	}
	if len(sent.ofType(models.SignalTypeOffer)) != 0 {
		t.Error("callee must not send an offer")
	}
}

func TestHandleOfferAppliedExactlyOnce(t *testing.T) {
	neg := &mockNegotiator{}
	p, sent := newTestSession(neg, nil)
	p.Start(false)

	p.HandleOffer("v=0\r\nremote-offer")
	p.HandleOffer("v=0\r\nremote-offer") // duplicate from a flaky transport

	if len(neg.remoteDescs) != 1 {
		t.Fatalf("remote description set %d times, want 1", len(neg.remoteDescs))
	}
	if len(sent.ofType(models.SignalTypeAnswer)) != 1 {
		t.Errorf("sent %d answers, want 1", len(sent.ofType(models.SignalTypeAnswer)))
	}
	if got := p.State(); got != StateNegotiating {
		t.Errorf("state = %s, want negotiating", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescriptionThenOrdered(t *testing.T) {
	neg := &mockNegotiator{}
	p, _ := newTestSession(neg, nil)
	p.Start(false)

	// K candidates before the remote description: buffered.
	for i := 1; i <= 3; i++ {
		p.AddRemoteCandidate(models.ICECandidatePayload{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	if len(neg.candidates) != 0 {
		t.Fatalf("%d candidates applied before remote description", len(neg.candidates))
	}

	p.HandleOffer("v=0\r\nremote-offer")

	// M candidates after: applied directly.
	for i := 4; i <= 5; i++ {
		p.AddRemoteCandidate(models.ICECandidatePayload{Candidate: fmt.Sprintf("cand-%d", i)})
	}

	want := []string{"cand-1", "cand-2", "cand-3", "cand-4", "cand-5"}
	if len(neg.candidates) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(neg.candidates), len(want))
	}
	for i, c := range want {
		if neg.candidates[i] != c {
			t.Errorf("candidate %d = %s, want %s (order must be preserved)", i, neg.candidates[i], c)
		}
	}
}

func TestCandidateArrivingMidFlushAppliedAfterBuffer(t *testing.T) {
	neg := &mockNegotiator{}
	p, _ := newTestSession(neg, nil)
	p.Start(false)

	for i := 1; i <= 3; i++ {
		p.AddRemoteCandidate(models.ICECandidatePayload{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	// A candidate delivered while the buffer is still draining must not
	// overtake the buffered ones still waiting their turn.
	neg.onApply = func(c string) {
		if c == "cand-1" {
			p.AddRemoteCandidate(models.ICECandidatePayload{Candidate: "cand-4"})
		}
	}

	p.HandleOffer("v=0\r\nremote-offer")

	want := []string{"cand-1", "cand-2", "cand-3", "cand-4"}
	neg.mu.Lock()
	defer neg.mu.Unlock()
	if len(neg.candidates) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(neg.candidates), len(want))
	}
	for i, c := range want {
		if neg.candidates[i] != c {
			t.Errorf("candidate %d = %s, want %s", i, neg.candidates[i], c)
		}
	}
}

func TestStaleCallbacksAfterCloseIgnored(t *testing.T) {
	neg := &mockNegotiator{}
	p, sent := newTestSession(neg, func() {
		t.Error("onFailure must not fire for a closed session")
	})
	p.Start(false)
	p.Close()
	p.Close() // idempotent

	p.HandleOffer("v=0\r\nlate-offer")
	p.AddRemoteCandidate(models.ICECandidatePayload{Candidate: "late"})
	p.HandleConnectionState("failed")
	p.RestartICE()

	if len(neg.remoteDescs) != 0 || len(neg.candidates) != 0 {
		t.Error("negotiator touched by callbacks after close")
	}
	if len(sent.ofType(models.SignalTypeOffer)) != 0 {
		t.Error("signaling sent for a disposed instance")
	}
	if got := p.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if !neg.closed {
		t.Error("underlying connection not closed")
	}
}

func TestDisconnectedTriggersRestartThenFailure(t *testing.T) {
	failed := make(chan struct{}, 1)
	neg := &mockNegotiator{}
	p, sent := newTestSession(neg, func() { failed <- struct{}{} })
	p.Start(true)
	p.HandleAnswer("v=0\r\nremote-answer")

	p.HandleConnectionState("disconnected")

	neg.mu.Lock()
	restarts := neg.restarts
	neg.mu.Unlock()
	if restarts != 1 {
		t.Errorf("ice restarts = %d, want 1", restarts)
	}
	if len(sent.ofType(models.SignalTypeOffer)) != 2 { // initial + restart
		t.Errorf("offers sent = %d, want 2", len(sent.ofType(models.SignalTypeOffer)))
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("recovery window should expire into failure")
	}
	if got := p.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestRecoveryTimerCancelledOnReconnect(t *testing.T) {
	neg := &mockNegotiator{}
	p, _ := newTestSession(neg, func() {
		t.Error("recovered session must not fail")
	})
	p.Start(true)
	p.HandleAnswer("v=0\r\nremote-answer")

	p.HandleConnectionState("disconnected")
	p.HandleConnectionState("connected") // recovered inside the window

	time.Sleep(60 * time.Millisecond) // past the recovery timeout
	if got := p.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestTransportFailedTearsDown(t *testing.T) {
	failed := make(chan struct{}, 1)
	neg := &mockNegotiator{}
	p, _ := newTestSession(neg, func() { failed <- struct{}{} })
	p.Start(true)

	p.HandleConnectionState("failed")

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("failed transport state should tear the session down")
	}
	if !neg.closed {
		t.Error("underlying connection not closed on failure")
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	neg := &mockNegotiator{}
	p, _ := newTestSession(neg, nil)
	p.Start(true)

	p.HandleAnswer("v=0\r\nremote-answer")
	p.HandleAnswer("v=0\r\nremote-answer")

	if len(neg.remoteDescs) != 1 {
		t.Errorf("remote description set %d times, want 1", len(neg.remoteDescs))
	}
}
