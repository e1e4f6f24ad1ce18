// Package session is the client-side orchestrator: it owns the
// signaling channel callbacks and the lifecycle of one PeerSession per
// match.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pairvid/pairvid/internal/media"
	"github.com/pairvid/pairvid/internal/models"
	"github.com/pairvid/pairvid/internal/rtc"
	"github.com/pairvid/pairvid/internal/wire"
)

// Channel is the outbound side of the signaling transport.
type Channel interface {
	Send(destination string, body []byte) bool
	Subscribe(id, destination string)
}

// NegotiatorFactory builds a fresh Negotiator for a new match, wiring
// the given candidate and connection-state callbacks.
type NegotiatorFactory func(
	onCandidate func(models.ICECandidatePayload),
	onState func(state string),
) (rtc.Negotiator, error)

const (
	captureTimeout  = 10 * time.Second
	recoveryTimeout = 8 * time.Second

	// The server may legitimately drop a join frame (cooldown, match
	// protection); a queued user hears SEARCHING every pass, so silence
	// this long means the entry never landed and the join is re-sent.
	joinRetryInterval = 4 * time.Second
)

// Controller implements transport.Handler and drives match sessions.
type Controller struct {
	ch            Channel
	tracks        *media.Tracks
	newNegotiator NegotiatorFactory
	prefs         models.JoinRequest
	retryInterval time.Duration

	mu         sync.Mutex
	peer       *rtc.PeerSession
	matchID    string
	searching  bool
	retryTimer *time.Timer
}

// NewController builds a controller without a channel; the transport
// needs the controller as its handler first, so SetChannel completes
// the circular dependency before Connect.
func NewController(tracks *media.Tracks, factory NegotiatorFactory, prefs models.JoinRequest) *Controller {
	return &Controller{
		tracks:        tracks,
		newNegotiator: factory,
		prefs:         prefs,
		retryInterval: joinRetryInterval,
	}
}

// SetChannel wires the outbound signaling channel. Must be called
// before the transport connects.
func (c *Controller) SetChannel(ch Channel) {
	c.ch = ch
}

// Find starts searching for a partner.
func (c *Controller) Find() {
	c.mu.Lock()
	c.searching = true
	c.mu.Unlock()
	c.sendJoin()
}

// Stop leaves the queue and tears down any active session.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.searching = false
	c.stopRetryLocked()
	peer := c.peer
	c.peer = nil
	c.matchID = ""
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	c.ch.Send(wire.DestLeave, mustJSON(c.prefs))
}

// Next skips the current partner and searches again.
func (c *Controller) Next() {
	c.mu.Lock()
	c.searching = true
	peer := c.peer
	c.peer = nil
	c.matchID = ""
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	c.ch.Send(wire.DestLeave, mustJSON(c.prefs))
	c.sendJoin()
}

// OnReady implements transport.Handler: subscribe to the private
// queues and resume searching if a search was in flight.
func (c *Controller) OnReady() {
	c.ch.Subscribe("0", wire.DestEvents)
	c.ch.Subscribe("1", wire.DestSignals)

	c.mu.Lock()
	searching := c.searching
	c.mu.Unlock()
	if searching {
		c.sendJoin()
	}
}

// OnMessage implements transport.Handler.
func (c *Controller) OnMessage(destination string, body []byte) {
	switch destination {
	case wire.DestEvents:
		c.handleEvent(body)
	case wire.DestSignals:
		c.handleSignal(body)
	default:
		log.Printf("[session] message for unknown destination %q", destination)
	}
}

// OnConnectionLost implements transport.Handler: the reconnect budget
// is exhausted, nothing left to do but tear down.
func (c *Controller) OnConnectionLost(err error) {
	log.Printf("[session] connection lost for good: %v", err)
	c.mu.Lock()
	c.searching = false
	c.stopRetryLocked()
	peer := c.peer
	c.peer = nil
	c.matchID = ""
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
}

func (c *Controller) handleEvent(body []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		log.Printf("[session] malformed event: %v", err)
		return
	}

	switch head.Type {
	case models.EventMatchFound:
		var ev models.MatchFoundEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			log.Printf("[session] malformed match event: %v", err)
			return
		}
		c.handleMatchFound(ev)

	case models.EventPartnerLeft:
		var ev models.PartnerLeftEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			log.Printf("[session] malformed partner-left event: %v", err)
			return
		}
		c.handlePartnerLeft(ev)

	case models.EventSearching:
		// The engine confirmed the queue entry; no retry needed.
		c.mu.Lock()
		c.stopRetryLocked()
		c.mu.Unlock()

	default:
		log.Printf("[session] unknown event type %q", head.Type)
	}
}

func (c *Controller) handleMatchFound(ev models.MatchFoundEvent) {
	log.Printf("[session] matched with %s (%s) match=%s initiator=%v",
		ev.PartnerUsername, ev.PartnerCountryCode, ev.MatchID, ev.Initiator)

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	ready := c.tracks.AwaitReady(ctx)
	cancel()
	if !ready {
		log.Printf("[session] local capture unavailable, cannot take the match")
		return
	}

	neg, err := c.newNegotiator(
		func(cand models.ICECandidatePayload) {
			if p := c.currentPeer(); p != nil {
				p.SendLocalCandidate(cand)
			}
		},
		func(state string) {
			if p := c.currentPeer(); p != nil {
				p.HandleConnectionState(state)
			}
		},
	)
	if err != nil {
		log.Printf("[session] create negotiator: %v", err)
		return
	}

	peer := rtc.NewPeerSession(ev.MatchID, neg, c.sendSignal, recoveryTimeout, func() {
		c.onPeerFailure(ev.MatchID)
	})

	c.mu.Lock()
	old := c.peer
	c.peer = peer
	c.matchID = ev.MatchID
	c.searching = false
	c.stopRetryLocked()
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	peer.Start(ev.Initiator)
}

func (c *Controller) handlePartnerLeft(ev models.PartnerLeftEvent) {
	c.mu.Lock()
	// The sentinel ("match no longer determinable") and any mismatched
	// id are stale by definition and must not tear down the session.
	if c.matchID == "" || ev.MatchID == models.UnknownMatchID || ev.MatchID != c.matchID {
		c.mu.Unlock()
		log.Printf("[session] stale partner-left for %q ignored", ev.MatchID)
		return
	}
	peer := c.peer
	c.peer = nil
	c.matchID = ""
	c.searching = true
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	log.Printf("[session] partner left, searching again")
	c.sendJoin()
}

// onPeerFailure runs when negotiation is beyond recovery; request a
// fresh match unless the session has moved on already.
func (c *Controller) onPeerFailure(matchID string) {
	c.mu.Lock()
	if c.matchID != matchID {
		c.mu.Unlock()
		return
	}
	c.peer = nil
	c.matchID = ""
	c.searching = true
	c.mu.Unlock()

	log.Printf("[session] call failed, searching again")
	c.ch.Send(wire.DestLeave, mustJSON(c.prefs))
	c.sendJoin()
}

func (c *Controller) handleSignal(body []byte) {
	var msg models.SignalMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("[session] malformed signal: %v", err)
		return
	}

	c.mu.Lock()
	peer := c.peer
	matchID := c.matchID
	c.mu.Unlock()
	if peer == nil || msg.MatchID != matchID {
		log.Printf("[session] signal %s for inactive match %s dropped", msg.Type, msg.MatchID)
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		var sdp models.SDPPayload
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			log.Printf("[session] malformed offer payload: %v", err)
			return
		}
		peer.HandleOffer(sdp.SDP)

	case models.SignalTypeAnswer:
		var sdp models.SDPPayload
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			log.Printf("[session] malformed answer payload: %v", err)
			return
		}
		peer.HandleAnswer(sdp.SDP)

	case models.SignalTypeCandidate:
		var cand models.ICECandidatePayload
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			log.Printf("[session] malformed candidate payload: %v", err)
			return
		}
		peer.AddRemoteCandidate(cand)

	default:
		log.Printf("[session] unknown signal type %q", msg.Type)
	}
}

func (c *Controller) currentPeer() *rtc.PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Controller) sendJoin() {
	c.ch.Send(wire.DestJoin, mustJSON(c.prefs))
	c.mu.Lock()
	c.stopRetryLocked()
	c.retryTimer = time.AfterFunc(c.retryInterval, c.retryJoin)
	c.mu.Unlock()
}

// retryJoin fires when a sent join produced neither SEARCHING nor
// MATCH_FOUND inside the retry window.
func (c *Controller) retryJoin() {
	c.mu.Lock()
	stillWaiting := c.searching && c.peer == nil
	c.mu.Unlock()
	if stillWaiting {
		log.Printf("[session] no queue activity, re-sending join")
		c.sendJoin()
	}
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Controller) sendSignal(msg models.SignalMessage) {
	c.ch.Send(wire.DestSignal, mustJSON(msg))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[session] marshal: %v", err)
		return []byte("{}")
	}
	return b
}
