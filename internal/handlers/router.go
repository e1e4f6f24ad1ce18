package handlers

import (
	"log"

	"github.com/pairvid/pairvid/internal/models"
)

// PartnerTable resolves a user's current partner from the engine's
// active-match table.
type PartnerTable interface {
	PartnerOf(userID string) (partnerID, matchID string, ok bool)
}

// Delivery pushes a signaling message to one user's private
// destination. Returns false when the user has no live session.
type Delivery interface {
	Deliver(userID string, msg models.SignalMessage) bool
}

// Router forwards offer/answer/ICE payloads to the sender's current
// partner and nobody else. Broadcasting is never an option here: a
// sender receiving its own signaling echo corrupts the peer state
// machine on the client.
type Router struct {
	table    PartnerTable
	delivery Delivery
}

func NewRouter(table PartnerTable, delivery Delivery) *Router {
	return &Router{table: table, delivery: delivery}
}

// Route looks up the sender's partner and forwards msg to that one
// session. The matchId inside the payload is untrusted display data;
// the active-match table is the only routing source. Messages with no
// active partner are dropped.
func (r *Router) Route(fromUser string, msg models.SignalMessage) {
	partner, matchID, ok := r.table.PartnerOf(fromUser)
	if !ok {
		log.Printf("[router] dropping %s from %s: no active match", msg.Type, fromUser)
		return
	}

	msg.MatchID = matchID
	if !r.delivery.Deliver(partner, msg) {
		log.Printf("[router] dropping %s for %s: no live session", msg.Type, partner)
	}
}
