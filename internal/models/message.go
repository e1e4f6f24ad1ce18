package models

import "encoding/json"

// SignalType represents the type of WebRTC signaling message relayed
// between matched peers.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
)

// SignalMessage is the envelope relayed point-to-point between the two
// sides of a match. The MatchID is display-only on the server side:
// routing is always derived from the active-match table, never from
// this field.
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	MatchID string          `json:"matchId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Event types pushed to a user's private destination.
const (
	EventMatchFound  = "MATCH_FOUND"
	EventSearching   = "SEARCHING"
	EventPartnerLeft = "PARTNER_LEFT"
)

// UnknownMatchID is the sentinel used in a PARTNER_LEFT event when the
// match can no longer be determined. Receivers treat it as stale.
const UnknownMatchID = "-"

// MatchFoundEvent notifies one side of a new match. Exactly one of the
// two notifications carries Initiator=true.
type MatchFoundEvent struct {
	Type               string `json:"type"`
	MatchID            string `json:"matchId"`
	PartnerID          string `json:"partnerId"`
	PartnerUsername    string `json:"partnerUsername"`
	Initiator          bool   `json:"initiator"`
	PartnerIP          string `json:"partnerIp,omitempty"`
	PartnerCountryCode string `json:"partnerCountryCode,omitempty"`
}

// SearchingEvent tells a waiting user the engine is still looking.
type SearchingEvent struct {
	Type string `json:"type"`
}

// PartnerLeftEvent notifies the remaining side that its partner is
// gone. Receivers must ignore events whose MatchID does not match
// their currently recorded match.
type PartnerLeftEvent struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// JoinRequest is the client's queue entry request. MyCountry set to
// AutoCountry asks the server to geolocate the source IP.
type JoinRequest struct {
	MyCountry     string `json:"myCountry"`
	TargetCountry string `json:"targetCountry"`
	TargetGender  Gender `json:"targetGender"`
	Lang          string `json:"lang"`
}
