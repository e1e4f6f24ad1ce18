package models

import "time"

// Gender is a user's stated gender or gender preference.
type Gender string

const (
	GenderAll    Gender = "ALL"
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
)

// AnyCountry is the wildcard country preference.
const AnyCountry = "*"

// AutoCountry asks the server to geolocate the user's source IP.
const AutoCountry = "AUTO"

// WaitingEntry is one user currently seeking a partner.
// Created on a join request; removed on match, explicit leave, or
// disconnect. Never persisted.
type WaitingEntry struct {
	UserID           string
	DisplayName      string
	OriginCountry    string
	PreferredCountry string // AnyCountry means no preference
	PreferredGender  Gender
	Gender           Gender
	IsPremium        bool
	Karma            int
	SourceIP         string
	SessionID        string
	LastPartnerID    string // empty when the user has no previous partner
	JoinedAt         time.Time
}

// Match pairs two users. Created atomically when two waiting entries
// are paired; destroyed when either side leaves, disconnects, or
// requests the next partner. Destruction is idempotent.
type Match struct {
	ID        string
	UserA     string
	UserB     string
	Initiator string // userID of the side that creates the offer
	CreatedAt time.Time
}

// Partner returns the other side of the match, or "" if userID is not
// part of it.
func (m *Match) Partner(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}
