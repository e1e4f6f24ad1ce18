// Package matching owns the waiting pool and the tiered pairing
// algorithm. All pool and match-table mutations go through the Engine;
// callers never see the underlying maps.
package matching

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pairvid/pairvid/config"
	"github.com/pairvid/pairvid/internal/geo"
	"github.com/pairvid/pairvid/internal/models"
)

// Notifier delivers an event to one user's private destination.
// Delivery is fire-and-forget; the engine never waits for an ack.
type Notifier interface {
	Notify(userID string, event any)
}

// KarmaStore persists per-user quality scores across sessions.
type KarmaStore interface {
	Load(userID string) (int, bool)
	Store(userID string, karma int)
}

// Engine is the matchmaking engine. One instance owns the waiting pool
// and the active-match table; Join, Leave, and the pairing pass all
// serialize on a single mutex.
type Engine struct {
	cfg      config.MatchingConfig
	notifier Notifier
	karma    KarmaStore

	now func() time.Time

	mu          sync.Mutex
	pool        []*models.WaitingEntry // join order
	poolIdx     map[string]*models.WaitingEntry
	matches     map[string]*models.Match // by match ID
	matchByUser map[string]*models.Match
	lastJoin    map[string]time.Time
	lastPartner map[string]string

	// ticking makes the pairing pass skip-if-busy: a tick that finds
	// another tick in flight returns instead of queueing behind it.
	ticking atomic.Bool
}

type pendingNotify struct {
	userID string
	event  any
}

// NewEngine creates an Engine. karma may be nil.
func NewEngine(cfg config.MatchingConfig, notifier Notifier, karma KarmaStore) *Engine {
	return &Engine{
		cfg:         cfg,
		notifier:    notifier,
		karma:       karma,
		now:         time.Now,
		poolIdx:     make(map[string]*models.WaitingEntry),
		matches:     make(map[string]*models.Match),
		matchByUser: make(map[string]*models.Match),
		lastJoin:    make(map[string]time.Time),
		lastPartner: make(map[string]string),
	}
}

// Join adds a user to the waiting pool. A join inside the cooldown
// window of the user's previous join is rejected silently, leaving all
// state unchanged. Joining while matched tears the match down first,
// unless the match is inside its protection window, in which case the
// join is treated as a stale retry and dropped.
func (e *Engine) Join(entry models.WaitingEntry) {
	e.mu.Lock()
	now := e.now()

	if last, ok := e.lastJoin[entry.UserID]; ok && now.Sub(last) < e.cfg.JoinCooldown {
		e.mu.Unlock()
		log.Printf("[matching] join from %s inside cooldown, ignored", entry.UserID)
		return
	}

	var notifies []pendingNotify
	if m, ok := e.matchByUser[entry.UserID]; ok {
		if now.Sub(m.CreatedAt) < e.cfg.MatchProtection {
			e.mu.Unlock()
			log.Printf("[matching] join from %s while match %s is protected, ignored", entry.UserID, m.ID)
			return
		}
		notifies = e.endMatchLocked(m, entry.UserID)
	}

	if _, ok := e.poolIdx[entry.UserID]; !ok {
		if e.karma != nil {
			if score, ok := e.karma.Load(entry.UserID); ok {
				entry.Karma = score
			}
		}
		entry.LastPartnerID = e.lastPartner[entry.UserID]
		entry.JoinedAt = now
		ec := entry
		e.pool = append(e.pool, &ec)
		e.poolIdx[entry.UserID] = &ec
		log.Printf("[matching] %s joined the pool (%d waiting)", entry.UserID, len(e.pool))
	}
	e.lastJoin[entry.UserID] = now
	e.mu.Unlock()

	e.dispatch(notifies)
}

// Leave removes the user from the pool and, if matched, ends the match
// and notifies the partner. Repeated calls are no-ops. A leave arriving
// while the user's match is still inside its protection window is
// treated as a stale event and dropped.
func (e *Engine) Leave(userID string) {
	e.teardown(userID, true)
}

// Disconnect is Leave driven by transport closure. The connection is
// authoritatively gone, so the match protection window does not apply.
func (e *Engine) Disconnect(userID string) {
	e.teardown(userID, false)
}

func (e *Engine) teardown(userID string, respectProtection bool) {
	e.mu.Lock()
	e.removeFromPoolLocked(userID)

	var notifies []pendingNotify
	if m, ok := e.matchByUser[userID]; ok {
		if respectProtection && e.now().Sub(m.CreatedAt) < e.cfg.MatchProtection {
			e.mu.Unlock()
			log.Printf("[matching] leave from %s while match %s is protected, ignored", userID, m.ID)
			return
		}
		notifies = e.endMatchLocked(m, userID)
	}
	e.mu.Unlock()

	e.dispatch(notifies)
}

// PartnerOf returns the current partner and match ID for a user, if
// any. This is the routing table for signal forwarding.
func (e *Engine) PartnerOf(userID string) (partnerID, matchID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, found := e.matchByUser[userID]
	if !found {
		return "", "", false
	}
	return m.Partner(userID), m.ID, true
}

// Waiting returns the current pool size.
func (e *Engine) Waiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pool)
}

// Run ticks the engine on the configured interval until ctx is done.
func (e *Engine) Run(done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one pairing pass. A tick that finds another pass in flight
// returns immediately; pairing is re-attempted on the next interval.
func (e *Engine) Tick() {
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	e.mu.Lock()
	notifies := e.pairLocked()
	e.mu.Unlock()

	e.dispatch(notifies)
}

// pairLocked runs the tiered search over a premium-first, join-ordered
// view of the pool.
func (e *Engine) pairLocked() []pendingNotify {
	now := e.now()
	var notifies []pendingNotify

	ordered := make([]*models.WaitingEntry, len(e.pool))
	copy(ordered, e.pool)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].IsPremium && !ordered[j].IsPremium
	})

	for _, r := range ordered {
		if _, stillWaiting := e.poolIdx[r.UserID]; !stillWaiting {
			continue
		}

		c := e.findCandidateLocked(r, now)
		if c == nil {
			continue
		}
		notifies = append(notifies, e.createMatchLocked(r, c, now)...)
	}

	for _, r := range e.pool {
		notifies = append(notifies, pendingNotify{r.UserID, models.SearchingEvent{Type: models.EventSearching}})
	}
	return notifies
}

func (e *Engine) findCandidateLocked(r *models.WaitingEntry, now time.Time) *models.WaitingEntry {
	wait := now.Sub(r.JoinedAt)
	smallPool := len(e.pool) <= e.cfg.SmallPoolThreshold

	// Tier 1: strict premium match.
	if r.IsPremium {
		if c := e.scanLocked(r, func(c *models.WaitingEntry) bool {
			return e.strictCompatible(r, c)
		}); c != nil {
			return c
		}
	}

	// Tier 2: gender-only premium match.
	if r.IsPremium && (wait >= e.cfg.GenderTierAfter || smallPool) {
		if c := e.scanLocked(r, func(c *models.WaitingEntry) bool {
			return genderSatisfied(r, c) && genderSatisfied(c, r)
		}); c != nil {
			return c
		}
	}

	// Tier 3: standard opposite-gender match. Preference mismatches
	// are ignored once the pool is small, to guarantee termination.
	if wait >= e.cfg.StandardTierAfter || smallPool {
		if c := e.scanLocked(r, func(c *models.WaitingEntry) bool {
			if c.Gender == r.Gender {
				return false
			}
			if smallPool {
				return true
			}
			return genderSatisfied(r, c) && genderSatisfied(c, r)
		}); c != nil {
			return c
		}
	}

	// Tier 4: random fallback, preferences ignored.
	if wait >= e.cfg.RandomTierAfter || smallPool {
		if c := e.scanLocked(r, func(*models.WaitingEntry) bool { return true }); c != nil {
			return c
		}
	}

	return nil
}

// scanLocked walks the pool in join order and returns the first
// candidate that passes the base validity rules plus the tier filter.
func (e *Engine) scanLocked(r *models.WaitingEntry, accept func(*models.WaitingEntry) bool) *models.WaitingEntry {
	for _, c := range e.pool {
		if c.UserID == r.UserID {
			continue
		}
		if !e.baseValidLocked(r, c) {
			continue
		}
		if accept(c) {
			return c
		}
	}
	return nil
}

func (e *Engine) baseValidLocked(r, c *models.WaitingEntry) bool {
	if geo.SharedNetwork(r.SourceIP, c.SourceIP) {
		return false
	}
	// Repeat-avoidance is dropped at tiny pool sizes so the last two
	// users can re-pair instead of waiting forever.
	if len(e.pool) > e.cfg.SmallPoolThreshold && (r.LastPartnerID == c.UserID || c.LastPartnerID == r.UserID) {
		return false
	}
	return true
}

// strictCompatible requires both sides' gender and country preferences
// to hold and the karma gap to be inside tolerance.
func (e *Engine) strictCompatible(r, c *models.WaitingEntry) bool {
	if !genderSatisfied(r, c) || !genderSatisfied(c, r) {
		return false
	}
	if !countrySatisfied(r, c) || !countrySatisfied(c, r) {
		return false
	}
	gap := r.Karma - c.Karma
	if gap < 0 {
		gap = -gap
	}
	return gap <= e.cfg.KarmaTolerance
}

// genderSatisfied reports whether candidate c's gender satisfies
// requester r's stated preference.
func genderSatisfied(r, c *models.WaitingEntry) bool {
	return r.PreferredGender == models.GenderAll || r.PreferredGender == c.Gender
}

// countrySatisfied reports whether candidate c's origin satisfies
// requester r's country preference.
func countrySatisfied(r, c *models.WaitingEntry) bool {
	switch r.PreferredCountry {
	case models.AnyCountry, models.AutoCountry, "":
		return true
	}
	return r.PreferredCountry == c.OriginCountry
}

// createMatchLocked pairs requester and candidate atomically: both
// leave the pool, the match table gains one entry, and both sides are
// queued a MATCH_FOUND with exactly one initiator flag set.
func (e *Engine) createMatchLocked(r, c *models.WaitingEntry, now time.Time) []pendingNotify {
	m := &models.Match{
		ID:        uuid.New().String(),
		UserA:     r.UserID,
		UserB:     c.UserID,
		Initiator: r.UserID,
		CreatedAt: now,
	}

	e.removeFromPoolLocked(r.UserID)
	e.removeFromPoolLocked(c.UserID)
	e.matches[m.ID] = m
	e.matchByUser[r.UserID] = m
	e.matchByUser[c.UserID] = m
	e.lastPartner[r.UserID] = c.UserID
	e.lastPartner[c.UserID] = r.UserID

	// The cooldown throttles repeated queue entries, and a match just
	// consumed this one. Clearing it here keeps a rejoin right after
	// PARTNER_LEFT from being eaten by a window started pre-match.
	delete(e.lastJoin, r.UserID)
	delete(e.lastJoin, c.UserID)

	log.Printf("[matching] matched %s with %s (match %s)", r.UserID, c.UserID, m.ID)

	return []pendingNotify{
		{r.UserID, models.MatchFoundEvent{
			Type:               models.EventMatchFound,
			MatchID:            m.ID,
			PartnerID:          c.UserID,
			PartnerUsername:    c.DisplayName,
			Initiator:          true,
			PartnerIP:          c.SourceIP,
			PartnerCountryCode: c.OriginCountry,
		}},
		{c.UserID, models.MatchFoundEvent{
			Type:               models.EventMatchFound,
			MatchID:            m.ID,
			PartnerID:          r.UserID,
			PartnerUsername:    r.DisplayName,
			Initiator:          false,
			PartnerIP:          r.SourceIP,
			PartnerCountryCode: r.OriginCountry,
		}},
	}
}

// endMatchLocked destroys a match and queues a PARTNER_LEFT for the
// side that did not initiate the teardown. Both sides are cleared
// atomically; calling it for an already-destroyed match is a no-op at
// the caller (matchByUser no longer resolves).
func (e *Engine) endMatchLocked(m *models.Match, leaverID string) []pendingNotify {
	delete(e.matches, m.ID)
	delete(e.matchByUser, m.UserA)
	delete(e.matchByUser, m.UserB)

	if e.karma != nil {
		e.karma.Store(m.UserA, e.bumpKarma(m.UserA))
		e.karma.Store(m.UserB, e.bumpKarma(m.UserB))
	}

	partner := m.Partner(leaverID)
	if partner == "" {
		return nil
	}
	log.Printf("[matching] match %s ended by %s", m.ID, leaverID)
	return []pendingNotify{
		{partner, models.PartnerLeftEvent{Type: models.EventPartnerLeft, MatchID: m.ID}},
	}
}

// bumpKarma rewards a completed conversation with a small score bump.
func (e *Engine) bumpKarma(userID string) int {
	score := 0
	if e.karma != nil {
		if s, ok := e.karma.Load(userID); ok {
			score = s
		}
	}
	return score + 1
}

func (e *Engine) removeFromPoolLocked(userID string) {
	if _, ok := e.poolIdx[userID]; !ok {
		return
	}
	delete(e.poolIdx, userID)
	for i, entry := range e.pool {
		if entry.UserID == userID {
			e.pool = append(e.pool[:i], e.pool[i+1:]...)
			break
		}
	}
}

func (e *Engine) dispatch(notifies []pendingNotify) {
	if e.notifier == nil {
		return
	}
	for _, n := range notifies {
		e.notifier.Notify(n.userID, n.event)
	}
}
