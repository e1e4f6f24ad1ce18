package matching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pairvid/pairvid/config"
	"github.com/pairvid/pairvid/internal/models"
)

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		TickInterval:       500 * time.Millisecond,
		GenderTierAfter:    500 * time.Millisecond,
		StandardTierAfter:  1500 * time.Millisecond,
		RandomTierAfter:    3 * time.Second,
		JoinCooldown:       3 * time.Second,
		MatchProtection:    2 * time.Second,
		KarmaTolerance:     70,
		SmallPoolThreshold: 2,
	}
}

// captureNotifier records events per user.
type captureNotifier struct {
	mu     sync.Mutex
	events map[string][]any
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{events: make(map[string][]any)}
}

func (n *captureNotifier) Notify(userID string, event any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], event)
}

func (n *captureNotifier) matchFound(userID string) []models.MatchFoundEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.MatchFoundEvent
	for _, ev := range n.events[userID] {
		if m, ok := ev.(models.MatchFoundEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

func (n *captureNotifier) partnerLeft(userID string) []models.PartnerLeftEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.PartnerLeftEvent
	for _, ev := range n.events[userID] {
		if m, ok := ev.(models.PartnerLeftEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

// newTestEngine returns an engine with a controllable clock.
func newTestEngine(n Notifier) (*Engine, *time.Time) {
	e := NewEngine(testMatchingConfig(), n, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func entry(id string, gender, prefGender models.Gender, opts ...func(*models.WaitingEntry)) models.WaitingEntry {
	en := models.WaitingEntry{
		UserID:           id,
		DisplayName:      "user-" + id,
		OriginCountry:    "US",
		PreferredCountry: models.AnyCountry,
		PreferredGender:  prefGender,
		Gender:           gender,
		SourceIP:         "203.0.113." + id,
		SessionID:        "sess-" + id,
	}
	for _, opt := range opts {
		opt(&en)
	}
	return en
}

func premium(en *models.WaitingEntry) { en.IsPremium = true }

func TestStrictPremiumMatchWithinOneTick(t *testing.T) {
	n := newCaptureNotifier()
	e, _ := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderFemale, premium, func(en *models.WaitingEntry) {
		en.PreferredCountry = "US"
	}))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	a, b := n.matchFound("1"), n.matchFound("2")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("match events: a=%d b=%d, want 1 each", len(a), len(b))
	}
	if a[0].MatchID != b[0].MatchID {
		t.Errorf("match IDs differ: %s vs %s", a[0].MatchID, b[0].MatchID)
	}
	if a[0].Initiator == b[0].Initiator {
		t.Errorf("exactly one side must be initiator, got %v/%v", a[0].Initiator, b[0].Initiator)
	}
	if a[0].PartnerID != "2" || b[0].PartnerID != "1" {
		t.Errorf("partner IDs wrong: %s / %s", a[0].PartnerID, b[0].PartnerID)
	}
}

func TestMatchSymmetryAndMutualExclusivity(t *testing.T) {
	n := newCaptureNotifier()
	e, _ := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	p1, m1, ok1 := e.PartnerOf("1")
	p2, m2, ok2 := e.PartnerOf("2")
	if !ok1 || !ok2 {
		t.Fatal("both users should be matched")
	}
	if p1 != "2" || p2 != "1" || m1 != m2 {
		t.Errorf("asymmetric match: partner(1)=%s partner(2)=%s ids %s/%s", p1, p2, m1, m2)
	}
	if e.Waiting() != 0 {
		t.Errorf("matched users must not remain in the pool, %d waiting", e.Waiting())
	}
}

func TestLeaveNotifiesPartnerExactlyOnce(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	_, matchID, _ := e.PartnerOf("1")
	*now = now.Add(3 * time.Second) // past the protection window

	e.Leave("1")
	e.Leave("1") // duplicate

	left := n.partnerLeft("2")
	if len(left) != 1 {
		t.Fatalf("partner-left events = %d, want exactly 1", len(left))
	}
	if left[0].MatchID != matchID {
		t.Errorf("partner-left matchId = %s, want %s", left[0].MatchID, matchID)
	}
	if _, _, ok := e.PartnerOf("2"); ok {
		t.Error("match should be gone after leave")
	}
}

func TestLeaveInsideProtectionWindowIgnored(t *testing.T) {
	n := newCaptureNotifier()
	e, _ := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	e.Leave("1") // stale leave right after MATCH_FOUND
	if _, _, ok := e.PartnerOf("1"); !ok {
		t.Fatal("protected match must survive an immediate leave")
	}
	if len(n.partnerLeft("2")) != 0 {
		t.Error("no partner-left expected inside the protection window")
	}

	// A transport disconnect is authoritative regardless of the window.
	e.Disconnect("1")
	if _, _, ok := e.PartnerOf("2"); ok {
		t.Error("disconnect must tear the match down")
	}
}

func TestJoinCooldownRejectsRapidRejoin(t *testing.T) {
	e, now := newTestEngine(newCaptureNotifier())

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Leave("1")
	if e.Waiting() != 0 {
		t.Fatal("pool should be empty after leave")
	}

	*now = now.Add(time.Second) // still inside the 3s cooldown
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	if e.Waiting() != 0 {
		t.Error("join inside cooldown must be rejected")
	}

	*now = now.Add(3 * time.Second)
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	if e.Waiting() != 1 {
		t.Error("join after cooldown must be accepted")
	}
}

func TestRejoinAfterPartnerLeftNotThrottled(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	// Partner leaves after the protection window closes but before the
	// cooldown from the original join would have elapsed.
	*now = now.Add(2100 * time.Millisecond)
	e.Leave("2")
	if len(n.partnerLeft("1")) != 1 {
		t.Fatal("user 1 should be told the partner left")
	}

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	if e.Waiting() != 1 {
		t.Error("rejoin after a finished match must not hit the join cooldown")
	}
}

func TestSamePublicIPNeverPairs(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	sameIP := func(en *models.WaitingEntry) { en.SourceIP = "203.0.113.50" }
	e.Join(entry("1", models.GenderMale, models.GenderAll, sameIP))
	e.Join(entry("2", models.GenderFemale, models.GenderAll, sameIP))

	*now = now.Add(5 * time.Second) // deep into the random tier
	e.Tick()
	if len(n.matchFound("1")) != 0 {
		t.Error("users behind the same public IP must not pair")
	}

	// Shared private addresses are exempt (NAT, container bridges).
	e2, now2 := newTestEngine(n)
	natIP := func(en *models.WaitingEntry) { en.SourceIP = "192.168.1.7" }
	e2.Join(entry("3", models.GenderMale, models.GenderAll, natIP))
	e2.Join(entry("4", models.GenderFemale, models.GenderAll, natIP))
	*now2 = now2.Add(5 * time.Second)
	e2.Tick()
	if len(n.matchFound("3")) != 1 {
		t.Error("users behind a shared private range should pair")
	}
}

func TestRepeatAvoidanceWithLargerPool(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	// Establish 1<->2 as previous partners.
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()
	*now = now.Add(5 * time.Second)
	e.Leave("1")

	// All four rejoin; 1 must avoid 2 while alternatives exist.
	*now = now.Add(5 * time.Second)
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Join(entry("3", models.GenderFemale, models.GenderAll))
	e.Join(entry("4", models.GenderMale, models.GenderAll))
	*now = now.Add(5 * time.Second)
	e.Tick()

	p1, _, ok := e.PartnerOf("1")
	if !ok {
		t.Fatal("user 1 should be matched")
	}
	if p1 == "2" {
		t.Error("user 1 re-paired with previous partner despite alternatives")
	}
}

func TestSmallPoolAllowsRepairing(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()
	*now = now.Add(5 * time.Second)
	e.Leave("1")

	// Only the two ex-partners remain; they must be allowed to re-pair.
	*now = now.Add(5 * time.Second)
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Tick()

	if _, _, ok := e.PartnerOf("1"); !ok {
		t.Error("pool of two ex-partners must re-pair, not deadlock")
	}
}

func TestStandardUsersWaitForTheirTier(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	// Four standard users keep the pool above the small-pool override.
	e.Join(entry("1", models.GenderMale, models.GenderAll))
	e.Join(entry("2", models.GenderFemale, models.GenderAll))
	e.Join(entry("3", models.GenderMale, models.GenderAll))
	e.Join(entry("4", models.GenderFemale, models.GenderAll))

	e.Tick()
	if len(n.matchFound("1")) != 0 {
		t.Fatal("standard users must not match before the standard tier opens")
	}

	*now = now.Add(1600 * time.Millisecond)
	e.Tick()
	if len(n.matchFound("1")) != 1 {
		t.Error("standard opposite-gender match expected after 1.5s")
	}
}

func TestKarmaGapBlocksStrictTierOnly(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	karma := func(k int) func(*models.WaitingEntry) {
		return func(en *models.WaitingEntry) { en.Karma = k }
	}
	// Keep two filler users so the pool is not small.
	e.Join(entry("1", models.GenderMale, models.GenderFemale, premium, karma(0)))
	e.Join(entry("2", models.GenderFemale, models.GenderMale, premium, karma(200)))
	e.Join(entry("3", models.GenderMale, models.GenderMale))
	e.Join(entry("4", models.GenderFemale, models.GenderFemale))

	e.Tick()
	if len(n.matchFound("1")) != 0 {
		t.Fatal("karma gap of 200 must block the strict tier")
	}

	// After the gender-only tier opens the karma rule no longer applies.
	*now = now.Add(600 * time.Millisecond)
	e.Tick()
	if len(n.matchFound("1")) != 1 {
		t.Error("gender-only premium tier should pair despite karma gap")
	}
}

func TestSearchingEmittedWhileWaiting(t *testing.T) {
	n := newCaptureNotifier()
	e, _ := newTestEngine(n)

	e.Join(entry("1", models.GenderMale, models.GenderFemale))
	e.Tick()

	n.mu.Lock()
	defer n.mu.Unlock()
	found := false
	for _, ev := range n.events["1"] {
		if s, ok := ev.(models.SearchingEvent); ok && s.Type == models.EventSearching {
			found = true
		}
	}
	if !found {
		t.Error("waiting user should receive a SEARCHING event per pass")
	}
}

func TestConcurrentTicksNeverDoublePair(t *testing.T) {
	n := newCaptureNotifier()
	e := NewEngine(testMatchingConfig(), n, nil)

	for i := 0; i < 8; i++ {
		g := models.GenderMale
		if i%2 == 1 {
			g = models.GenderFemale
		}
		en := entry(fmt.Sprintf("%d", i+1), g, models.GenderAll)
		en.JoinedAt = time.Now().Add(-10 * time.Second)
		e.mu.Lock()
		ec := en
		e.pool = append(e.pool, &ec)
		e.poolIdx[en.UserID] = &ec
		e.mu.Unlock()
	}

	var wg sync.WaitGroup
	for j := 0; j < 16; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Tick()
		}()
	}
	wg.Wait()
	// Drain any pass that was skipped by the in-flight guard.
	e.Tick()
	e.Tick()

	for id := 1; id <= 8; id++ {
		uid := fmt.Sprintf("%d", id)
		events := n.matchFound(uid)
		if len(events) > 1 {
			t.Fatalf("user %s matched %d times", uid, len(events))
		}
		if len(events) == 1 {
			partner, _, ok := e.PartnerOf(uid)
			if !ok || partner != events[0].PartnerID {
				t.Errorf("user %s: table partner %q, notified partner %q", uid, partner, events[0].PartnerID)
			}
		}
	}
}

func TestPremiumProcessedFirst(t *testing.T) {
	n := newCaptureNotifier()
	e, now := newTestEngine(n)

	// A standard user joins first, then a premium user. With one
	// female candidate available the premium requester should claim it.
	e.Join(entry("1", models.GenderMale, models.GenderFemale))
	e.Join(entry("2", models.GenderMale, models.GenderFemale, premium))
	e.Join(entry("3", models.GenderFemale, models.GenderAll))
	*now = now.Add(5 * time.Second)
	e.Tick()

	events := n.matchFound("3")
	if len(events) != 1 {
		t.Fatalf("expected user 3 to be matched, got %d events", len(events))
	}
	if events[0].PartnerID != "2" {
		t.Errorf("premium user should be paired first, partner = %s", events[0].PartnerID)
	}
}
