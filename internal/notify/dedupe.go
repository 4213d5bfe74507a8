package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// policy is the per-kind suppression contract: identical content inside
// dedupeWindow is dropped, sends closer together than minInterval are
// dropped, and more than maxPerHour in a sliding hour are dropped.
type policy struct {
	dedupeWindow time.Duration
	minInterval  time.Duration
	maxPerHour   int
}

var defaultPolicies = map[Kind]policy{
	KindPositionsUpdate: {dedupeWindow: 300 * time.Second, minInterval: 120 * time.Second, maxPerHour: 12},
	KindHeartbeat:       {dedupeWindow: 6 * time.Hour, minInterval: time.Hour, maxPerHour: 2},
	KindDailyReport:     {dedupeWindow: 12 * time.Hour, minInterval: 6 * time.Hour, maxPerHour: 2},
	KindEntryIntent:     {dedupeWindow: 900 * time.Second, minInterval: 300 * time.Second, maxPerHour: 8},
	KindTradeBuy:        {dedupeWindow: 10 * time.Second, minInterval: 5 * time.Second, maxPerHour: 60},
	KindTradeSell:       {dedupeWindow: 10 * time.Second, minInterval: 5 * time.Second, maxPerHour: 60},
	KindError:           {dedupeWindow: 300 * time.Second, minInterval: 60 * time.Second, maxPerHour: 20},
	KindRegimeChange:    {dedupeWindow: 300 * time.Second, minInterval: 180 * time.Second, maxPerHour: 10},
	KindFiscoAlert:      {dedupeWindow: 24 * time.Hour, minInterval: 12 * time.Hour, maxPerHour: 1},
}

// Suppression outcomes.
const (
	ReasonDuplicate = "duplicate"
	ReasonThrottled = "throttled"
	ReasonHourlyCap = "hourly-cap"
)

// Verdict says whether a notification may go out, and why not when it may
// not.
type Verdict struct {
	Allowed bool
	Reason  string
}

var allowed = Verdict{Allowed: true}

// ContentHash fingerprints a rendered body for dedupe.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// seen is a recorded identity with the moment it was last sent.
type seen struct {
	At time.Time `json:"at"`
}

// ThrottleState is the serializable snapshot mirrored to Redis so a restart
// does not replay everything it already said.
type ThrottleState struct {
	LastSent   map[string]time.Time   `json:"last_sent"`
	Sends      map[string][]time.Time `json:"sends"`
	Identities map[string]seen        `json:"identities"`
}

// Throttle applies the per-kind policy table. Safe for concurrent use.
type Throttle struct {
	mu         sync.Mutex
	policies   map[Kind]policy
	lastSent   map[Kind]time.Time
	sends      map[Kind][]time.Time
	identities map[string]seen
	now        func() time.Time
}

func NewThrottle() *Throttle {
	pols := make(map[Kind]policy, len(defaultPolicies))
	for kind, pol := range defaultPolicies {
		pols[kind] = pol
	}
	return &Throttle{
		policies:   pols,
		lastSent:   make(map[Kind]time.Time),
		sends:      make(map[Kind][]time.Time),
		identities: make(map[string]seen),
		now:        time.Now,
	}
}

// SetNow injects a deterministic clock.
func (t *Throttle) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// OverrideMinInterval replaces the minimum spacing for one kind. Used to
// apply operator-configured cooldowns on top of the defaults.
func (t *Throttle) OverrideMinInterval(kind Kind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pol, ok := t.policies[kind]
	if !ok || d <= 0 {
		return
	}
	pol.minInterval = d
	t.policies[kind] = pol
}

// Check decides whether a notification may be sent and records the send
// when it may. dedupeKey overrides the content hash as the dedupe identity
// when non-empty; kinds missing from the policy table always pass.
func (t *Throttle) Check(kind Kind, contentHash, dedupeKey string) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	pol, ok := t.policies[kind]
	if !ok {
		return allowed
	}

	now := t.now()
	identity := string(kind) + "|" + contentHash
	if dedupeKey != "" {
		identity = string(kind) + "|" + dedupeKey
	}

	if prev, ok := t.identities[identity]; ok && now.Sub(prev.At) < pol.dedupeWindow {
		return Verdict{Reason: ReasonDuplicate}
	}
	if last, ok := t.lastSent[kind]; ok && now.Sub(last) < pol.minInterval {
		return Verdict{Reason: ReasonThrottled}
	}

	recent := t.sends[kind][:0]
	for _, at := range t.sends[kind] {
		if now.Sub(at) < time.Hour {
			recent = append(recent, at)
		}
	}
	t.sends[kind] = recent
	if len(recent) >= pol.maxPerHour {
		return Verdict{Reason: ReasonHourlyCap}
	}

	t.identities[identity] = seen{At: now}
	t.lastSent[kind] = now
	t.sends[kind] = append(t.sends[kind], now)
	return allowed
}

// GC drops dedupe identities older than the retention window.
func (t *Throttle) GC(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for identity, s := range t.identities {
		if now.Sub(s.At) > retention {
			delete(t.identities, identity)
			removed++
		}
	}
	return removed
}

// Snapshot exports the state for persistence.
func (t *Throttle) Snapshot() *ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := &ThrottleState{
		LastSent:   make(map[string]time.Time, len(t.lastSent)),
		Sends:      make(map[string][]time.Time, len(t.sends)),
		Identities: make(map[string]seen, len(t.identities)),
	}
	for kind, at := range t.lastSent {
		state.LastSent[string(kind)] = at
	}
	for kind, ats := range t.sends {
		cp := make([]time.Time, len(ats))
		copy(cp, ats)
		state.Sends[string(kind)] = cp
	}
	for identity, s := range t.identities {
		state.Identities[identity] = s
	}
	return state
}

// Restore loads a persisted state, replacing the current one.
func (t *Throttle) Restore(state *ThrottleState) {
	if state == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSent = make(map[Kind]time.Time, len(state.LastSent))
	for kind, at := range state.LastSent {
		t.lastSent[Kind(kind)] = at
	}
	t.sends = make(map[Kind][]time.Time, len(state.Sends))
	for kind, ats := range state.Sends {
		cp := make([]time.Time, len(ats))
		copy(cp, ats)
		t.sends[Kind(kind)] = cp
	}
	t.identities = make(map[string]seen, len(state.Identities))
	for identity, s := range state.Identities {
		t.identities[identity] = s
	}
}
