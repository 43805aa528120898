package governor

import (
	"sort"
	"sync"
	"time"
)

// Escalation shared by every cooldown trigger: the n-th strike multiplies
// the base duration by min(n, 4), capped at one hour.
var strikeMultipliers = [4]int{1, 2, 3, 4}

const maxCooldown = time.Hour

// Cooldown keys, composed the same way everywhere so the ledger, the
// governor and the debug endpoint agree.
func SessionCooldownKey(sessionID string) string {
	return "cd:session:" + sessionID
}

func ContactCooldownKey(sessionID, recipient string) string {
	return "cd:contact:" + sessionID + ":" + recipient
}

type cooldownEntry struct {
	until   time.Time
	reason  string
	strikes int
	lastSet time.Time
}

// CooldownStatus is the result of a ledger check.
type CooldownStatus struct {
	Cooling   bool
	Remaining time.Duration
	Reason    string
	Strikes   int
}

// CooldownInfo is one active entry, for introspection.
type CooldownInfo struct {
	Key       string        `json:"key"`
	Reason    string        `json:"reason"`
	Strikes   int           `json:"strikes"`
	Remaining time.Duration `json:"remaining_ms"`
	LastSetAt time.Time     `json:"last_set_at"`
}

// CooldownLedger stores escalating penalties keyed by an arbitrary string.
// Expired entries are logically absent: strikes reset once an entry is
// allowed to lapse, and only refreshing it before expiry escalates.
type CooldownLedger struct {
	mu      sync.Mutex
	entries map[string]cooldownEntry
}

// NewCooldownLedger creates an empty ledger.
func NewCooldownLedger() *CooldownLedger {
	return &CooldownLedger{entries: make(map[string]cooldownEntry)}
}

// Check reports whether key is cooling at now. A lapsed entry is removed.
func (c *CooldownLedger) Check(key string, now time.Time) CooldownStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return CooldownStatus{}
	}
	remaining := e.until.Sub(now)
	if remaining <= 0 {
		delete(c.entries, key)
		return CooldownStatus{}
	}
	return CooldownStatus{Cooling: true, Remaining: remaining, Reason: e.reason, Strikes: e.strikes}
}

// Set records a trigger for key, escalating the prior strike count, and
// returns the strike count and the applied duration.
func (c *CooldownLedger) Set(key string, base time.Duration, reason string, now time.Time) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	strikes := 1
	if prev, ok := c.entries[key]; ok && now.Before(prev.until) {
		strikes = prev.strikes + 1
	}
	idx := strikes - 1
	if idx >= len(strikeMultipliers) {
		idx = len(strikeMultipliers) - 1
	}
	duration := base * time.Duration(strikeMultipliers[idx])
	if duration > maxCooldown {
		duration = maxCooldown
	}
	c.entries[key] = cooldownEntry{
		until:   now.Add(duration),
		reason:  reason,
		strikes: strikes,
		lastSet: now,
	}
	return strikes, duration
}

// Clear removes key from the ledger.
func (c *CooldownLedger) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Prune drops every expired entry and returns how many were removed.
func (c *CooldownLedger) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.until) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Snapshot returns the active entries sorted by remaining time, longest
// first, for the debug endpoint.
func (c *CooldownLedger) Snapshot(now time.Time) []CooldownInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CooldownInfo, 0, len(c.entries))
	for k, e := range c.entries {
		remaining := e.until.Sub(now)
		if remaining <= 0 {
			continue
		}
		out = append(out, CooldownInfo{
			Key:       k,
			Reason:    e.reason,
			Strikes:   e.strikes,
			Remaining: remaining,
			LastSetAt: e.lastSet,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remaining > out[j].Remaining })
	return out
}
