package governor

import (
	"sync"
	"time"
)

// Escalating pause tiers for repeated provider risk signals.
var pauseTiers = [4]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// PauseBoard tracks session-wide send pauses with escalation. Unlike the
// cooldown ledger, pause strikes never decay on expiry: repeated provider
// signals keep climbing the tiers for the life of the process.
type PauseBoard struct {
	mu      sync.Mutex
	until   map[string]time.Time
	strikes map[string]int
}

// NewPauseBoard creates an empty board.
func NewPauseBoard() *PauseBoard {
	return &PauseBoard{
		until:   make(map[string]time.Time),
		strikes: make(map[string]int),
	}
}

// IsPaused reports whether the session is under an active pause window.
func (p *PauseBoard) IsPaused(sessionID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.until[sessionID])
}

// Remaining returns how long the active pause still lasts, or zero.
func (p *PauseBoard) Remaining(sessionID string, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.until[sessionID].Sub(now); r > 0 {
		return r
	}
	return 0
}

// Escalate records a provider risk strike and applies the matching pause
// tier. Returns the applied duration and the strike count.
func (p *PauseBoard) Escalate(sessionID string, now time.Time) (time.Duration, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	strikes := p.strikes[sessionID] + 1
	p.strikes[sessionID] = strikes
	idx := strikes - 1
	if idx >= len(pauseTiers) {
		idx = len(pauseTiers) - 1
	}
	d := pauseTiers[idx]
	p.until[sessionID] = now.Add(d)
	return d, strikes
}

// Clear lifts the pause and forgets the strikes for a session.
func (p *PauseBoard) Clear(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.until, sessionID)
	delete(p.strikes, sessionID)
}
