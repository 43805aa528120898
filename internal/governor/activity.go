package governor

import (
	"sync"
	"time"
)

// ActivityTracker remembers the last inbound message and the last
// successful send per (session, recipient), for the recent-inbound and
// rapid-fire rules and the cold-start link policy.
type ActivityTracker struct {
	mu          sync.Mutex
	lastInbound map[string]time.Time
	lastSent    map[string]time.Time
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		lastInbound: make(map[string]time.Time),
		lastSent:    make(map[string]time.Time),
	}
}

func activityKey(sessionID, recipient string) string {
	return sessionID + ":" + recipient
}

// RecordInbound stamps an inbound message from recipient.
func (a *ActivityTracker) RecordInbound(sessionID, recipient string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastInbound[activityKey(sessionID, recipient)] = now
}

// RecordSent stamps a successful send to recipient.
func (a *ActivityTracker) RecordSent(sessionID, recipient string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSent[activityKey(sessionID, recipient)] = now
}

// SinceInbound returns the elapsed time since the last inbound message from
// recipient, or false if there never was one.
func (a *ActivityTracker) SinceInbound(sessionID, recipient string, now time.Time) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.lastInbound[activityKey(sessionID, recipient)]
	if !ok {
		return 0, false
	}
	return now.Sub(ts), true
}

// SinceSent returns the elapsed time since the last successful send to
// recipient, or false if there never was one.
func (a *ActivityTracker) SinceSent(sessionID, recipient string, now time.Time) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.lastSent[activityKey(sessionID, recipient)]
	if !ok {
		return 0, false
	}
	return now.Sub(ts), true
}

// OptOutSet is the set of recipients that asked to stop receiving messages.
type OptOutSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewOptOutSet creates a set seeded with the given recipients.
func NewOptOutSet(seed []string) *OptOutSet {
	s := &OptOutSet{set: make(map[string]struct{}, len(seed))}
	for _, r := range seed {
		s.set[r] = struct{}{}
	}
	return s
}

// Add marks a recipient as opted out.
func (s *OptOutSet) Add(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[recipient] = struct{}{}
}

// Contains reports whether a recipient opted out.
func (s *OptOutSet) Contains(recipient string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[recipient]
	return ok
}
