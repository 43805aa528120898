package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Session- and recipient-scoped bucket parameters. Both buckets must grant a
// token before a send is admitted.
const (
	sessionBucketCapacity = 6
	sessionBucketRefill   = 1.0 // tokens per second
	contactBucketCapacity = 3
	contactBucketRefill   = 0.25
)

// Limiter owns the per-key token buckets. Keys are never enumerated by hot
// paths, so a single mutex over the map is enough.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim     *rate.Limiter
	lastUse time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow consumes one token from the bucket for key, creating it full on
// first use. now must be non-decreasing per key.
func (l *Limiter) Allow(key string, capacity int, refillPerSec float64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(refillPerSec), capacity)}
		l.buckets[key] = b
	}
	b.lastUse = now
	return b.lim.AllowN(now, 1)
}

// AllowSend consumes a token from both the session-wide and the
// per-recipient bucket. Both are consumed even when only one grants, the
// same way repeated denied attempts keep draining the wider bucket.
func (l *Limiter) AllowSend(sessionID, recipient string, now time.Time) bool {
	okSession := l.Allow("s:"+sessionID, sessionBucketCapacity, sessionBucketRefill, now)
	okContact := l.Allow("j:"+sessionID+":"+recipient, contactBucketCapacity, contactBucketRefill, now)
	return okSession && okContact
}

// Tokens reports the current token count for a key, for introspection.
func (l *Limiter) Tokens(key string, now time.Time) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return 0, false
	}
	return b.lim.TokensAt(now), true
}

// Prune drops buckets unused since the cutoff.
func (l *Limiter) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastUse.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
