package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k", 3, 0.25, now), "token %d within capacity", i+1)
	}
	assert.False(t, l.Allow("k", 3, 0.25, now), "capacity exhausted")
}

func TestLimiter_RefillIsBounded(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	// Drain the bucket.
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k", 3, 0.25, now))
	}

	// 4 seconds at 0.25/s grants exactly one token.
	now = now.Add(4 * time.Second)
	assert.True(t, l.Allow("k", 3, 0.25, now))
	assert.False(t, l.Allow("k", 3, 0.25, now))
}

func TestLimiter_NeverExceedsCapacity(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	require.True(t, l.Allow("k", 3, 0.25, now))

	// A long idle period refills to capacity, not beyond.
	now = now.Add(time.Hour)
	tokens, ok := l.Tokens("k", now)
	require.True(t, ok)
	assert.InDelta(t, 3.0, tokens, 0.001)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k", 3, 0.25, now))
	}
	assert.False(t, l.Allow("k", 3, 0.25, now))
}

func TestLimiter_AllowSendConsumesBothScopes(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	// The per-recipient bucket (capacity 3) runs out before the session
	// bucket (capacity 6).
	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowSend("acct1", "r1", now))
	}
	assert.False(t, l.AllowSend("acct1", "r1", now))

	// A different recipient still has its own bucket, but the session
	// bucket kept draining on the denied attempt above.
	assert.True(t, l.AllowSend("acct1", "r2", now))
	assert.True(t, l.AllowSend("acct1", "r3", now))
	assert.False(t, l.AllowSend("acct1", "r4", now), "session bucket exhausted")
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	l.Allow("old", 3, 0.25, now)
	l.Allow("fresh", 3, 0.25, now.Add(20*time.Minute))

	removed := l.Prune(now.Add(10 * time.Minute))
	assert.Equal(t, 1, removed)

	_, ok := l.Tokens("old", now.Add(20*time.Minute))
	assert.False(t, ok)
	_, ok = l.Tokens("fresh", now.Add(20*time.Minute))
	assert.True(t, ok)
}
