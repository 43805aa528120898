// Package session owns the per-session connection state machine: pairing,
// the QR freshness watchdog, reconnect backoff, and terminal logout handling.
// All other packages see sessions through read-only snapshots.
package session

import (
	"math/rand"
	"time"
)

// State is a session's connection state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateInactive   State = "inactive"
)

// Snapshot is a point-in-time copy of one session's state.
type Snapshot struct {
	ID              string    `json:"sessionId"`
	State           State     `json:"status"`
	PairingCode     string    `json:"qr,omitempty"`
	PairingCodeAt   time.Time `json:"qrAt,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdateAt    time.Time `json:"lastUpdate"`
	BackoffAttempts int       `json:"backoffAttempts"`
}

// Options are the lifecycle tunables. Tests shrink the durations.
type Options struct {
	// WatchdogTick is how often the QR watchdog wakes up.
	WatchdogTick time.Duration

	// PairingCodeTTL is how long an unscanned pairing code stays valid
	// before the watchdog forces a fresh one.
	PairingCodeTTL time.Duration

	// BackoffBase is the first reconnect delay; it doubles per attempt up
	// to BackoffCap, and the attempt counter stops at BackoffMaxAttempts.
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BackoffMaxAttempts int

	// RefreshMinInterval throttles ForceRefresh per session.
	RefreshMinInterval time.Duration

	// AutoPurgeOnLogout drops persisted credentials when the provider
	// reports an authenticated logout.
	AutoPurgeOnLogout bool
}

// DefaultOptions returns the production tunables.
func DefaultOptions() Options {
	return Options{
		WatchdogTick:       5 * time.Second,
		PairingCodeTTL:     60 * time.Second,
		BackoffBase:        time.Second,
		BackoffCap:         60 * time.Second,
		BackoffMaxAttempts: 8,
		RefreshMinInterval: 60 * time.Second,
	}
}

// backoffDelay returns the pre-jitter reconnect delay for the given attempt
// number (0-based). The delay doubles per attempt and plateaus at the cap.
func backoffDelay(attempt int, opts Options) time.Duration {
	if attempt > opts.BackoffMaxAttempts {
		attempt = opts.BackoffMaxAttempts
	}
	d := opts.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= opts.BackoffCap {
			return opts.BackoffCap
		}
	}
	if d > opts.BackoffCap {
		d = opts.BackoffCap
	}
	return d
}

// withJitter spreads a delay by ±50%.
func withJitter(d time.Duration) time.Duration {
	f := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(float64(d) * f)
}
