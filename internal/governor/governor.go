// Package governor decides, for every candidate outbound message, whether
// it may be sent now, must wait, or must be refused. It composes the token
// buckets, the cooldown ledger, the blast detector, and the daily-cap,
// pause and business-hour policies into one decision.
package governor

import (
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-gateway/internal/config"
	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
)

// Rule windows and cooldown bases.
const (
	recentInboundWindow    = 15 * time.Second
	minRecentInboundDefer  = 5 * time.Second
	contactCooldownBase    = 30 * time.Second
	rapidFireWindow        = 15 * time.Second
	rapidFireCooldownBase  = 60 * time.Second
	antiBlastCooldownBase  = 300 * time.Second
	coldStartInboundWindow = 48 * time.Hour
	providerRiskCooldown   = 5 * time.Minute
)

// Outcome classifies a decision.
type Outcome int

const (
	Admit Outcome = iota
	Defer
	Reject
)

// Stable machine-readable decision codes.
const (
	CodeOutsideBusinessHours = "outside_business_hours"
	CodeSessionPaused        = "session_paused"
	CodeRecipientOptedOut    = "recipient_opted_out"
	CodeAntiBlast            = "anti_blast_triggered"
	CodeNoLinksOnColdStart   = "no_links_on_cold_start"
	CodeRecentInbound        = "recent_inbound"
	CodeRapidFireContact     = "rapid_fire_contact"
	CodeRateLimited          = "rate_limited"
	CodeDailyCapReached      = "daily_cap_reached"
	CodeRetryAfterError      = "retry_after_error"
	CodeProviderSignalRisk   = "provider_signal_risk"
	CodeAntiBlastCooldown    = "anti_blast"
)

// Decision is the outcome of evaluating one candidate message.
type Decision struct {
	Outcome Outcome
	Code    string        // reject code or defer reason
	Delay   time.Duration // estimated retry delay for Defer (and blast rejects)
	Strikes int           // cooldown strikes, when a cooldown was touched
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://|\bwww\.`)

// SessionStartFunc reports when a session was first started, for the daily
// cap warm-up ramp. The lifecycle controller owns that state; the governor
// only reads it.
type SessionStartFunc func(sessionID string) (time.Time, bool)

// Governor owns all outbound governance state.
type Governor struct {
	policy       config.Policy
	utcOffset    int
	sessionStart SessionStartFunc
	logger       zerolog.Logger

	Limiter   *Limiter
	Cooldowns *CooldownLedger
	Blast     *BlastDetector
	Daily     *DailyCounters
	Pauses    *PauseBoard
	OptOut    *OptOutSet
	Activity  *ActivityTracker
}

// New creates a governor with empty state.
func New(policy config.Policy, utcOffset int, sessionStart SessionStartFunc, logger zerolog.Logger) *Governor {
	return &Governor{
		policy:       policy,
		utcOffset:    utcOffset,
		sessionStart: sessionStart,
		logger:       logger.With().Str("component", "governor").Logger(),
		Limiter:      NewLimiter(),
		Cooldowns:    NewCooldownLedger(),
		Blast:        NewBlastDetector(),
		Daily:        NewDailyCounters(),
		Pauses:       NewPauseBoard(),
		OptOut:       NewOptOutSet(policy.OptOut),
		Activity:     NewActivityTracker(),
	}
}

// Evaluate runs the admission rules in order; the first matching rule wins.
// Detection side effects (cooldown escalation, bucket consumption, daily
// counter) are intentional: governance state reflects every attempt.
func (g *Governor) Evaluate(sessionID, recipient, text string, now time.Time) Decision {
	if !withinBusinessHours(g.policy, g.utcOffset, now) {
		return Decision{Outcome: Reject, Code: CodeOutsideBusinessHours}
	}

	if g.Pauses.IsPaused(sessionID, now) {
		return Decision{Outcome: Reject, Code: CodeSessionPaused, Delay: g.Pauses.Remaining(sessionID, now)}
	}

	if g.OptOut.Contains(recipient) {
		return Decision{Outcome: Reject, Code: CodeRecipientOptedOut}
	}

	if g.Blast.IsBlast(sessionID, text, now) {
		strikes, duration := g.Cooldowns.Set(SessionCooldownKey(sessionID), antiBlastCooldownBase, CodeAntiBlastCooldown, now)
		g.logger.Warn().Str("session", sessionID).Int("strikes", strikes).
			Dur("cooldown", duration).Msg("blast pattern detected")
		return Decision{Outcome: Reject, Code: CodeAntiBlast, Delay: duration, Strikes: strikes}
	}

	sinceInbound, hadInbound := g.Activity.SinceInbound(sessionID, recipient, now)
	coldStart := !hadInbound || sinceInbound > coldStartInboundWindow
	if coldStart && linkPattern.MatchString(text) {
		return Decision{Outcome: Reject, Code: CodeNoLinksOnColdStart}
	}

	contactKey := ContactCooldownKey(sessionID, recipient)

	if hadInbound && sinceInbound >= 0 && sinceInbound < recentInboundWindow {
		remaining := contactCooldownBase - sinceInbound
		if remaining < minRecentInboundDefer {
			remaining = minRecentInboundDefer
		}
		strikes, _ := g.Cooldowns.Set(contactKey, remaining, CodeRecentInbound, now)
		return Decision{Outcome: Defer, Code: CodeRecentInbound, Delay: remaining, Strikes: strikes}
	}

	if cd := g.Cooldowns.Check(contactKey, now); cd.Cooling {
		return Decision{Outcome: Defer, Code: cd.Reason, Delay: cd.Remaining, Strikes: cd.Strikes}
	}

	if sinceSent, ok := g.Activity.SinceSent(sessionID, recipient, now); ok && sinceSent < rapidFireWindow {
		strikes, duration := g.Cooldowns.Set(contactKey, rapidFireCooldownBase, CodeRapidFireContact, now)
		return Decision{Outcome: Defer, Code: CodeRapidFireContact, Delay: duration, Strikes: strikes}
	}

	if !g.Limiter.AllowSend(sessionID, recipient, now) {
		return Decision{Outcome: Reject, Code: CodeRateLimited}
	}

	limit := g.dailyCap(sessionID, now)
	if !g.Daily.Consume(sessionID, limit, now) {
		return Decision{Outcome: Reject, Code: CodeDailyCapReached}
	}

	return Decision{Outcome: Admit}
}

// Recheck re-runs the post-queue governance checks for a deferred job:
// session-scoped cooldown first, then the contact cooldown. A zero delay
// means the job is clear to attempt.
func (g *Governor) Recheck(sessionID, recipient string, now time.Time) (time.Duration, string) {
	if cd := g.Cooldowns.Check(SessionCooldownKey(sessionID), now); cd.Cooling {
		return cd.Remaining, cd.Reason
	}
	if cd := g.Cooldowns.Check(ContactCooldownKey(sessionID, recipient), now); cd.Cooling {
		return cd.Remaining, cd.Reason
	}
	return 0, ""
}

// DailyCap returns the session's current daily cap, for introspection.
func (g *Governor) DailyCap(sessionID string, now time.Time) int {
	return g.dailyCap(sessionID, now)
}

func (g *Governor) dailyCap(sessionID string, now time.Time) int {
	startedAt := now
	if g.sessionStart != nil {
		if ts, ok := g.sessionStart(sessionID); ok {
			startedAt = ts
		}
	}
	return dynamicDailyCap(g.policy, startedAt, now)
}

// OnInbound stamps inbound activity and clears the matching contact
// cooldown: a counterpart writing back is a trust signal.
func (g *Governor) OnInbound(sessionID, from string, now time.Time) {
	g.Activity.RecordInbound(sessionID, from, now)
	g.Cooldowns.Clear(ContactCooldownKey(sessionID, from))
}

// OnSendSuccess records the side effects of a delivered message.
func (g *Governor) OnSendSuccess(sessionID, recipient, text string, now time.Time) {
	g.Blast.Register(sessionID, text, recipient, now)
	g.Activity.RecordSent(sessionID, recipient, now)
}

// OnSendFailure escalates a contact cooldown after a transport send error
// and pauses the session when the error looks like a provider risk signal.
// Returns the retry delay the outbox should apply.
func (g *Governor) OnSendFailure(sessionID, recipient string, sendErr error, now time.Time) time.Duration {
	_, duration := g.Cooldowns.Set(ContactCooldownKey(sessionID, recipient), rapidFireCooldownBase, CodeRetryAfterError, now)

	if gwerrors.IsProviderRisk(sendErr) {
		pause, strikes := g.Pauses.Escalate(sessionID, now)
		g.Cooldowns.Set(SessionCooldownKey(sessionID), providerRiskCooldown, CodeProviderSignalRisk, now)
		g.logger.Warn().Str("session", sessionID).Int("strikes", strikes).
			Dur("pause", pause).Msg("provider risk signal, session paused")
	}
	return duration
}

// Prune drops expired cooldowns and stale rate buckets. Wired to the
// maintenance cron.
func (g *Governor) Prune(now time.Time) {
	cooldowns := g.Cooldowns.Prune(now)
	buckets := g.Limiter.Prune(now.Add(-10 * time.Minute))
	if cooldowns > 0 || buckets > 0 {
		g.logger.Debug().Int("cooldowns", cooldowns).Int("buckets", buckets).Msg("pruned governance state")
	}
}
