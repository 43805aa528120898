package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/transport"
)

// HandleDirectory resolves live transport handles. The session manager
// implements it.
type HandleDirectory interface {
	HandleFor(sessionID string) (transport.Handle, error)
}

// Executor is the single send path: it simulates human-like typing presence
// toward the recipient and then performs the transport send.
type Executor struct {
	sessions HandleDirectory
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// ComposeDelayPerRune scales the composing pause with the text length;
	// the pause is clamped to [ComposeDelayMin, ComposeDelayMax]. Tests
	// shrink all three.
	ComposeDelayPerRune time.Duration
	ComposeDelayMin     time.Duration
	ComposeDelayMax     time.Duration
}

// NewExecutor creates an executor with production typing delays.
func NewExecutor(sessions HandleDirectory, met *metrics.Metrics, logger zerolog.Logger) *Executor {
	return &Executor{
		sessions:            sessions,
		metrics:             met,
		logger:              logger.With().Str("component", "executor").Logger(),
		ComposeDelayPerRune: 55 * time.Millisecond,
		ComposeDelayMin:     900 * time.Millisecond,
		ComposeDelayMax:     3500 * time.Millisecond,
	}
}

// Send simulates typing toward the recipient and delivers the text.
func (e *Executor) Send(ctx context.Context, sessionID, recipient, text string) (*transport.Receipt, error) {
	h, err := e.sessions.HandleFor(sessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.simulateTyping(ctx, h, recipient, text)

	rcpt, err := h.Send(ctx, recipient, text)
	e.metrics.ObserveSendDuration(time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordSend("error")
		return nil, fmt.Errorf("sending to %s: %w", recipient, err)
	}
	e.metrics.RecordSend("ok")
	e.logger.Debug().Str("session", sessionID).Str("recipient", recipient).
		Str("message_id", rcpt.MessageID).Msg("message delivered")
	return rcpt, nil
}

// TypingBurst emits a short composing burst toward the recipient, used to
// warm the conversation shortly before a scheduled retry fires. Best effort.
func (e *Executor) TypingBurst(ctx context.Context, sessionID, recipient string, d time.Duration) {
	h, err := e.sessions.HandleFor(sessionID)
	if err != nil {
		return
	}
	_ = h.UpdatePresence(ctx, recipient, transport.PresenceComposing)
	e.sleep(ctx, d)
	_ = h.UpdatePresence(ctx, recipient, transport.PresencePaused)
}

// simulateTyping runs the presence sequence subscribe → available →
// composing → pause proportional to the text length → paused. Presence
// failures are logged and never block the send.
func (e *Executor) simulateTyping(ctx context.Context, h transport.Handle, recipient, text string) {
	steps := []func() error{
		func() error { return h.SubscribePresence(ctx, recipient) },
		func() error { return h.UpdatePresence(ctx, recipient, transport.PresenceAvailable) },
		func() error { return h.UpdatePresence(ctx, recipient, transport.PresenceComposing) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			e.logger.Debug().Err(err).Str("recipient", recipient).Msg("presence step failed")
		}
	}
	e.sleep(ctx, e.composeDelay(text))
	if err := h.UpdatePresence(ctx, recipient, transport.PresencePaused); err != nil {
		e.logger.Debug().Err(err).Str("recipient", recipient).Msg("presence step failed")
	}
}

func (e *Executor) composeDelay(text string) time.Duration {
	d := time.Duration(len([]rune(text))) * e.ComposeDelayPerRune
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if d < e.ComposeDelayMin {
		d = e.ComposeDelayMin
	}
	if d > e.ComposeDelayMax {
		d = e.ComposeDelayMax
	}
	return d
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
