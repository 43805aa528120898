// Package inbound processes messages received from remote counterparts:
// opt-out keyword handling, governance trust signals, and webhook fan-out.
package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/transport"
	"github.com/p-blackswan/chat-gateway/internal/webhook"
)

const confirmationText = "Entendido, no recibirás más mensajes de este número."

// defaultKeywords are the stop words that opt a sender out.
var defaultKeywords = []string{"stop", "salir", "baja", "no molestar"}

// HandleDirectory resolves live transport handles for confirmation replies.
type HandleDirectory interface {
	HandleFor(sessionID string) (transport.Handle, error)
}

// Pipeline is the inbound message handler registered with the session
// manager. It must return quickly; webhook delivery runs asynchronously.
type Pipeline struct {
	governor  *governor.Governor
	sessions  HandleDirectory
	forwarder *webhook.Forwarder
	logger    zerolog.Logger

	// Keywords are matched against the trimmed, lowercased message text.
	Keywords []string
}

// New creates a pipeline with the default stop keywords.
func New(gov *governor.Governor, sessions HandleDirectory, fw *webhook.Forwarder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		governor:  gov,
		sessions:  sessions,
		forwarder: fw,
		logger:    logger.With().Str("component", "inbound").Logger(),
		Keywords:  defaultKeywords,
	}
}

// Handle processes one inbound message.
func (p *Pipeline) Handle(sessionID string, msg transport.InboundMessage) {
	now := time.Now()
	normalized := strings.ToLower(strings.TrimSpace(msg.Text))

	// Opted-out senders are silenced both ways: nothing is forwarded.
	if p.governor.OptOut.Contains(msg.From) {
		p.logger.Debug().Str("session", sessionID).Str("from", msg.From).Msg("dropping message from opted-out sender")
		return
	}

	if p.isStopKeyword(normalized) {
		p.governor.OptOut.Add(msg.From)
		p.logger.Info().Str("session", sessionID).Str("from", msg.From).Msg("sender opted out")
		p.confirmOptOut(sessionID, msg.From)
		return
	}

	// An inbound message is a trust signal: stamp activity and lift the
	// contact cooldown.
	p.governor.OnInbound(sessionID, msg.From, now)

	if p.forwarder.Enabled() {
		go func() {
			if err := p.forwarder.Forward(context.Background(), sessionID, msg); err != nil {
				p.logger.Error().Err(err).Str("session", sessionID).
					Str("message_id", msg.MessageID).Msg("webhook forward failed")
			}
		}()
	}
}

// confirmOptOut sends the one-time confirmation straight through the
// transport. The reply answers an explicit request from the counterpart,
// so it does not pass through outbound governance.
func (p *Pipeline) confirmOptOut(sessionID, to string) {
	h, err := p.sessions.HandleFor(sessionID)
	if err != nil {
		p.logger.Warn().Err(err).Str("session", sessionID).Msg("opt-out confirmation skipped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.Send(ctx, to, confirmationText); err != nil {
		p.logger.Warn().Err(err).Str("session", sessionID).Str("to", to).
			Msg("opt-out confirmation failed")
	}
}

func (p *Pipeline) isStopKeyword(normalized string) bool {
	for _, kw := range p.Keywords {
		if normalized == kw {
			return true
		}
	}
	return false
}
