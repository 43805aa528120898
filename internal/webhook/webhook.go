// Package webhook forwards inbound messages to the downstream consumer.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/transport"
)

// Forwarder POSTs inbound message payloads to a configured URL with retries.
type Forwarder struct {
	url     string
	client  *http.Client
	retries int
	delay   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Payload is the JSON body sent to the webhook URL.
type Payload struct {
	SessionID string    `json:"sessionId"`
	From      string    `json:"from"`
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a forwarder. An empty URL disables forwarding.
func New(url string, timeout time.Duration, retries int, met *metrics.Metrics, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		retries: retries,
		delay:   500 * time.Millisecond,
		metrics: met,
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

// Enabled reports whether a webhook URL is configured.
func (f *Forwarder) Enabled() bool { return f.url != "" }

// Forward delivers one inbound message downstream. Retries with a linear
// backoff (delay × attempt). Returns nil when no URL is configured.
func (f *Forwarder) Forward(ctx context.Context, sessionID string, msg transport.InboundMessage) error {
	if f.url == "" {
		return nil
	}

	body, err := json.Marshal(Payload{
		SessionID: sessionID,
		From:      msg.From,
		MessageID: msg.MessageID,
		Type:      msg.Type,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.delay * time.Duration(attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "chat-gateway-webhook/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook delivery attempt %d: %w", attempt, err)
			f.logger.Warn().Err(err).
				Str("session", sessionID).
				Str("message_id", msg.MessageID).
				Int("attempt", attempt).
				Msg("webhook delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			f.metrics.RecordWebhook("ok")
			f.logger.Debug().
				Str("session", sessionID).
				Str("message_id", msg.MessageID).
				Int("status_code", resp.StatusCode).
				Msg("webhook delivered")
			return nil
		}

		lastErr = fmt.Errorf("webhook returned status %d on attempt %d", resp.StatusCode, attempt)
		f.logger.Warn().
			Str("session", sessionID).
			Str("message_id", msg.MessageID).
			Int("status_code", resp.StatusCode).
			Int("attempt", attempt).
			Msg("webhook returned non-2xx")
	}

	f.metrics.RecordWebhook("error")
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", f.retries, lastErr)
}
