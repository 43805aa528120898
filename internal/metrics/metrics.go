// Package metrics provides Prometheus metrics for the chat gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	SendsTotal        *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	InboundTotal      prometheus.Counter
	WebhookTotal      *prometheus.CounterVec
	DeadLettersTotal  prometheus.Counter
	SessionsActive    prometheus.Gauge
	OutboxDepth       prometheus.Gauge
	SendDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_decisions_total",
				Help: "Governance decisions by outcome and code.",
			},
			[]string{"outcome", "code"},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sends_total",
				Help: "Transport send attempts by result.",
			},
			[]string{"result"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reconnects_total",
				Help: "Session reconnect attempts by trigger.",
			},
			[]string{"trigger"},
		),
		InboundTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_inbound_messages_total",
				Help: "Inbound messages received across sessions.",
			},
		),
		WebhookTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_deliveries_total",
				Help: "Webhook delivery attempts by result.",
			},
			[]string{"result"},
		),
		DeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_dead_letters_total",
				Help: "Outbox jobs moved to the dead-letter table.",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_sessions_active",
				Help: "Sessions currently in the active state.",
			},
		),
		OutboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_outbox_depth",
				Help: "Jobs waiting across all outbox queues.",
			},
		),
		SendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_send_duration_seconds",
				Help:    "Transport send duration including presence simulation.",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.DecisionsTotal)
	reg.MustRegister(m.SendsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.InboundTotal)
	reg.MustRegister(m.WebhookTotal)
	reg.MustRegister(m.DeadLettersTotal)
	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.OutboxDepth)
	reg.MustRegister(m.SendDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(outcome, code string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(outcome, code).Inc()
}

// RecordSend increments the send counter.
func (m *Metrics) RecordSend(result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(result).Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(trigger string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(trigger).Inc()
}

// RecordInbound increments the inbound message counter.
func (m *Metrics) RecordInbound() {
	if m == nil {
		return
	}
	m.InboundTotal.Inc()
}

// RecordWebhook increments the webhook delivery counter.
func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhookTotal.WithLabelValues(result).Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Inc()
}

// SetSessionsActive sets the active session gauge.
func (m *Metrics) SetSessionsActive(n float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(n)
}

// SetOutboxDepth sets the queued job gauge.
func (m *Metrics) SetOutboxDepth(n float64) {
	if m == nil {
		return
	}
	m.OutboxDepth.Set(n)
}

// ObserveSendDuration records one send's duration.
func (m *Metrics) ObserveSendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(seconds)
}
