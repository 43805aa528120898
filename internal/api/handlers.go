package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/outbox"
	"github.com/p-blackswan/chat-gateway/internal/session"
)

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions    *session.Manager
	sched       *outbox.Scheduler
	gov         *governor.Governor
	dead        DeadLetterLister
	sessionOpts session.Options
	logger      zerolog.Logger
	startTime   time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sessions *session.Manager, sched *outbox.Scheduler, gov *governor.Governor, dead DeadLetterLister, sessionOpts session.Options, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions:    sessions,
		sched:       sched,
		gov:         gov,
		dead:        dead,
		sessionOpts: sessionOpts,
		logger:      logger.With().Str("component", "handlers").Logger(),
		startTime:   time.Now(),
	}
}

// StartSession handles POST /sessions/:id/start. The param is copied: the
// manager keeps the id past the request, and fiber reuses the buffer behind
// param strings once the handler returns.
func (h *Handlers) StartSession(c *fiber.Ctx) error {
	id := utils.CopyString(c.Params("id"))
	snap, err := h.sessions.Start(c.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("session", id).Msg("session start failed")
		return errorResponse(c, fiber.StatusInternalServerError, "start_failed")
	}
	return c.JSON(snap)
}

// SessionStatus handles GET /sessions/:id/status.
func (h *Handlers) SessionStatus(c *fiber.Ctx) error {
	snap, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, "session_not_found")
	}

	hasQR := snap.PairingCode != ""
	var msToExpire int64
	if hasQR {
		ttl := h.sessionOpts.PairingCodeTTL
		if remaining := ttl - time.Since(snap.PairingCodeAt); remaining > 0 {
			msToExpire = remaining.Milliseconds()
		}
	}
	return c.JSON(fiber.Map{
		"status":          snap.State,
		"hasQR":           hasQR,
		"qrAt":            snap.PairingCodeAt,
		"msToExpire":      msToExpire,
		"startedAt":       snap.StartedAt,
		"lastUpdate":      snap.LastUpdateAt,
		"backoffAttempts": snap.BackoffAttempts,
	})
}

// SessionQR handles GET /sessions/:id/qr.
func (h *Handlers) SessionQR(c *fiber.Ctx) error {
	snap, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, "session_not_found")
	}
	if snap.PairingCode == "" {
		return errorResponse(c, fiber.StatusNotFound, "qr_not_available")
	}
	return c.JSON(fiber.Map{"qr": snap.PairingCode, "qrAt": snap.PairingCodeAt})
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	snaps := h.sessions.List()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	return c.JSON(snaps)
}

// RefreshQR handles POST /sessions/:id/qr/refresh.
func (h *Handlers) RefreshQR(c *fiber.Ctx) error {
	id := c.Params("id")
	snap, err := h.sessions.ForceRefresh(c.Context(), id)
	if errors.Is(err, gwerrors.ErrSessionNotFound) {
		return errorResponse(c, fiber.StatusNotFound, "session_not_found")
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session", id).Msg("qr refresh failed")
		return errorResponse(c, fiber.StatusInternalServerError, "qr_refresh_failed")
	}
	return c.JSON(snap)
}

// DeleteSession handles DELETE /sessions/:id: stop the session and drop its
// queued jobs.
func (h *Handlers) DeleteSession(c *fiber.Ctx) error {
	id := c.Params("id")
	h.sessions.Stop(c.Context(), id)
	h.sched.PurgeSession(id)
	return c.JSON(fiber.Map{"ok": true})
}

// ResetSession handles POST /sessions/:id/reset. Copied for the same reason
// as StartSession: reset stamps a fresh startedAt on the retained record.
func (h *Handlers) ResetSession(c *fiber.Ctx) error {
	id := utils.CopyString(c.Params("id"))
	snap, err := h.sessions.Reset(c.Context(), id)
	if errors.Is(err, gwerrors.ErrSessionNotFound) {
		return errorResponse(c, fiber.StatusNotFound, "session_not_found")
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session", id).Msg("session reset failed")
		return errorResponse(c, fiber.StatusInternalServerError, "reset_failed")
	}
	return c.JSON(fiber.Map{"ok": true, "status": snap.State})
}

// SendMessage handles POST /messages.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_payload")
	}
	if req.SessionID == "" || req.To == "" || req.Text == "" {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_payload")
	}

	res, err := h.sched.Submit(c.Context(), req.SessionID, req.To, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, gwerrors.ErrSessionNotFound):
			return errorResponse(c, fiber.StatusNotFound, "session_not_found")
		case errors.Is(err, gwerrors.ErrSessionInactive):
			return errorResponse(c, fiber.StatusConflict, "session_not_active")
		default:
			h.logger.Error().Err(err).Str("session", req.SessionID).Msg("send failed")
			return errorResponse(c, fiber.StatusInternalServerError, "send_failed")
		}
	}

	switch res.Status {
	case outbox.StatusSent:
		return c.JSON(fiber.Map{
			"ok":       true,
			"response": fiber.Map{"messageId": res.Receipt.MessageID},
		})
	case outbox.StatusQueued:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"queued":      true,
			"jobId":       res.JobID,
			"reason":      res.Code,
			"retry_in_ms": res.RetryIn.Milliseconds(),
		})
	default:
		body := fiber.Map{"error": res.Code}
		if res.RetryIn > 0 {
			body["retry_in_ms"] = res.RetryIn.Milliseconds()
		}
		return c.Status(rejectStatus(res.Code)).JSON(body)
	}
}

// DebugOutbox handles GET /debug/outbox.
func (h *Handlers) DebugOutbox(c *fiber.Ctx) error {
	jobs := h.sched.Jobs()
	if jobs == nil {
		jobs = []outbox.Job{}
	}
	return c.JSON(jobs)
}

// DebugCooldowns handles GET /debug/cooldowns.
func (h *Handlers) DebugCooldowns(c *fiber.Ctx) error {
	return c.JSON(h.gov.Cooldowns.Snapshot(time.Now()))
}

// DebugDeadLetters handles GET /debug/deadletters.
func (h *Handlers) DebugDeadLetters(c *fiber.Ctx) error {
	dls, err := h.dead.ListDeadLetters(c.Query("session"), c.QueryInt("limit", 100))
	if err != nil {
		h.logger.Error().Err(err).Msg("listing dead letters failed")
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error")
	}
	return c.JSON(dls)
}

// Health handles GET /health.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

// rejectStatus maps a governance denial code to its HTTP status.
func rejectStatus(code string) int {
	switch code {
	case governor.CodeRecipientOptedOut:
		return fiber.StatusForbidden
	case governor.CodeOutsideBusinessHours:
		return fiber.StatusLocked
	case governor.CodeSessionPaused:
		return fiber.StatusServiceUnavailable
	case governor.CodeNoLinksOnColdStart:
		return fiber.StatusUnprocessableEntity
	case governor.CodeRateLimited, governor.CodeDailyCapReached, governor.CodeAntiBlast:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusTooManyRequests
	}
}

// errorResponse writes the gateway's `{error: code}` body.
func errorResponse(c *fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
