// Package api exposes the gateway's HTTP surface.
package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/outbox"
	"github.com/p-blackswan/chat-gateway/internal/requestid"
	"github.com/p-blackswan/chat-gateway/internal/session"
	"github.com/p-blackswan/chat-gateway/internal/store"
)

// DeadLetterLister exposes the dead-letter table for introspection.
type DeadLetterLister interface {
	ListDeadLetters(sessionID string, limit int) ([]*store.DeadLetter, error)
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	ListenAddr  string
	APIKey      string
	CORSOrigins string
}

// Server is the gateway's Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures the HTTP server.
func NewServer(
	cfg ServerConfig,
	sessions *session.Manager,
	sched *outbox.Scheduler,
	gov *governor.Governor,
	dead DeadLetterLister,
	met *metrics.Metrics,
	sessionOpts session.Options,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	handlers := NewHandlers(sessions, sched, gov, dead, sessionOpts, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "api").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, met, logger)
	s.setupRoutes(handlers)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, met *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Api-Key, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	s.app.Use(newKeyMiddleware(cfg.APIKey, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/health" {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", requestIDOf(c)).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers) {
	s.app.Get("/health", h.Health)

	s.app.Post("/sessions/:id/start", h.StartSession)
	s.app.Get("/sessions/:id/status", h.SessionStatus)
	s.app.Get("/sessions/:id/qr", h.SessionQR)
	s.app.Post("/sessions/:id/qr/refresh", h.RefreshQR)
	s.app.Post("/sessions/:id/reset", h.ResetSession)
	s.app.Delete("/sessions/:id", h.DeleteSession)
	s.app.Get("/sessions", h.ListSessions)

	s.app.Post("/messages", h.SendMessage)

	s.app.Get("/debug/outbox", h.DebugOutbox)
	s.app.Get("/debug/cooldowns", h.DebugCooldowns)
	s.app.Get("/debug/deadletters", h.DebugDeadLetters)
}

// newKeyMiddleware validates x-api-key when a key is configured. The health
// probe stays open.
func newKeyMiddleware(apiKey string, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if apiKey == "" || c.Path() == "/health" {
			return c.Next()
		}
		if c.Get("x-api-key") == apiKey {
			return c.Next()
		}
		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unauthorized request: missing or invalid api key")
		return errorResponse(c, fiber.StatusUnauthorized, "invalid_api_key")
	}
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":4000"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")
		return errorResponse(c, code, "internal_error")
	}
}

func requestIDOf(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}
