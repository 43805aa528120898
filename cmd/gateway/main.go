package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/chat-gateway/internal/api"
	"github.com/p-blackswan/chat-gateway/internal/config"
	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/health"
	"github.com/p-blackswan/chat-gateway/internal/inbound"
	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/outbox"
	"github.com/p-blackswan/chat-gateway/internal/session"
	"github.com/p-blackswan/chat-gateway/internal/store"
	"github.com/p-blackswan/chat-gateway/internal/transport"
	"github.com/p-blackswan/chat-gateway/internal/webhook"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("failed to load policy")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("transport_mode", cfg.TransportMode).
		Bool("webhook_enabled", cfg.WebhookEnabled()).
		Int("daily_cap_base", policy.DailyCapBase).
		Msg("starting chat gateway")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.New(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open store")
	}

	met := metrics.New()

	var tr transport.Transport
	switch cfg.TransportMode {
	case "memory":
		tr = transport.NewMemory()
		logger.Warn().Msg("using in-memory transport — messages go nowhere")
	default:
		tr = transport.NewWS(transport.WSConfig{
			URL:   cfg.TransportURL,
			Token: cfg.TransportToken,
		}, logger)
	}

	sessionOpts := session.Options{
		WatchdogTick:       cfg.QRWatchdogTick,
		PairingCodeTTL:     cfg.QRCodeTTL,
		BackoffBase:        time.Second,
		BackoffCap:         60 * time.Second,
		BackoffMaxAttempts: cfg.BackoffMaxAttempts,
		RefreshMinInterval: cfg.QRRefreshMinGap,
		AutoPurgeOnLogout:  cfg.AutoPurgeOnLogout,
	}
	manager := session.NewManager(tr, db, sessionOpts, met, logger)

	gov := governor.New(policy, cfg.UTCOffsetHours, manager.StartedAt, logger)

	executor := outbox.NewExecutor(manager, met, logger)
	scheduler := outbox.NewScheduler(gov, executor, db, cfg.OutboxMaxAttempts, met, logger)

	forwarder := webhook.New(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookRetries, met, logger)
	pipeline := inbound.New(gov, manager, forwarder, logger)
	manager.SetInboundHandler(pipeline.Handle)

	server := api.NewServer(api.ServerConfig{
		ListenAddr:  cfg.ListenAddr,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
	}, manager, scheduler, gov, db, met, sessionOpts, logger)

	// Housekeeping: reset daily counters just after local midnight, prune
	// lapsed governance state every ten minutes.
	jobs := cron.New()
	_, err = jobs.AddFunc("1 0 * * *", func() {
		n := gov.Daily.Sweep(time.Now())
		logger.Info().Int("swept", n).Msg("daily counters reset")
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule daily sweep")
	}
	_, err = jobs.AddFunc("@every 10m", func() {
		gov.Prune(time.Now())
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule prune")
	}
	jobs.Start()

	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := db.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Prometheus and probe endpoints on their own listener so scrapes and
	// kubelet probes bypass the API key.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", met.Handler())
	metricsMux.HandleFunc("/healthz", health.LivenessHandler())
	metricsMux.HandleFunc("/ready", checker.ReadinessHandler())
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("API server starting")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	jobs.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	scheduler.Close()
	manager.StopAll(shutdownCtx)

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("chat gateway stopped")
}
