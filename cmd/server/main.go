package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/applyflow/applyflow/internal/api"
	"github.com/applyflow/applyflow/internal/batch"
	"github.com/applyflow/applyflow/internal/browser"
	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/events"
	"github.com/applyflow/applyflow/internal/logging"
	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/internal/monitor"
	"github.com/applyflow/applyflow/internal/profile"
	"github.com/applyflow/applyflow/internal/ratelimit"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/internal/ws"
)

func main() {
	// No .env file is fine, the environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("listen_addr", cfg.ListenAddr).Int("pool_capacity", cfg.PoolCapacity).Msg("starting applyflow orchestrator")

	metrics.MustRegister()

	launcher, err := browser.NewLauncher(cfg.BrowserImage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create browser launcher")
	}
	defer launcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := launcher.EnsureImage(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to ensure browser image")
	}
	cancel()
	logger.Info().Str("image", cfg.BrowserImage).Msg("browser image ready")

	pw, err := browser.StartPlaywright()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start playwright driver")
	}
	defer pw.Stop()

	pool := browser.NewPool(
		cfg.PoolCapacity,
		browser.DockerFactory(launcher, browser.NewCDPConnector(pw)),
		browser.DockerDestroyer(launcher, logger),
		logger,
	)

	broker := events.NewBroker(cfg.SubscriberBuffer, logger)

	profiles, err := profile.NewStore(cfg.ProfileStorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize profile store")
	}

	registry := session.NewRegistry(pool, broker, profiles, session.RegistryConfig{
		Run: session.RunConfig{
			ActionTimeout:      cfg.ActionTimeout,
			RetryBudget:        cfg.RetryBudget,
			RetryBackoff:       cfg.RetryBackoff,
			ScreenshotEachStep: cfg.ScreenshotEachStep,
		},
		RetentionGrace: cfg.RetentionGrace,
	}, logger)

	batches := batch.NewCoordinator(registry, pool, logger)
	monitors := monitor.NewScheduler(registry, monitor.SchedulerConfig{
		MinInterval: cfg.MonitorMinInterval,
	}, logger)

	wsServer := ws.NewServer(registry, broker, logger)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)

	handler := api.NewHandler(registry, batches, monitors, logger)
	router := handler.SetupRoutes(api.NewProfileHandler(profiles), wsServer, rateLimiter, cfg.RateLimitPerHour, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown interrupted")
	}

	monitors.Close()
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("session drain interrupted")
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker pool drain interrupted")
	}

	logger.Info().Msg("stopped cleanly")
}
