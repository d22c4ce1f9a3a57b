package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/api"
	"gwi.com/study-assistant/internal/auth"
	"gwi.com/study-assistant/internal/config"
	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/llm"
	"gwi.com/study-assistant/internal/observability"
	"gwi.com/study-assistant/internal/realtime"
	"gwi.com/study-assistant/internal/store"
)

// pushBackend is both ends of the realtime transport.
type pushBackend interface {
	realtime.PushClient
	realtime.Publisher
}

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	// Setup logging
	log := observability.NewLogger(cfg.LogLevel, cfg.Environment)
	log.Debug().Msg("service starting in debug mode")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server exiting gracefully")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Realtime push backend
	var push pushBackend
	switch cfg.PushBackend {
	case "redis":
		rp, err := realtime.NewRedisPush(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("failed to initialize redis push: %w", err)
		}
		defer rp.Close()
		push = rp
	default:
		hub := realtime.NewHub(log)
		defer hub.Close()
		push = hub
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, push, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	// Initialize AI provider
	provider, closeProvider, err := llm.New(ctx, llm.Settings{
		Provider:      cfg.AIProvider,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		TitleModel:    cfg.TitleModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize AI provider: %w", err)
	}
	defer func() {
		if err := closeProvider(); err != nil {
			log.Warn().Err(err).Msg("failed to close AI provider")
		}
	}()

	runner := core.NewTaskRunner(provider, core.RunnerConfig{
		ResponseTimeout: cfg.ResponseTimeout,
		TitleTimeout:    cfg.TitleTimeout,
		MaxAttempts:     cfg.AIMaxAttempts,
		RetryDelay:      cfg.AIRetryDelay,
	}, log)

	// One connection manager for the whole process
	manager := realtime.NewManager(push, log, realtime.WithBackoff(realtime.Backoff{
		Base:          cfg.ReconnectBase,
		Factor:        cfg.ReconnectFactor,
		Max:           cfg.ReconnectMax,
		JitterFactor:  0.1,
		FallbackAfter: cfg.ReconnectFallbackAfter,
	}))
	defer manager.Close()

	signer, err := auth.NewSigner(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize token signer: %w", err)
	}

	sessions := api.NewSessions(api.SessionDeps{
		Durable:         dbStore,
		Quota:           dbStore,
		Channels:        manager,
		Runner:          runner,
		Signer:          signer,
		FreeLimit:       cfg.FreeMessageLimit,
		QuotaCacheTTL:   cfg.QuotaCacheTTL,
		ReconcileWindow: cfg.ReconcileWindow,
		PollInterval:    cfg.PollInterval,
	}, log)
	defer sessions.Close()

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(dbStore, signer, sessions, cfg.BillingWebhookSecret, log)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Str("push_backend", cfg.PushBackend).Str("ai_provider", cfg.AIProvider).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
