package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/cache"
	"github.com/memkern/memkern/internal/config"
	"github.com/memkern/memkern/internal/db"
	"github.com/memkern/memkern/internal/embedding"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/httpapi"
	"github.com/memkern/memkern/internal/memory"
	"github.com/memkern/memkern/internal/policy"
	"github.com/memkern/memkern/internal/ratelimit"
	"github.com/memkern/memkern/internal/session"
	"github.com/memkern/memkern/internal/store"
	"github.com/memkern/memkern/internal/usage"
	"github.com/memkern/memkern/internal/webhook"
	"github.com/memkern/memkern/internal/worker"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "memkern").Logger()

	cfg := config.Load()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Bootstrap(ctx, pool, cfg.EmbeddingDim); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	st := store.New(pool)

	defaultTenant, err := st.EnsureDefaultTenant(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("default tenant bootstrap failed")
	}

	var c *cache.Cache
	if cfg.RedisURL != "" {
		c, err = cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			// The limiter falls back to the durable counter.
			log.Warn().Err(err).Msg("redis unavailable, running without cache")
			c = nil
		} else {
			defer c.Close()
		}
	}

	tokens := auth.TokenConfig{
		Secret: cfg.JWTSecret,
		Alg:    cfg.JWTAlg,
		TTL:    cfg.AccessTokenTTL,
	}

	embedder := embedding.New(embedding.Config{
		URL:     cfg.EmbeddingURL,
		APIKey:  cfg.EmbeddingAPIKey,
		Model:   cfg.EmbeddingModel,
		Dim:     cfg.EmbeddingDim,
		Timeout: cfg.WebhookTimeout,
	})

	pipeline := webhook.New(st, cfg.WebhookMaxAttempts, cfg.WebhookTimeout)
	bus := event.NewBus(pipeline, 256)
	meter := usage.NewMeter(st)
	memories := memory.NewService(st, bus, embedder)
	sessions := session.New(st, tokens, cfg.RefreshTTLDays)
	engine := policy.NewEngine(st, 0)
	limiter := ratelimit.New(c, st, ratelimit.ParseOverrides(cfg.RateLimitOverrides))

	srvCtx, stopWorkers := context.WithCancel(ctx)
	go bus.Run(srvCtx)
	go memories.Run(srvCtx)

	runner := worker.NewRunner(st, []worker.Job{
		{Name: "cleanup_sessions", Every: 6 * time.Hour, LockKey: 1001, Run: func(ctx context.Context) error {
			_, err := sessions.Cleanup(ctx)
			return err
		}},
		{Name: "cleanup_memories", Every: 24 * time.Hour, LockKey: 1002, Run: func(ctx context.Context) error {
			_, err := memories.CleanupExpired(ctx)
			return err
		}},
		{Name: "cleanup_rate_limits", Every: 2 * time.Hour, LockKey: 1003, Run: func(ctx context.Context) error {
			_, err := st.PurgeRateLimitsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
			return err
		}},
		{Name: "cleanup_webhook_deliveries", Every: 24 * time.Hour, LockKey: 1004, Run: func(ctx context.Context) error {
			_, err := pipeline.PurgeOld(ctx, 30*24*time.Hour)
			return err
		}},
		{Name: "retry_webhook_deliveries", Every: 15 * time.Minute, LockKey: 1005, Run: func(ctx context.Context) error {
			_, err := pipeline.RetryDue(ctx, 100)
			return err
		}},
		{Name: "redispatch_events", Every: 5 * time.Minute, LockKey: 1009, Run: func(ctx context.Context) error {
			_, err := pipeline.Redispatch(ctx, 100)
			return err
		}},
		{Name: "backfill_embeddings", Every: 30 * time.Minute, LockKey: 1006, Run: func(ctx context.Context) error {
			_, err := memories.Backfill(ctx, 100)
			return err
		}},
		{Name: "aggregate_usage", Every: time.Hour, LockKey: 1007, Run: func(ctx context.Context) error {
			return meter.Aggregate(ctx, time.Now())
		}},
		{Name: "close_settled_events", Every: time.Hour, LockKey: 1008, Run: func(ctx context.Context) error {
			_, err := st.CloseSettledEvents(ctx)
			return err
		}},
	})
	runner.Start(srvCtx)

	srv := &httpapi.Server{
		Store:           st,
		Cache:           c,
		Resolver:        auth.NewResolver(st, tokens, cfg.APIKeyPrefix),
		Tokens:          tokens,
		Sessions:        sessions,
		Policies:        engine,
		Memories:        memories,
		Limiter:         limiter,
		Bus:             bus,
		Meter:           meter,
		Pipeline:        pipeline,
		KeyPrefix:       cfg.APIKeyPrefix,
		DefaultTenantID: defaultTenant,
		CORSOrigins:     cfg.CORSOrigins,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	stopWorkers()
	runner.Stop()

	log.Info().Msg("server stopped")
}
