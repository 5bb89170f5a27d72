// Package main is the entry point for the fragment-service — the privacy
// gateway that splits LLM queries into anonymized fragments, fans them out
// across providers, and reassembles the answer.
//
// Design constraints (enforced here):
//   - No Postgres dependency. Request records are ephemeral and live in
//     Redis with a TTL; the service starts with only Redis available.
//   - NATS is optional: lifecycle events mirror to JetStream when NATS_URL
//     is set, and the service runs without it otherwise.
//   - Provider credentials come from Vault when VAULT_ADDR is set, from the
//     environment otherwise.
//
// @title        Fragment Service
// @version      1.0
// @description  Privacy-preserving LLM query fragmentation: detection, anonymization, multi-provider dispatch, aggregation.
// @host         localhost:8080
// @BasePath     /
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/aggregate"
	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/config"
	"github.com/arc-self/apps/fragment-service/internal/coordinator"
	"github.com/arc-self/apps/fragment-service/internal/detect"
	"github.com/arc-self/apps/fragment-service/internal/dispatch"
	"github.com/arc-self/apps/fragment-service/internal/events"
	"github.com/arc-self/apps/fragment-service/internal/handler"
	"github.com/arc-self/apps/fragment-service/internal/natsclient"
	"github.com/arc-self/apps/fragment-service/internal/plan"
	"github.com/arc-self/apps/fragment-service/internal/progress"
	"github.com/arc-self/apps/fragment-service/internal/provider"
	"github.com/arc-self/apps/fragment-service/internal/store"
	"github.com/arc-self/apps/fragment-service/internal/telemetry"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "fragment-service", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Configuration (env + Vault) ────────────────────────────────────────
	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.Int("providers", len(cfg.Providers)),
		zap.String("privacy_level", string(cfg.Policy.PrivacyLevel)),
	)

	clk := clock.New()

	// ── Redis (request record store) ───────────────────────────────────────
	records := store.NewMemoryStore()
	var healthCheck handler.HealthChecker
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to parse REDIS_URL", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Redis connection failed", zap.Error(err))
		}
		logger.Info("Redis connected", zap.String("addr", redisOpts.Addr))
		redisStore := store.NewRedisStore(redisClient, cfg.StateTTL, logger)
		records = redisStore
		healthCheck = redisStore.Ping
	} else {
		logger.Warn("REDIS_URL not set, request records are process-local")
	}

	// ── NATS JetStream (lifecycle event mirror) ────────────────────────────
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS connection failed", zap.Error(err))
		}
		defer natsClient.Close()

		// Idempotent — ensures the QUERY_EVENTS stream exists before we publish.
		if err := natsClient.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		logger.Info("NATS JetStream ready")
		publisher = events.NewPublisher(natsClient, logger)
	} else {
		logger.Warn("NATS_URL not set, lifecycle events are not mirrored")
		publisher = events.NewPublisher(nil, logger)
	}

	// ── Provider registry + health probe ───────────────────────────────────
	registry := provider.NewRegistry(cfg.Providers, provider.NewHTTPClient, clk, logger)
	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	go registry.RunHealthProbe(probeCtx, cfg.HealthProbeInterval)

	// ── Pipeline ───────────────────────────────────────────────────────────
	engine := detect.NewEngine(
		detect.NewRegexPIIDetector(),
		detect.NewHeuristicCodeDetector(),
		detect.NewRegexEntityRecognizer(),
		logger,
	)
	coord := coordinator.New(coordinator.Deps{
		Detector: engine,
		Planner:  plan.NewPlanner(cfg.Policy, logger),
		Router:   provider.NewRouter(logger),
		Registry: registry,
		Scheduler: dispatch.NewScheduler(registry, clk, dispatch.Config{
			MaxInFlight:            cfg.MaxInFlight,
			FragmentTimeout:        cfg.FragmentTimeout,
			TotalDeadline:          cfg.TotalDeadline,
			Retries:                cfg.Retries,
			RetryAlternateProvider: cfg.RetryAlternateProvider,
		}, logger),
		Aggregator: aggregate.NewAggregator(cfg.FragmentTimeout, logger),
		Bus:        progress.NewBus(cfg.MaxReplay, logger),
		Records:    records,
		Publisher:  publisher,
		Clock:      clk,
		Logger:     logger,
	})

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true

	// OTel tracing middleware
	e.Use(otelecho.Middleware("fragment-service"))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.NewQueryHandler(coord, healthCheck, logger).Register(e)

	go func() {
		logger.Info("fragment-service listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("fragment-service shut down cleanly")
}
