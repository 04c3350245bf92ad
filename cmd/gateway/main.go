package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/config"
	"github.com/minhvu-dev/fanout-gateway/internal/auth"
	"github.com/minhvu-dev/fanout-gateway/internal/dispatch"
	"github.com/minhvu-dev/fanout-gateway/internal/registry"
	"github.com/minhvu-dev/fanout-gateway/internal/seeder"
	"github.com/minhvu-dev/fanout-gateway/internal/server"
	"github.com/minhvu-dev/fanout-gateway/internal/telemetry"
	"github.com/minhvu-dev/fanout-gateway/internal/usage"
	"github.com/minhvu-dev/fanout-gateway/internal/worker"
	"github.com/minhvu-dev/fanout-gateway/pkg/logger"
	"github.com/minhvu-dev/fanout-gateway/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	shutdownTracer, err := telemetry.InitTracer("fanout-gateway", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		zlog.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		zlog.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		zlog.Fatal("failed to ping postgres", zap.Error(err))
	}
	zlog.Info("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to ping redis", zap.Error(err))
	}
	zlog.Info("redis connected")

	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.Middleware(authStore, rdb, zlog)
	usageStore := usage.NewPostgresStore(pool)
	accum := usage.NewAccumulator()
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitTPM)

	reg := registry.Default()
	for providerID, key := range map[string]string{
		"openai":    cfg.OpenAIAPIKey,
		"anthropic": cfg.AnthropicAPIKey,
		"gemini":    cfg.GeminiAPIKey,
	} {
		if key != "" {
			reg.SetCredential(providerID, key)
		}
	}

	coord := dispatch.NewCoordinator(reg, zlog)
	queue := worker.NewQueue(rdb, coord, zlog)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := queue.Run(workerCtx); err != nil && err != context.Canceled {
			zlog.Error("dispatch worker stopped", zap.Error(err))
		}
	}()

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDevAPIKey(ctx, authStore, zlog)
	}

	tracer := otel.GetTracerProvider().Tracer("fanout-gateway")
	handler := server.NewHandler(coord, reg, accum, usageStore, limiter, queue, tracer, zlog)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(authMiddleware),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		zlog.Info("fanout gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	zlog.Info("shutting down gracefully")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal("forced shutdown", zap.Error(err))
	}
	zlog.Info("server stopped")
}
