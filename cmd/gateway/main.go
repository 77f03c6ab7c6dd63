package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/breaker"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/secrets"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting LLM0 credit gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	db.WithDefaultRPM(cfg.DefaultRPMLimit)
	zlog.Info("Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		zlog.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	zlog.Info("Connected to Redis")

	cipher, err := secrets.NewCipher(cfg.CredentialMasterKey)
	if err != nil {
		zlog.Fatal("Invalid credential master key", zap.Error(err))
	}

	breakers := breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, zlog.Named("breaker"))
	breakers.OnStateChange(func(provider string, s breaker.State) {
		metrics.SetBreakerState(provider, int(s))
	})

	ledger := credits.NewLedger(db, zlog.Named("credits"))
	rates := cache.New(redisClient, db, cfg.RateCacheTTL, zlog.Named("cache"))

	dispatcher := providers.NewDispatcher(providers.NewHTTPClient(cfg.ProviderTimeout), zlog.Named("upstream"), cfg.DebugUpstream)
	zlog.Info("Initialized LLM providers", zap.Bool("debug_upstream", cfg.DebugUpstream))

	gateway := orchestrator.New(orchestrator.Deps{
		Limiter:    ratelimit.NewLimiter(redisClient, zlog.Named("ratelimit")),
		Ledger:     ledger,
		Resolver:   resolver.New(db, breakers, zlog.Named("resolver")),
		Breaker:    breakers,
		Rates:      rates,
		Translator: translate.New(cipher, zlog),
		Client:     dispatcher,
		Usage:      usage.NewTracker(db, zlog.Named("usage")),
		Logger:     zlog.Named("gateway"),
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Middleware:   handlers.NewMiddleware(db, zlog.Named("http")),
		Chat:         handlers.NewChatHandler(gateway, zlog.Named("http")),
		Subscription: handlers.NewSubscriptionHandler(ledger, zlog.Named("http")),
		Dependencies: map[string]handlers.Pinger{"postgres": db, "redis": redisClient},
	})

	// Streams can run for minutes, so there is no write timeout
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zlog.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zlog.Info("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server shutdown error", zap.Error(err))
	}

	zlog.Info("Server stopped")
}
