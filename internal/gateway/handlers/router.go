package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/metrics"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig wires handlers into a router
type RouterConfig struct {
	Middleware   *Middleware
	Chat         *ChatHandler
	Subscription *SubscriptionHandler
	// Dependencies are checked by /ready, by name
	Dependencies map[string]Pinger
}

// NewRouter builds the gateway's HTTP routes
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(cfg.Middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(CORSMiddleware())

	// Health checks (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", readiness(cfg.Dependencies))
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/event_logging/batch", cfg.Chat.HandleEventLogging)

	r.Route("/v1", func(r chi.Router) {
		r.Use(cfg.Middleware.AuthMiddleware)

		r.Post("/chat/completions", cfg.Chat.HandleChatCompletion)
		r.Post("/messages", cfg.Chat.HandleMessages)
		r.Post("/messages/count_tokens", cfg.Chat.HandleCountTokens)

		r.Route("/subscription", func(r chi.Router) {
			r.Get("/info", cfg.Subscription.HandleInfo)
			r.Get("/usage", cfg.Subscription.HandleUsage)
			r.Get("/transactions", cfg.Subscription.HandleTransactions)
			r.Post("/purchase", cfg.Subscription.HandlePurchase)
			r.Post("/upgrade", cfg.Subscription.HandleUpgrade)
		})
	})

	return r
}

func readiness(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		status := http.StatusOK
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": checks})
	}
}
