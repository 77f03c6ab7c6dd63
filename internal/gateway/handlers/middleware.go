package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// KeyStore validates gateway API keys
type KeyStore interface {
	GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error
}

type Middleware struct {
	keys   KeyStore
	logger *zap.Logger
}

func NewMiddleware(keys KeyStore, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		keys:   keys,
		logger: logger,
	}
}

// APIKeyFromContext returns the key stored by AuthMiddleware
func APIKeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	return key, ok
}

// bearer extracts the raw key from x-api-key or an Authorization bearer
// token
func bearer(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("x-api-key")); key != "" {
		return key
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func shapeFor(r *http.Request) errorShape {
	if strings.HasPrefix(r.URL.Path, "/v1/messages") {
		return anthropicShape
	}
	return openAIShape
}

// AuthMiddleware validates API keys
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			writeErrorMessage(w, shapeFor(r), http.StatusUnauthorized, "authentication_error", "missing API key")
			return
		}

		apiKey, err := m.keys.GetAPIKey(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				m.logger.Error("API key lookup failed", zap.Error(err))
			}
			writeErrorMessage(w, shapeFor(r), http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}

		// Update API key last used without blocking the request
		go func(id string) {
			if err := m.keys.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				m.logger.Warn("Failed to update API key last used", zap.String("api_key_id", id), zap.Error(err))
			}
		}(apiKey.ID)

		ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", ww.Header().Get("X-Request-ID")),
		)
	})
}

// CORSMiddleware handles CORS
func CORSMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Api-Key", "Anthropic-Version", "Anthropic-Beta"},
		ExposedHeaders: []string{
			"X-Request-ID", "X-Provider", "X-Failover", "X-Credits-Used", "X-Latency-Ms",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
		},
		MaxAge: 300,
	})
}

// ClientIP is the first X-Forwarded-For hop, else the remote address
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
