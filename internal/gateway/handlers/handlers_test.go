package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/breaker"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gatewaytest"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

const testKey = "llm0-test-key-0123456789"

type fixture struct {
	server *httptest.Server
	ledger *gatewaytest.LedgerStore
	usage  *gatewaytest.UsageStore
	client *gatewaytest.Client
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func setup(t *testing.T, limits models.RateLimitConfig) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	catalog := gatewaytest.NewCatalog().
		AddProvider(models.ModelProvider{ID: "p-a", Name: "down-provider", ProviderType: "openai", Enabled: true}).
		AddProvider(models.ModelProvider{ID: "p-b", Name: "up-provider", ProviderType: "anthropic", Enabled: true}).
		AddModel(models.ModelConfig{ID: "mA", ProviderID: "p-a", ModelName: "model-a", Enabled: true}).
		AddModel(models.ModelConfig{ID: "mB", ProviderID: "p-b", ModelName: "model-b", Enabled: true}).
		AddAlias(models.ModelAlias{AliasName: "m-x", ModelIDs: []string{"mA", "mB"}, Enabled: true}).
		AddRate(models.ModelCreditRate{
			ModelID:          "mB",
			BaseCreditPer1K:  decimal.NewFromInt(1),
			InputMultiplier:  decimal.NewFromInt(1),
			OutputMultiplier: decimal.NewFromInt(2),
			Enabled:          true,
		}).
		AddAPIKey(testKey, models.APIKey{ID: "key-1", UserID: "user-1", IsActive: true, RateLimits: limits})

	ledgerStore := gatewaytest.NewLedgerStore()
	ledgerStore.PutTier(models.SubscriptionTier{Name: "pro", DisplayName: "Pro", MonthlyCredits: decimal.NewFromInt(500), Enabled: true})
	ledgerStore.PutTier(models.SubscriptionTier{Name: "team", DisplayName: "Team", MonthlyCredits: decimal.NewFromInt(2000), Enabled: true})
	ledgerStore.PutPackage(models.CreditPackage{ID: "pkg-small", Name: "Small", Credits: decimal.NewFromInt(1000), BonusCredits: decimal.NewFromInt(100), Enabled: true})
	now := time.Now().UTC()
	ledgerStore.PutSubscription(models.UserSubscription{
		UserID:            "user-1",
		Tier:              "pro",
		MonthlyCredits:    decimal.NewFromInt(500),
		CurrentCredits:    decimal.NewFromInt(100),
		UsedCredits:       decimal.Zero,
		PurchasedCredits:  decimal.Zero,
		BillingCycleStart: now.Add(-time.Hour),
		BillingCycleEnd:   now.Add(credits.BillingCycle),
		Status:            models.SubscriptionActive,
		AutoRenew:         true,
	})

	usageStore := &gatewaytest.UsageStore{}
	client := &gatewaytest.Client{
		Failures: map[string]error{
			"down-provider": &gwerrors.UpstreamError{Provider: "down-provider", StatusCode: 503, Message: "overloaded"},
		},
		Reply: "hello",
		Usage: openai.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
	}
	br := breaker.NewRegistry(3, time.Minute, zap.NewNop())
	ledger := credits.NewLedger(ledgerStore, zap.NewNop())

	orch := orchestrator.New(orchestrator.Deps{
		Limiter:    ratelimit.NewLimiter(rdb, zap.NewNop()),
		Ledger:     ledger,
		Resolver:   resolver.New(catalog, br, zap.NewNop()),
		Breaker:    br,
		Rates:      catalog,
		Translator: translate.New(nil, zap.NewNop()),
		Client:     client,
		Usage:      usage.NewTracker(usageStore, zap.NewNop()),
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Middleware:   handlers.NewMiddleware(catalog, zap.NewNop()),
		Chat:         handlers.NewChatHandler(orch, zap.NewNop()),
		Subscription: handlers.NewSubscriptionHandler(ledger, zap.NewNop()),
		Dependencies: map[string]handlers.Pinger{"redis": rdb},
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		rdb.Close()
		mr.Close()
	})
	return &fixture{server: server, ledger: ledgerStore, usage: usageStore, client: client}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

var withKey = map[string]string{"x-api-key": testKey}

const chatBody = `{"model":"m-x","messages":[{"role":"user","content":"hi there"}]}`

func TestMissingKeyUsesEndpointErrorShape(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "authentication_error", body["error"].(map[string]interface{})["type"])

	resp = f.do(t, http.MethodPost, "/v1/messages", `{}`, map[string]string{"x-api-key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, "error", body["type"])
	assert.Equal(t, "invalid API key", body["error"].(map[string]interface{})["message"])
}

func TestChatCompletionWithFailoverHeaders(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer " + testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "up-provider", resp.Header.Get("X-Provider"))
	assert.Equal(t, "true", resp.Header.Get("X-Failover"))
	assert.Equal(t, "3.00", resp.Header.Get("X-Credits-Used"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-Latency-Ms"))

	body := decode(t, resp)
	choices := body["choices"].([]interface{})
	require.Len(t, choices, 1)
	msg := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	assert.Equal(t, "hello", msg["content"])

	rows := f.usage.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), rows[1].RequestID)
}

func TestChatCompletionRejectsBadBody(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"m-x"}`, withKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/chat/completions", `not json`, withKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.client.Calls())
}

func TestUnknownModelIs404(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"nope","messages":[{"role":"user","content":"x"}]}`, withKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "model_not_found", body["error"].(map[string]interface{})["type"])
}

func TestMessagesReportsAlias(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m-x","max_tokens":64,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "m-x", body["model"])
	assert.Equal(t, "message", body["type"])
}

func TestMessagesStream(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})
	f.client.Streams = map[string]*gatewaytest.Stream{
		"up-provider": {Chunks: gatewaytest.Bytes(
			[]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"caf\xc3"),
			[]byte("\xa9\"}}\n\n"),
		)},
	}

	resp := f.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "café")

	require.Eventually(t, func() bool { return len(f.usage.Rows()) == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, f.usage.Rows()[1].Estimated)
}

func TestDailyCapReturns429WithHeaders(t *testing.T) {
	f := setup(t, models.RateLimitConfig{DailyTokenLimit: 10})

	resp := f.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m-x","max_tokens":500,"messages":[{"role":"user","content":"hi"}]}`, withKey)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	body := decode(t, resp)
	assert.Equal(t, "error", body["type"])
	assert.Equal(t, "rate_limit_exceeded", body["error"].(map[string]interface{})["type"])
	assert.Empty(t, f.client.Calls())
}

func TestCountTokensAndEventLogging(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"m-x","messages":[{"role":"user","content":"abcdefghijklmnop"}]}`, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), decode(t, resp)["input_tokens"])

	resp = f.do(t, http.MethodPost, "/api/event_logging/batch", `{"events":[{"name":"x"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])
	assert.Empty(t, f.client.Calls())
}

func TestSubscriptionInfo(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodGet, "/v1/subscription/info", "", withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "pro", body["tier"])
	assert.Equal(t, "Pro", body["tier_display_name"])
	assert.Equal(t, "100", body["current_credits"])
}

func TestSubscriptionPurchase(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/subscription/purchase", `{"package_id":"pkg-small"}`, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Regexp(t, regexp.MustCompile(`^CRD-[0-9A-F]{12}$`), body["order_id"])
	assert.Equal(t, "1100", body["credits_added"])
	assert.Equal(t, "1200", body["current_credits"])

	resp = f.do(t, http.MethodPost, "/v1/subscription/purchase", `{"package_id":"missing"}`, withKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptionUpgrade(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/subscription/upgrade", `{"tier_name":"pro"}`, withKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/subscription/upgrade", `{"tier_name":"team"}`, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Regexp(t, regexp.MustCompile(`^SUB-[0-9A-F]{12}$`), body["order_id"])
	sub := body["subscription"].(map[string]interface{})
	assert.Equal(t, "team", sub["tier"])
	assert.Equal(t, "2100", sub["current_credits"])
}

func TestSubscriptionUsageAndTransactions(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", chatBody, withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/subscription/usage?days=500", "", withKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/subscription/usage?days=7", "", withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(7), body["days"])
	assert.Equal(t, float64(1), body["request_count"])

	resp = f.do(t, http.MethodGet, "/v1/subscription/transactions?type=usage", "", withKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(20), body["page_size"])
	txs := body["transactions"].([]interface{})
	require.Len(t, txs, 1)
	assert.Equal(t, "usage", txs[0].(map[string]interface{})["transaction_type"])
}

func TestHealthAndReady(t *testing.T) {
	f := setup(t, models.RateLimitConfig{})

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	router := handlers.NewRouter(handlers.RouterConfig{
		Middleware:   handlers.NewMiddleware(gatewaytest.NewCatalog(), nil),
		Chat:         handlers.NewChatHandler(nil, nil),
		Subscription: handlers.NewSubscriptionHandler(nil, nil),
		Dependencies: map[string]handlers.Pinger{"postgres": failingPinger{}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", handlers.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", handlers.ClientIP(r))
}
