package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
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
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

type harness struct {
	orch    *orchestrator.Orchestrator
	catalog *gatewaytest.Catalog
	ledger  *gatewaytest.LedgerStore
	usage   *gatewaytest.UsageStore
	client  *gatewaytest.Client
	breaker *breaker.Registry
	key     *models.APIKey
	redis   *miniredis.Miniredis
}

func setup(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	catalog := gatewaytest.NewCatalog().
		AddProvider(models.ModelProvider{ID: "p-a", Name: "down-provider", ProviderType: "openai", Enabled: true}).
		AddProvider(models.ModelProvider{ID: "p-b", Name: "up-provider", ProviderType: "anthropic", Enabled: true}).
		AddModel(models.ModelConfig{ID: "mA", ProviderID: "p-a", ModelName: "model-a", Enabled: true}).
		AddModel(models.ModelConfig{ID: "mB", ProviderID: "p-b", ModelName: "model-b", Enabled: true}).
		AddAlias(models.ModelAlias{AliasName: "m-x", ModelIDs: []string{"mA", "mB"}, Enabled: true}).
		AddRate(models.ModelCreditRate{
			ModelID:          "mA",
			BaseCreditPer1K:  decimal.NewFromInt(5),
			InputMultiplier:  decimal.NewFromInt(1),
			OutputMultiplier: decimal.NewFromInt(1),
			Enabled:          true,
		}).
		AddRate(models.ModelCreditRate{
			ModelID:          "mB",
			BaseCreditPer1K:  decimal.NewFromInt(1),
			InputMultiplier:  decimal.NewFromInt(1),
			OutputMultiplier: decimal.NewFromInt(2),
			Enabled:          true,
		})

	ledgerStore := gatewaytest.NewLedgerStore()
	now := time.Now().UTC()
	ledgerStore.PutSubscription(models.UserSubscription{
		UserID:            "user-1",
		Tier:              "pro",
		MonthlyCredits:    decimal.NewFromInt(100),
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
	br := breaker.NewRegistry(1, time.Minute, zap.NewNop())

	orch := orchestrator.New(orchestrator.Deps{
		Limiter:    ratelimit.NewLimiter(rdb, zap.NewNop()),
		Ledger:     credits.NewLedger(ledgerStore, zap.NewNop()),
		Resolver:   resolver.New(catalog, br, zap.NewNop()),
		Breaker:    br,
		Rates:      catalog,
		Translator: translate.New(nil, zap.NewNop()),
		Client:     client,
		Usage:      usage.NewTracker(usageStore, zap.NewNop()),
		Logger:     zap.NewNop(),
	})

	return &harness{
		orch:    orch,
		catalog: catalog,
		ledger:  ledgerStore,
		usage:   usageStore,
		client:  client,
		breaker: br,
		key:     &models.APIKey{ID: "key-1", UserID: "user-1", IsActive: true},
		redis:   mr,
	}
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	sub, err := h.ledger.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	return sub.CurrentCredits
}

func chatRequest(h *harness, model string) *orchestrator.Request {
	return &orchestrator.Request{
		Caller: orchestrator.Caller{APIKey: h.key, Endpoint: "/v1/chat/completions", ClientIP: "10.0.0.1"},
		Chat: &providers.ChatRequest{
			Model:    model,
			Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi there"}},
		},
	}
}

func messagesRequest(h *harness, model string, stream bool) *orchestrator.Request {
	return &orchestrator.Request{
		Caller: orchestrator.Caller{APIKey: h.key, Endpoint: "/v1/messages"},
		Messages: &providers.MessagesRequest{
			Model:     model,
			MaxTokens: 256,
			Stream:    stream,
			Messages:  []providers.MessagesMessage{{Role: "user", Content: json.RawMessage(`"hi there"`)}},
		},
	}
}

func TestAliasFailoverRecordsBothAttempts(t *testing.T) {
	h := setup(t)

	res, err := h.orch.Complete(context.Background(), chatRequest(h, "m-x"))
	require.NoError(t, err)

	assert.Equal(t, "up-provider", res.Provider.Name)
	assert.Equal(t, "model-b", res.Model.ModelName)
	assert.True(t, res.FailoverUsed)
	assert.Equal(t, "hello", res.Chat.Text())
	assert.True(t, decimal.RequireFromString("3").Equal(res.Credits), "got %s", res.Credits)

	rows := h.usage.Rows()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "down-provider", rows[0].ProviderName)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "overloaded")
	assert.True(t, rows[1].Success)
	assert.Equal(t, "up-provider", rows[1].ProviderName)
	assert.Equal(t, "m-x", rows[1].RequestedModel)
	assert.Equal(t, "10.0.0.1", rows[1].ClientIP)
	assert.Equal(t, rows[0].RequestID, rows[1].RequestID)
	assert.Equal(t, res.RequestID, rows[1].RequestID)

	assert.True(t, decimal.NewFromInt(97).Equal(h.balance(t)), "got %s", h.balance(t))
	assert.Equal(t, breaker.Open, h.breaker.State("down-provider"))
	assert.Equal(t, breaker.Closed, h.breaker.State("up-provider"))

	txs := h.ledger.AllTransactions()
	require.NotEmpty(t, txs)
	last := txs[len(txs)-1]
	assert.Equal(t, models.TxUsage, last.Type)
	assert.Equal(t, res.RequestID, last.ReferenceID)
}

func TestDisconnectAfterReplyIsStillBilled(t *testing.T) {
	h := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.client.AfterReply = cancel

	res, err := h.orch.Complete(ctx, chatRequest(h, "model-b"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3").Equal(res.Credits), "got %s", res.Credits)
	assert.True(t, decimal.NewFromInt(97).Equal(h.balance(t)), "got %s", h.balance(t))

	daily, err := h.redis.Get("ratelimit:key:key-1:tokens:day:" + time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, "2000", daily)
}

func TestOpenCircuitIsSkippedOnNextRequest(t *testing.T) {
	h := setup(t)

	_, err := h.orch.Complete(context.Background(), chatRequest(h, "m-x"))
	require.NoError(t, err)
	_, err = h.orch.Complete(context.Background(), chatRequest(h, "m-x"))
	require.NoError(t, err)

	calls := h.client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "up-provider", calls[2].ProviderName)
}

func TestDailyCapRejectsBeforeUpstream(t *testing.T) {
	h := setup(t)
	h.key.RateLimits = models.RateLimitConfig{DailyTokenLimit: 10}

	req := chatRequest(h, "m-x")
	maxTokens := 500
	req.Chat.MaxTokens = &maxTokens

	_, err := h.orch.Complete(context.Background(), req)
	require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)

	var rlErr *orchestrator.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "daily_tokens", rlErr.Status.Exceeded)

	assert.Empty(t, h.client.Calls())
	assert.Empty(t, h.usage.Rows())
	assert.True(t, decimal.NewFromInt(100).Equal(h.balance(t)))
}

func TestInsufficientCreditsRejectsBeforeUpstream(t *testing.T) {
	h := setup(t)
	sub, err := h.ledger.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	sub.CurrentCredits = decimal.Zero
	h.ledger.PutSubscription(*sub)

	_, err = h.orch.Complete(context.Background(), chatRequest(h, "m-x"))
	assert.ErrorIs(t, err, gwerrors.ErrInsufficientCredits)
	assert.Empty(t, h.client.Calls())
}

func TestAllProvidersFailed(t *testing.T) {
	h := setup(t)
	h.client.Failures["up-provider"] = &gwerrors.UpstreamError{Provider: "up-provider", StatusCode: 500, Message: "boom"}

	_, err := h.orch.Complete(context.Background(), chatRequest(h, "m-x"))
	require.ErrorIs(t, err, gwerrors.ErrAllProvidersFailed)

	var upErr *gwerrors.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "up-provider", upErr.Provider)

	rows := h.usage.Rows()
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.False(t, r.Success)
	}
	assert.True(t, decimal.NewFromInt(100).Equal(h.balance(t)))
}

func TestUnknownModel(t *testing.T) {
	h := setup(t)

	_, err := h.orch.Complete(context.Background(), chatRequest(h, "nope"))
	assert.ErrorIs(t, err, gwerrors.ErrModelNotFound)
	assert.Empty(t, h.client.Calls())
}

func TestMessagesResponseReportsRequestedAlias(t *testing.T) {
	h := setup(t)

	res, err := h.orch.Complete(context.Background(), messagesRequest(h, "m-x", false))
	require.NoError(t, err)
	assert.Equal(t, "m-x", res.Messages.Model)
	assert.Equal(t, 1000, res.PromptTokens)
	assert.Equal(t, 1000, res.CompletionTokens)
}

func TestStreamRelaysSplitRuneAndBillsReportedUsage(t *testing.T) {
	h := setup(t)
	h.client.Streams = map[string]*gatewaytest.Stream{
		"up-provider": {Chunks: gatewaytest.Bytes(
			[]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1000,\"output_tokens\":0}}}\n\n"),
			[]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"h\xc3"),
			[]byte("\xa9llo\"}}\n\n"),
			[]byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":1000}}\n\n"),
			[]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"),
		)},
	}

	ctx := context.Background()
	sc, err := h.orch.PrepareStream(ctx, messagesRequest(h, "m-x", true))
	require.NoError(t, err)
	require.Len(t, sc.Candidates, 2)

	w := httptest.NewRecorder()
	out := h.orch.Stream(ctx, w, sc)
	require.NoError(t, out.Err)

	body := w.Body.String()
	assert.Contains(t, body, "héllo")
	assert.NotContains(t, body, "�")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	assert.Equal(t, "up-provider", out.Provider.Name)
	assert.True(t, out.FailoverUsed)
	assert.False(t, out.Estimated)
	assert.Equal(t, "héllo", out.Relay.Text)
	assert.True(t, decimal.RequireFromString("3").Equal(out.Credits), "got %s", out.Credits)
	assert.True(t, decimal.NewFromInt(97).Equal(h.balance(t)))

	rows := h.usage.Rows()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Success)
	assert.True(t, rows[1].Success)
	assert.True(t, rows[1].Stream)
	assert.False(t, rows[1].Estimated)
}

func TestStreamWithoutUsageIsEstimated(t *testing.T) {
	h := setup(t)
	h.client.Streams = map[string]*gatewaytest.Stream{
		"up-provider": {Chunks: gatewaytest.Deltas("abcdefgh", "ijklmnop")},
	}
	req := chatRequest(h, "m-x")
	req.Chat.Stream = true

	ctx := context.Background()
	sc, err := h.orch.PrepareStream(ctx, req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	out := h.orch.Stream(ctx, w, sc)
	require.NoError(t, out.Err)

	assert.True(t, out.Estimated)
	assert.Equal(t, 4, out.CompletionTokens)
	assert.Equal(t, sc.InputTokens, out.PromptTokens)
	assert.Contains(t, w.Body.String(), "chatcmpl-"+sc.RequestID)
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	rows := h.usage.Rows()
	require.Len(t, rows, 2)
	assert.True(t, rows[1].Estimated)
}

func TestStreamMidFlightErrorEndsWithErrorEvent(t *testing.T) {
	h := setup(t)
	h.client.Streams = map[string]*gatewaytest.Stream{
		"up-provider": {Chunks: gatewaytest.Deltas("partial answer"), Err: &gwerrors.UpstreamError{Provider: "up-provider", Message: "reset"}},
	}
	req := chatRequest(h, "m-x")
	req.Chat.Stream = true

	ctx := context.Background()
	sc, err := h.orch.PrepareStream(ctx, req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	out := h.orch.Stream(ctx, w, sc)
	require.NoError(t, out.Err)
	require.Error(t, out.Relay.Err)

	body := w.Body.String()
	assert.Contains(t, body, "reset")
	assert.NotContains(t, body, "[DONE]")
	assert.Equal(t, breaker.Open, h.breaker.State("up-provider"))

	// the delivered text is still billed
	rows := h.usage.Rows()
	require.Len(t, rows, 3)
	assert.False(t, rows[1].Success)
	assert.True(t, rows[2].Success)
	assert.True(t, rows[2].Estimated)
}

func TestStreamAllProvidersFailWritesErrorEvent(t *testing.T) {
	h := setup(t)
	h.client.Failures["up-provider"] = &gwerrors.UpstreamError{Provider: "up-provider", StatusCode: 500, Message: "boom"}

	ctx := context.Background()
	sc, err := h.orch.PrepareStream(ctx, messagesRequest(h, "m-x", true))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	out := h.orch.Stream(ctx, w, sc)
	require.ErrorIs(t, out.Err, gwerrors.ErrAllProvidersFailed)
	assert.Contains(t, w.Body.String(), "event: error")
	assert.True(t, decimal.NewFromInt(100).Equal(h.balance(t)))
}

func TestStreamCanceledClientIsStillBilled(t *testing.T) {
	h := setup(t)
	req := chatRequest(h, "model-b")
	req.Chat.Stream = true

	ctx, cancel := context.WithCancel(context.Background())
	sc, err := h.orch.PrepareStream(ctx, req)
	require.NoError(t, err)
	cancel()

	w := httptest.NewRecorder()
	out := h.orch.Stream(ctx, w, sc)
	assert.True(t, out.Relay.Canceled)
	assert.True(t, out.Estimated)

	rows := h.usage.Rows()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.Equal(t, breaker.Closed, h.breaker.State("up-provider"))
}

func TestPrepareStreamRejectsOverLimitBeforeOutput(t *testing.T) {
	h := setup(t)
	h.key.RateLimits = models.RateLimitConfig{MonthlyTokenLimit: 5}

	sc, err := h.orch.PrepareStream(context.Background(), messagesRequest(h, "m-x", true))
	require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)
	assert.Equal(t, "monthly_tokens", sc.RateLimit.Exceeded)
	assert.Empty(t, h.client.Calls())
}
