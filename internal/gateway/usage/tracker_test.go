package usage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gatewaytest"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

func attempt(requestID string) usage.Attempt {
	return usage.Attempt{
		RequestID:      requestID,
		UserID:         "u1",
		APIKeyID:       "k1",
		Endpoint:       "/v1/chat/completions",
		RequestedModel: "smart",
		Model:          &models.ModelConfig{ModelName: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
		Provider:       &models.ModelProvider{Name: "openai-main"},
		ClientIP:       "10.0.0.1",
		Started:        time.Now().Add(-50 * time.Millisecond),
	}
}

func TestRecordSuccessAndFailure(t *testing.T) {
	store := &gatewaytest.UsageStore{}
	tr := usage.NewTracker(store, nil)
	id := usage.NewRequestID()

	tr.RecordFailure(context.Background(), attempt(id), errors.New("status 500"))
	tr.RecordSuccess(context.Background(), attempt(id), usage.Outcome{
		PromptTokens:     1000,
		CompletionTokens: 2000,
		Credits:          decimal.RequireFromString("5.00"),
		Estimated:        true,
	})

	rows := store.Rows()
	require.Len(t, rows, 2)

	assert.False(t, rows[0].Success)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Equal(t, "status 500", *rows[0].ErrorMessage)
	assert.Equal(t, "openai-main", rows[0].ProviderName)
	assert.Equal(t, "gpt-4o", rows[0].ModelName)

	assert.True(t, rows[1].Success)
	assert.Equal(t, 3000, rows[1].TotalTokens)
	assert.InDelta(t, 0.035, rows[1].CostUSD, 1e-9)
	assert.True(t, rows[1].Credits.Equal(decimal.RequireFromString("5")))
	assert.True(t, rows[1].Estimated)
	assert.GreaterOrEqual(t, rows[1].LatencyMs, 50)

	assert.Equal(t, id, rows[0].RequestID)
	assert.Equal(t, id, rows[1].RequestID)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
}

func TestStoreErrorsAreSwallowed(t *testing.T) {
	store := &gatewaytest.UsageStore{Err: errors.New("db down")}
	rec := usage.NewTracker(store, nil).RecordFailure(context.Background(), attempt("r"), errors.New("x"))
	assert.NotNil(t, rec)
	assert.Empty(t, store.Rows())
}

func TestCostUSD(t *testing.T) {
	assert.Zero(t, usage.CostUSD(nil, 10, 10))
	m := &models.ModelConfig{InputCostPer1K: 1, OutputCostPer1K: 2}
	assert.InDelta(t, 2.5, usage.CostUSD(m, 500, 1000), 1e-9)
}
