package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

type countingSource struct {
	rates map[string]models.ModelCreditRate
	calls int
}

func (s *countingSource) GetCreditRate(_ context.Context, modelID string) (*models.ModelCreditRate, error) {
	s.calls++
	r, ok := s.rates[modelID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func setup(t *testing.T) (*cache.RateCache, *countingSource, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	src := &countingSource{rates: map[string]models.ModelCreditRate{
		"m1":  {ModelID: "m1", BaseCreditPer1K: decimal.RequireFromString("1.5"), InputMultiplier: decimal.NewFromInt(1), OutputMultiplier: decimal.NewFromInt(3), Enabled: true},
		"off": {ModelID: "off", BaseCreditPer1K: decimal.NewFromInt(9), Enabled: false},
	}}
	return cache.New(client, src, 5*time.Minute, nil), src, mr
}

func TestRateIsCached(t *testing.T) {
	c, src, mr := setup(t)
	ctx := context.Background()

	first, err := c.GetCreditRate(ctx, "m1")
	require.NoError(t, err)
	second, err := c.GetCreditRate(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.True(t, second.BaseCreditPer1K.Equal(first.BaseCreditPer1K))
	assert.True(t, second.OutputMultiplier.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 5*time.Minute, mr.TTL("cache:rate:m1"))
}

func TestMissingAndDisabledRatesAreNil(t *testing.T) {
	c, src, _ := setup(t)
	ctx := context.Background()

	for _, id := range []string{"missing", "off", "missing", "off"} {
		rate, err := c.GetCreditRate(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rate)
	}
	assert.Equal(t, 2, src.calls)
}

func TestInvalidate(t *testing.T) {
	c, src, _ := setup(t)
	ctx := context.Background()

	_, err := c.GetCreditRate(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "m1"))
	_, err = c.GetCreditRate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
