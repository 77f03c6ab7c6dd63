package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

func setupLimiter(t *testing.T, now time.Time) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewLimiter(client, zap.NewNop()).WithClock(func() time.Time { return now })
}

func TestRPMLimit(t *testing.T) {
	l := setupLimiter(t, time.Now())
	ctx := context.Background()
	limits := models.RateLimitConfig{RPMLimit: 2}

	st, err := l.CheckAll(ctx, "k1", limits, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RPMRemaining)

	_, err = l.CheckAll(ctx, "k1", limits, 0)
	require.NoError(t, err)

	st, err = l.CheckAll(ctx, "k1", limits, 0)
	assert.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)
	assert.Equal(t, "rpm", st.Exceeded)
	assert.Equal(t, "0", st.Headers()["X-RateLimit-Remaining"])

	// other keys are unaffected
	_, err = l.CheckAll(ctx, "k2", limits, 0)
	assert.NoError(t, err)
}

func TestDailyCapRejectsEstimateAboveRemaining(t *testing.T) {
	l := setupLimiter(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := models.RateLimitConfig{DailyTokenLimit: 1000}

	require.NoError(t, l.ConsumeTokens(ctx, "k", 990))

	st, err := l.CheckAll(ctx, "k", limits, 20)
	require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)
	assert.Equal(t, "daily_tokens", st.Exceeded)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), st.ResetAt)

	_, err = l.CheckAll(ctx, "k", limits, 10)
	assert.NoError(t, err)
}

func TestMonthlyCap(t *testing.T) {
	l := setupLimiter(t, time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, l.ConsumeTokens(ctx, "k", 500))

	st, err := l.CheckAll(ctx, "k", models.RateLimitConfig{MonthlyTokenLimit: 500}, 1)
	require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)
	assert.Equal(t, "monthly_tokens", st.Exceeded)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), st.ResetAt)
}

func TestZeroMeansUnlimited(t *testing.T) {
	l := setupLimiter(t, time.Now())
	ctx := context.Background()

	require.NoError(t, l.ConsumeTokens(ctx, "k", 1_000_000))
	for i := 0; i < 20; i++ {
		_, err := l.CheckAll(ctx, "k", models.RateLimitConfig{}, 5000)
		require.NoError(t, err)
	}
}

func TestDailyCounterResetsAtUTCMidnight(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	now := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	l := NewLimiter(client, zap.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()
	limits := models.RateLimitConfig{DailyTokenLimit: 100}

	require.NoError(t, l.ConsumeTokens(ctx, "k", 100))
	_, err = l.CheckAll(ctx, "k", limits, 1)
	require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)

	now = now.Add(2 * time.Minute)
	_, err = l.CheckAll(ctx, "k", limits, 1)
	assert.NoError(t, err)
}

func TestTokenCapDoesNotConsumeRequestSlot(t *testing.T) {
	l := setupLimiter(t, time.Now())
	ctx := context.Background()
	require.NoError(t, l.ConsumeTokens(ctx, "k", 100))

	blocked := models.RateLimitConfig{RPMLimit: 1, DailyTokenLimit: 100}
	for i := 0; i < 3; i++ {
		_, err := l.CheckAll(ctx, "k", blocked, 1)
		require.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)
	}

	_, err := l.CheckAll(ctx, "k", models.RateLimitConfig{RPMLimit: 1}, 1)
	assert.NoError(t, err)
}

func TestConsumeIgnoresNonPositive(t *testing.T) {
	l := setupLimiter(t, time.Now())
	assert.NoError(t, l.ConsumeTokens(context.Background(), "k", 0))
	assert.NoError(t, l.ConsumeTokens(context.Background(), "k", -5))
}
