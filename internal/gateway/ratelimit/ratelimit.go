package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

// Counter is the subset of the Redis client the limiter needs
type Counter interface {
	GetInt(ctx context.Context, key string) (int64, error)
	IncrByWithTTL(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration, now time.Time, member string) (bool, int, error)
}

var _ Counter = (*redis.Client)(nil)

// Status describes the limits after a check, used for response headers
type Status struct {
	RPMLimit     int
	RPMRemaining int
	DailyUsed    int64
	MonthlyUsed  int64
	ResetAt      time.Time
	Exceeded     string
}

// Limiter enforces per-key request-per-minute and token caps
type Limiter struct {
	counter Counter
	logger  *zap.Logger
	now     func() time.Time
}

func NewLimiter(counter Counter, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{counter: counter, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func rpmKey(keyID string) string {
	return fmt.Sprintf("ratelimit:key:%s:rpm", keyID)
}

func dailyKey(keyID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:key:%s:tokens:day:%s", keyID, t.UTC().Format("2006-01-02"))
}

func monthlyKey(keyID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:key:%s:tokens:month:%s", keyID, t.UTC().Format("2006-01"))
}

// CheckAll verifies every limit for the key before an upstream call.
// Token caps are checked first since they are read-only; the request is
// only counted against the minute window when the caps pass.
func (l *Limiter) CheckAll(ctx context.Context, keyID string, limits models.RateLimitConfig, estimatedTokens int) (*Status, error) {
	now := l.now()
	st := &Status{RPMLimit: limits.RPMLimit, ResetAt: now.Add(time.Minute)}

	if limits.DailyTokenLimit > 0 {
		used, err := l.counter.GetInt(ctx, dailyKey(keyID, now))
		if err != nil {
			return nil, fmt.Errorf("read daily tokens: %w", err)
		}
		st.DailyUsed = used
		if used+int64(estimatedTokens) > int64(limits.DailyTokenLimit) {
			st.Exceeded = "daily_tokens"
			st.ResetAt = nextUTCMidnight(now)
			return st, fmt.Errorf("%w: daily token limit %d reached", gwerrors.ErrRateLimitExceeded, limits.DailyTokenLimit)
		}
	}

	if limits.MonthlyTokenLimit > 0 {
		used, err := l.counter.GetInt(ctx, monthlyKey(keyID, now))
		if err != nil {
			return nil, fmt.Errorf("read monthly tokens: %w", err)
		}
		st.MonthlyUsed = used
		if used+int64(estimatedTokens) > int64(limits.MonthlyTokenLimit) {
			st.Exceeded = "monthly_tokens"
			st.ResetAt = nextUTCMonth(now)
			return st, fmt.Errorf("%w: monthly token limit %d reached", gwerrors.ErrRateLimitExceeded, limits.MonthlyTokenLimit)
		}
	}

	if limits.RPMLimit > 0 {
		ok, count, err := l.counter.SlidingWindowAllow(ctx, rpmKey(keyID), limits.RPMLimit, time.Minute, now, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("check rpm: %w", err)
		}
		st.RPMRemaining = limits.RPMLimit - count
		if st.RPMRemaining < 0 {
			st.RPMRemaining = 0
		}
		if !ok {
			st.Exceeded = "rpm"
			return st, fmt.Errorf("%w: %d requests per minute", gwerrors.ErrRateLimitExceeded, limits.RPMLimit)
		}
	}

	return st, nil
}

// ConsumeTokens records actual usage after a successful upstream call
func (l *Limiter) ConsumeTokens(ctx context.Context, keyID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	now := l.now()

	if _, err := l.counter.IncrByWithTTL(ctx, dailyKey(keyID, now), int64(tokens), 48*time.Hour); err != nil {
		return fmt.Errorf("consume daily tokens: %w", err)
	}
	if _, err := l.counter.IncrByWithTTL(ctx, monthlyKey(keyID, now), int64(tokens), 32*24*time.Hour); err != nil {
		return fmt.Errorf("consume monthly tokens: %w", err)
	}

	l.logger.Debug("consumed rate-limit tokens",
		zap.String("key_id", keyID),
		zap.Int("tokens", tokens),
	)
	return nil
}

// Headers renders the status as X-RateLimit-* response headers
func (s *Status) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Reset": strconv.FormatInt(s.ResetAt.Unix(), 10),
	}
	if s.RPMLimit > 0 {
		h["X-RateLimit-Limit"] = strconv.Itoa(s.RPMLimit)
		h["X-RateLimit-Remaining"] = strconv.Itoa(s.RPMRemaining)
	}
	if s.Exceeded != "" {
		retry := int(time.Until(s.ResetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		h["Retry-After"] = strconv.Itoa(retry)
	}
	return h
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func nextUTCMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
