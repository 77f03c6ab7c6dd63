// Package cache keeps per-model credit rates in Redis in front of the
// configuration store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/redis"
)

// noRate marks a model with no configured rate so misses are cached too
const noRate = "none"

// RateSource is the authoritative rate lookup. Missing rates return
// models.ErrNotFound.
type RateSource interface {
	GetCreditRate(ctx context.Context, modelID string) (*models.ModelCreditRate, error)
}

type RateCache struct {
	redis  *redis.Client
	source RateSource
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a new rate cache
func New(redisClient *redis.Client, source RateSource, ttl time.Duration, logger *zap.Logger) *RateCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateCache{redis: redisClient, source: source, ttl: ttl, logger: logger}
}

func rateKey(modelID string) string {
	return "cache:rate:" + modelID
}

// GetCreditRate returns the enabled rate for a model, or nil when the model
// has none. Redis failures fall through to the source.
func (c *RateCache) GetCreditRate(ctx context.Context, modelID string) (*models.ModelCreditRate, error) {
	key := rateKey(modelID)

	val, err := c.redis.Get(ctx, key)
	switch {
	case err == nil:
		if val == noRate {
			return nil, nil
		}
		var rate models.ModelCreditRate
		if jsonErr := json.Unmarshal([]byte(val), &rate); jsonErr == nil {
			return &rate, nil
		}
		c.logger.Warn("Discarding malformed cached rate", zap.String("model_id", modelID))
	case !errors.Is(err, redis.ErrNotFound):
		c.logger.Warn("Rate cache read failed", zap.String("model_id", modelID), zap.Error(err))
	}

	rate, err := c.source.GetCreditRate(ctx, modelID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !rate.Enabled) {
		c.store(ctx, key, noRate)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credit rate: %w", err)
	}

	data, err := json.Marshal(rate)
	if err == nil {
		c.store(ctx, key, string(data))
	}
	return rate, nil
}

func (c *RateCache) store(ctx context.Context, key, val string) {
	if err := c.redis.Set(ctx, key, val, c.ttl); err != nil {
		c.logger.Warn("Rate cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached rate of a model
func (c *RateCache) Invalidate(ctx context.Context, modelID string) error {
	return c.redis.Del(ctx, rateKey(modelID))
}
