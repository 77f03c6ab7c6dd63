package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// HashAPIKey returns the stored form of a raw API key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("database error: %w", err)
}

// GetAPIKey retrieves an active API key by its raw key value
func (db *DB) GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, name, is_active,
		       rpm_limit, daily_token_limit, monthly_token_limit, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	var rpm, daily, monthly sql.NullInt64
	err := db.conn.QueryRowContext(ctx, query, HashAPIKey(rawKey)).Scan(
		&apiKey.ID,
		&apiKey.UserID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.IsActive,
		&rpm,
		&daily,
		&monthly,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "api key")
	}

	apiKey.RateLimits = rateLimits(rpm, daily, monthly, db.defaultRPM)
	return &apiKey, nil
}

// rateLimits applies the default per-minute limit when a key has none
func rateLimits(rpm, daily, monthly sql.NullInt64, defaultRPM int) models.RateLimitConfig {
	limits := models.RateLimitConfig{
		RPMLimit:          defaultRPM,
		DailyTokenLimit:   int(daily.Int64),
		MonthlyTokenLimit: int(monthly.Int64),
	}
	if rpm.Valid {
		limits.RPMLimit = int(rpm.Int64)
	}
	return limits
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp
func (db *DB) UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, apiKeyID)
	return err
}

// GetAlias retrieves a model alias by name
func (db *DB) GetAlias(ctx context.Context, name string) (*models.ModelAlias, error) {
	query := `SELECT alias_name, model_ids, enabled FROM model_aliases WHERE alias_name = $1`

	var alias models.ModelAlias
	err := db.conn.QueryRowContext(ctx, query, name).Scan(
		&alias.AliasName,
		pq.Array(&alias.ModelIDs),
		&alias.Enabled,
	)
	if err != nil {
		return nil, notFound(err, "alias "+name)
	}
	return &alias, nil
}

const modelColumns = `
	SELECT id, provider_id, model_name, model_type, supports_tools,
	       input_cost_per_1k, output_cost_per_1k, COALESCE(max_tokens, 0), enabled
	FROM model_configs
`

func scanModel(row *sql.Row) (*models.ModelConfig, error) {
	var m models.ModelConfig
	err := row.Scan(
		&m.ID,
		&m.ProviderID,
		&m.ModelName,
		&m.ModelType,
		&m.SupportsTools,
		&m.InputCostPer1K,
		&m.OutputCostPer1K,
		&m.MaxTokens,
		&m.Enabled,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetModel retrieves a model by id
func (db *DB) GetModel(ctx context.Context, id string) (*models.ModelConfig, error) {
	m, err := scanModel(db.conn.QueryRowContext(ctx, modelColumns+`WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "model "+id)
	}
	return m, nil
}

// GetModelByName retrieves a model by its upstream name, preferring
// enabled rows when several providers serve the same name
func (db *DB) GetModelByName(ctx context.Context, name string) (*models.ModelConfig, error) {
	m, err := scanModel(db.conn.QueryRowContext(ctx, modelColumns+`WHERE model_name = $1 ORDER BY enabled DESC LIMIT 1`, name))
	if err != nil {
		return nil, notFound(err, "model "+name)
	}
	return m, nil
}

// GetProvider retrieves a provider by id
func (db *DB) GetProvider(ctx context.Context, id string) (*models.ModelProvider, error) {
	query := `
		SELECT id, name, provider_type, COALESCE(api_base_url, ''), COALESCE(api_key_encrypted, ''), enabled
		FROM model_providers
		WHERE id = $1
	`

	var p models.ModelProvider
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.ProviderType,
		&p.APIBaseURL,
		&p.APIKeyEncrypted,
		&p.Enabled,
	)
	if err != nil {
		return nil, notFound(err, "provider "+id)
	}
	return &p, nil
}

// GetModelGroup retrieves the fallback group for a model type
func (db *DB) GetModelGroup(ctx context.Context, modelType string) (*models.ModelGroup, error) {
	query := `SELECT model_type, model_ids, fallback_enabled FROM model_groups WHERE model_type = $1`

	var g models.ModelGroup
	err := db.conn.QueryRowContext(ctx, query, modelType).Scan(
		&g.ModelType,
		pq.Array(&g.ModelIDs),
		&g.FallbackEnabled,
	)
	if err != nil {
		return nil, notFound(err, "model group "+modelType)
	}
	return &g, nil
}

// GetCreditRate retrieves the credit price of a model
func (db *DB) GetCreditRate(ctx context.Context, modelID string) (*models.ModelCreditRate, error) {
	query := `
		SELECT model_id, base_credit_per_1k, input_multiplier, output_multiplier, enabled
		FROM model_credit_rates
		WHERE model_id = $1
	`

	var r models.ModelCreditRate
	err := db.conn.QueryRowContext(ctx, query, modelID).Scan(
		&r.ModelID,
		&r.BaseCreditPer1K,
		&r.InputMultiplier,
		&r.OutputMultiplier,
		&r.Enabled,
	)
	if err != nil {
		return nil, notFound(err, "credit rate "+modelID)
	}
	return &r, nil
}
