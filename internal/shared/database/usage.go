package database

import (
	"context"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// InsertUsage writes one usage row
func (db *DB) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, request_id, user_id, api_key_id, endpoint, requested_model, model_name,
			provider_name, prompt_tokens, completion_tokens, total_tokens, cost_usd, credits,
			latency_ms, stream, estimated, failover_used, success, error_message, client_ip, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NULLIF($20::text, ''), $21)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.ID,
		rec.RequestID,
		rec.UserID,
		rec.APIKeyID,
		rec.Endpoint,
		rec.RequestedModel,
		rec.ModelName,
		rec.ProviderName,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CostUSD,
		rec.Credits,
		rec.LatencyMs,
		rec.Stream,
		rec.Estimated,
		rec.FailoverUsed,
		rec.Success,
		rec.ErrorMessage,
		rec.ClientIP,
		rec.CreatedAt,
	)
	return err
}
