// Package database implements the Postgres-backed stores used by the
// gateway: the configuration catalog, the credit ledger and usage rows.
//
// Tables read or written here:
//
//	api_keys(id, user_id, key_hash, key_prefix, name, is_active,
//	         rpm_limit, daily_token_limit, monthly_token_limit, last_used_at, created_at)
//	model_providers(id, name, provider_type, api_base_url, api_key_encrypted, enabled)
//	model_configs(id, provider_id, model_name, model_type, supports_tools,
//	              input_cost_per_1k, output_cost_per_1k, max_tokens, enabled)
//	model_aliases(alias_name, model_ids text[], enabled)
//	model_groups(model_type, model_ids text[], fallback_enabled)
//	model_credit_rates(model_id, base_credit_per_1k, input_multiplier, output_multiplier, enabled)
//	subscription_tiers(name, display_name, monthly_credits, price_monthly, enabled)
//	credit_packages(id, name, credits, bonus_credits, price, enabled)
//	user_subscriptions(user_id unique, tier, monthly_credits, current_credits, used_credits,
//	                   purchased_credits, billing_cycle_start, billing_cycle_end, status, auto_renew, updated_at)
//	credit_transactions(id, user_id, transaction_type, credits, balance_before, balance_after,
//	                    reference_id, reference_type, description, extra_data jsonb, created_at)
//	usage_records(id, request_id, user_id, api_key_id, endpoint, requested_model, model_name,
//	              provider_name, prompt_tokens, completion_tokens, total_tokens, cost_usd, credits,
//	              latency_ms, stream, estimated, failover_used, success, error_message, client_ip, created_at)
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	conn       *sql.DB
	defaultRPM int
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// WithDefaultRPM sets the per-minute limit applied to keys without one
func (db *DB) WithDefaultRPM(n int) *DB {
	db.defaultRPM = n
	return db
}

// Ping checks the connection is usable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
