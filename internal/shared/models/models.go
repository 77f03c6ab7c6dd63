package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups for records that do not exist
var ErrNotFound = errors.New("record not found")

// Subscription statuses
const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// Credit transaction types
const (
	TxUsage               = "usage"
	TxMonthlyGrant        = "monthly_grant"
	TxPurchase            = "purchase"
	TxSubscriptionUpgrade = "subscription_upgrade"
)

// APIKey represents a gateway API key bound to a user
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string
	KeyPrefix  string
	Name       string
	IsActive   bool
	RateLimits RateLimitConfig
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// RateLimitConfig holds per-key limits. A limit <= 0 means unlimited.
type RateLimitConfig struct {
	RPMLimit          int `json:"rpm_limit"`
	DailyTokenLimit   int `json:"daily_token_limit"`
	MonthlyTokenLimit int `json:"monthly_token_limit"`
}

// ModelProvider is an upstream LLM vendor account
type ModelProvider struct {
	ID              string
	Name            string
	ProviderType    string
	APIBaseURL      string
	APIKeyEncrypted string
	Enabled         bool
}

// ModelConfig is a concrete upstream model
type ModelConfig struct {
	ID              string
	ProviderID      string
	ModelName       string
	ModelType       string
	SupportsTools   bool
	InputCostPer1K  float64
	OutputCostPer1K float64
	MaxTokens       int
	Enabled         bool
}

// ModelAlias maps a public name to an ordered list of model ids.
// Duplicates are allowed and order is significant.
type ModelAlias struct {
	AliasName string
	ModelIDs  []string
	Enabled   bool
}

// ModelGroup lists interchangeable models sharing a model type
type ModelGroup struct {
	ModelType       string
	ModelIDs        []string
	FallbackEnabled bool
}

// ModelCreditRate is the per-model credit price
type ModelCreditRate struct {
	ModelID          string
	BaseCreditPer1K  decimal.Decimal
	InputMultiplier  decimal.Decimal
	OutputMultiplier decimal.Decimal
	Enabled          bool
}

// SubscriptionTier is a plan granting monthly credits
type SubscriptionTier struct {
	Name           string
	DisplayName    string
	MonthlyCredits decimal.Decimal
	PriceMonthly   decimal.Decimal
	Enabled        bool
}

// CreditPackage is a one-off credit purchase option
type CreditPackage struct {
	ID           string
	Name         string
	Credits      decimal.Decimal
	BonusCredits decimal.Decimal
	Price        decimal.Decimal
	Enabled      bool
}

// UserSubscription is a user's credit balance and billing cycle
type UserSubscription struct {
	UserID            string          `json:"user_id"`
	Tier              string          `json:"tier"`
	MonthlyCredits    decimal.Decimal `json:"monthly_credits"`
	CurrentCredits    decimal.Decimal `json:"current_credits"`
	UsedCredits       decimal.Decimal `json:"used_credits"`
	PurchasedCredits  decimal.Decimal `json:"purchased_credits"`
	BillingCycleStart time.Time       `json:"billing_cycle_start"`
	BillingCycleEnd   time.Time       `json:"billing_cycle_end"`
	Status            string          `json:"status"`
	AutoRenew         bool            `json:"auto_renew"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CreditTransaction is an append-only ledger row
type CreditTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"transaction_type"`
	Credits       decimal.Decimal `json:"credits"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	ReferenceType string          `json:"reference_type,omitempty"`
	Description   string          `json:"description,omitempty"`
	ExtraData     json.RawMessage `json:"extra_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// UsageRecord represents one upstream attempt, successful or not
type UsageRecord struct {
	ID               string
	RequestID        string
	UserID           string
	APIKeyID         string
	Endpoint         string
	RequestedModel   string
	ModelName        string
	ProviderName     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Credits          decimal.Decimal
	LatencyMs        int
	Stream           bool
	Estimated        bool
	FailoverUsed     bool
	Success          bool
	ErrorMessage     *string
	ClientIP         string
	CreatedAt        time.Time
}
