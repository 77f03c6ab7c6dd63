// Package usage records one row per upstream attempt.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// Store persists usage rows
type Store interface {
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Attempt identifies one upstream call within a gateway request
type Attempt struct {
	RequestID      string
	UserID         string
	APIKeyID       string
	Endpoint       string
	RequestedModel string
	Model          *models.ModelConfig
	Provider       *models.ModelProvider
	Stream         bool
	FailoverUsed   bool
	ClientIP       string
	Started        time.Time
}

// Outcome is the measured result of a successful attempt
type Outcome struct {
	PromptTokens     int
	CompletionTokens int
	Credits          decimal.Decimal
	Estimated        bool
}

type Tracker struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// NewRequestID generates the id shared by every attempt of one request
func NewRequestID() string {
	return uuid.NewString()
}

// CostUSD prices tokens at the model's list price
func CostUSD(model *models.ModelConfig, promptTokens, completionTokens int) float64 {
	if model == nil {
		return 0
	}
	return float64(promptTokens)/1000.0*model.InputCostPer1K +
		float64(completionTokens)/1000.0*model.OutputCostPer1K
}

func (t *Tracker) record(a Attempt) *models.UsageRecord {
	now := t.now()
	rec := &models.UsageRecord{
		ID:             uuid.NewString(),
		RequestID:      a.RequestID,
		UserID:         a.UserID,
		APIKeyID:       a.APIKeyID,
		Endpoint:       a.Endpoint,
		RequestedModel: a.RequestedModel,
		Stream:         a.Stream,
		FailoverUsed:   a.FailoverUsed,
		ClientIP:       a.ClientIP,
		Credits:        decimal.Zero,
		CreatedAt:      now,
	}
	if a.Model != nil {
		rec.ModelName = a.Model.ModelName
	}
	if a.Provider != nil {
		rec.ProviderName = a.Provider.Name
	}
	if !a.Started.IsZero() {
		rec.LatencyMs = int(now.Sub(a.Started).Milliseconds())
	}
	return rec
}

// RecordSuccess writes a success row. Storage failures are logged, never
// returned, so a billing write cannot fail a delivered response.
func (t *Tracker) RecordSuccess(ctx context.Context, a Attempt, out Outcome) *models.UsageRecord {
	rec := t.record(a)
	rec.Success = true
	rec.PromptTokens = out.PromptTokens
	rec.CompletionTokens = out.CompletionTokens
	rec.TotalTokens = out.PromptTokens + out.CompletionTokens
	rec.CostUSD = CostUSD(a.Model, out.PromptTokens, out.CompletionTokens)
	rec.Credits = out.Credits
	rec.Estimated = out.Estimated

	if err := t.store.InsertUsage(ctx, rec); err != nil {
		t.logger.Error("Failed to record usage",
			zap.String("request_id", a.RequestID),
			zap.String("provider", rec.ProviderName),
			zap.Error(err),
		)
	}
	return rec
}

// RecordFailure writes an error row for a failed attempt
func (t *Tracker) RecordFailure(ctx context.Context, a Attempt, cause error) *models.UsageRecord {
	rec := t.record(a)
	msg := cause.Error()
	rec.ErrorMessage = &msg

	if err := t.store.InsertUsage(ctx, rec); err != nil {
		t.logger.Error("Failed to record usage error",
			zap.String("request_id", a.RequestID),
			zap.String("provider", rec.ProviderName),
			zap.Error(err),
		)
	}
	return rec
}
