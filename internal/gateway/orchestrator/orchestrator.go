// Package orchestrator runs one gateway request end to end: limits,
// credits, candidate resolution, sequential failover and billing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// Limiter enforces per-key request and token caps
type Limiter interface {
	CheckAll(ctx context.Context, keyID string, limits models.RateLimitConfig, estimatedTokens int) (*ratelimit.Status, error)
	ConsumeTokens(ctx context.Context, keyID string, tokens int) error
}

// Ledger checks and debits credit balances
type Ledger interface {
	CheckCredits(ctx context.Context, userID string) (*models.UserSubscription, error)
	DeductCredits(ctx context.Context, userID string, credits decimal.Decimal, ref credits.Reference) (*models.UserSubscription, error)
}

// Resolver expands a requested model name into ordered candidates
type Resolver interface {
	Resolve(ctx context.Context, name string) (*resolver.Resolution, error)
}

// Breaker receives the outcome of every upstream attempt
type Breaker interface {
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// RateSource returns a model's credit rate, or nil when it has none
type RateSource interface {
	GetCreditRate(ctx context.Context, modelID string) (*models.ModelCreditRate, error)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Limiter    Limiter
	Ledger     Ledger
	Resolver   Resolver
	Breaker    Breaker
	Rates      RateSource
	Translator *translate.Translator
	Client     providers.Client
	Usage      *usage.Tracker
	Logger     *zap.Logger
}

type Orchestrator struct {
	limiter    Limiter
	ledger     Ledger
	resolver   Resolver
	breaker    Breaker
	rates      RateSource
	translator *translate.Translator
	client     providers.Client
	usage      *usage.Tracker
	logger     *zap.Logger
	now        func() time.Time
}

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		limiter:    d.Limiter,
		ledger:     d.Ledger,
		resolver:   d.Resolver,
		breaker:    d.Breaker,
		rates:      d.Rates,
		translator: d.Translator,
		client:     d.Client,
		usage:      d.Usage,
		logger:     logger,
		now:        time.Now,
	}
}

// Caller identifies who sent a request and through which endpoint
type Caller struct {
	APIKey   *models.APIKey
	Endpoint string
	ClientIP string
}

// Request is one client request in either wire shape. Exactly one of Chat
// or Messages is set.
type Request struct {
	Caller   Caller
	Chat     *providers.ChatRequest
	Messages *providers.MessagesRequest
}

func (r *Request) model() string {
	if r.Chat != nil {
		return r.Chat.Model
	}
	return r.Messages.Model
}

func (r *Request) streaming() bool {
	if r.Chat != nil {
		return r.Chat.Stream
	}
	return r.Messages.Stream
}

// estimatedTokens is the token reservation checked against the daily and
// monthly caps before the call
func (r *Request) estimatedTokens() int {
	var input, output int
	if r.Chat != nil {
		input = translate.CountChatTokens(r.Chat)
		if r.Chat.MaxTokens != nil {
			output = *r.Chat.MaxTokens
		}
	} else {
		input = translate.CountMessagesTokens(r.Messages)
		output = r.Messages.MaxTokens
	}
	return input + output
}

func (r *Request) inputTokens() int {
	if r.Chat != nil {
		return translate.CountChatTokens(r.Chat)
	}
	return translate.CountMessagesTokens(r.Messages)
}

// RateLimitError carries the limiter status of a rejected request so the
// caller can emit rate-limit headers
type RateLimitError struct {
	Status *ratelimit.Status
	Err    error
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// Result is a completed non-streaming request
type Result struct {
	RequestID        string
	Chat             *providers.ChatResponse
	Messages         *providers.MessagesResponse
	Model            *models.ModelConfig
	Provider         *models.ModelProvider
	FailoverUsed     bool
	Credits          decimal.Decimal
	PromptTokens     int
	CompletionTokens int
	RateLimit        *ratelimit.Status
	Latency          time.Duration
}

// attemptResult is the outcome of one candidate
type attemptResult struct {
	chat     *providers.ChatResponse
	messages *providers.MessagesResponse
	stream   providers.Stream
	err      error
}

func (a attemptResult) ok() bool { return a.err == nil }

// admit runs the checks that precede any upstream call
func (o *Orchestrator) admit(ctx context.Context, req *Request) (*ratelimit.Status, error) {
	key := req.Caller.APIKey

	status, err := o.limiter.CheckAll(ctx, key.ID, key.RateLimits, req.estimatedTokens())
	if errors.Is(err, gwerrors.ErrRateLimitExceeded) {
		metrics.RecordRateLimited(status.Exceeded)
		o.logger.Info("Rate limit exceeded",
			zap.String("api_key_id", key.ID),
			zap.String("limit", status.Exceeded),
		)
		return status, &RateLimitError{Status: status, Err: err}
	}
	if err != nil {
		// limits fail open when the counter store is unreachable
		o.logger.Warn("Rate limit check failed", zap.String("api_key_id", key.ID), zap.Error(err))
	}

	if _, err := o.ledger.CheckCredits(ctx, key.UserID); err != nil {
		return status, err
	}
	return status, nil
}

func (o *Orchestrator) attemptFor(requestID string, req *Request, c resolver.Candidate, failover bool, started time.Time) usage.Attempt {
	return usage.Attempt{
		RequestID:      requestID,
		UserID:         req.Caller.APIKey.UserID,
		APIKeyID:       req.Caller.APIKey.ID,
		Endpoint:       req.Caller.Endpoint,
		RequestedModel: req.model(),
		Model:          c.Model,
		Provider:       c.Provider,
		Stream:         req.streaming(),
		FailoverUsed:   failover,
		ClientIP:       req.Caller.ClientIP,
		Started:        started,
	}
}

// invocation translates req for candidate c
func (o *Orchestrator) invocation(c resolver.Candidate, req *Request) (*providers.Invocation, error) {
	if req.Chat != nil {
		return o.translator.ChatInvocation(c, req.Chat)
	}
	return o.translator.MessagesInvocation(c, req.Messages)
}

func (o *Orchestrator) call(ctx context.Context, c resolver.Candidate, req *Request) attemptResult {
	inv, err := o.invocation(c, req)
	if err != nil {
		return attemptResult{err: err}
	}
	if req.Chat != nil {
		resp, err := o.client.Chat(ctx, inv)
		return attemptResult{chat: resp, err: err}
	}
	resp, err := o.client.Messages(ctx, inv)
	return attemptResult{messages: resp, err: err}
}

func (o *Orchestrator) open(ctx context.Context, c resolver.Candidate, req *Request) attemptResult {
	inv, err := o.invocation(c, req)
	if err != nil {
		return attemptResult{err: err}
	}
	var s providers.Stream
	if req.Chat != nil {
		s, err = o.client.ChatStream(ctx, inv)
	} else {
		s, err = o.client.MessagesStream(ctx, inv)
	}
	return attemptResult{stream: s, err: err}
}

// recordFailure books one failed attempt. It reports whether failover
// should continue with the next candidate.
func (o *Orchestrator) recordFailure(ctx context.Context, a usage.Attempt, err error) bool {
	o.usage.RecordFailure(context.WithoutCancel(ctx), a, err)
	metrics.RecordAttempt(a.Provider.Name, a.Model.ModelName, false)
	// a canceled client or a malformed request says nothing about the provider
	if ctx.Err() != nil || errors.Is(err, gwerrors.ErrInvalidRequest) {
		return false
	}
	o.breaker.RecordFailure(a.Provider.Name)
	o.logger.Warn("Provider attempt failed",
		zap.String("request_id", a.RequestID),
		zap.String("provider", a.Provider.Name),
		zap.String("model", a.Model.ModelName),
		zap.Error(err),
	)
	return true
}

func (o *Orchestrator) rate(ctx context.Context, modelID string) *models.ModelCreditRate {
	rate, err := o.rates.GetCreditRate(ctx, modelID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		o.logger.Warn("Failed to load credit rate", zap.String("model_id", modelID), zap.Error(err))
	}
	return rate
}

// bill charges the user for a successful attempt and writes the usage row.
// A failed debit is logged; the response has already been produced.
func (o *Orchestrator) bill(ctx context.Context, a usage.Attempt, rate *models.ModelCreditRate, out usage.Outcome) decimal.Decimal {
	amount := credits.CalculateCredits(out.PromptTokens, out.CompletionTokens, rate)
	if amount.IsPositive() {
		ref := credits.Reference{
			ID:          a.RequestID,
			Type:        "llm_usage",
			Description: fmt.Sprintf("%s via %s", a.Model.ModelName, a.Provider.Name),
			ExtraData: map[string]interface{}{
				"model":         a.Model.ModelName,
				"provider":      a.Provider.Name,
				"input_tokens":  out.PromptTokens,
				"output_tokens": out.CompletionTokens,
				"estimated":     out.Estimated,
			},
		}
		if _, err := o.ledger.DeductCredits(ctx, a.UserID, amount, ref); err != nil {
			o.logger.Error("Failed to deduct credits",
				zap.String("request_id", a.RequestID),
				zap.String("user_id", a.UserID),
				zap.String("credits", amount.String()),
				zap.Error(err),
			)
			amount = decimal.Zero
		} else {
			f, _ := amount.Float64()
			metrics.RecordCredits(a.Model.ModelName, f, out.Estimated)
		}
	}
	out.Credits = amount
	o.usage.RecordSuccess(ctx, a, out)

	if err := o.limiter.ConsumeTokens(ctx, a.APIKeyID, out.PromptTokens+out.CompletionTokens); err != nil {
		o.logger.Warn("Failed to consume rate-limit tokens", zap.String("api_key_id", a.APIKeyID), zap.Error(err))
	}
	return amount
}

// Complete serves a non-streaming request
func (o *Orchestrator) Complete(ctx context.Context, req *Request) (*Result, error) {
	started := o.now()
	res := &Result{RequestID: usage.NewRequestID()}

	status, err := o.admit(ctx, req)
	res.RateLimit = status
	if err != nil {
		return res, err
	}

	resolution, err := o.resolver.Resolve(ctx, req.model())
	if err != nil {
		return res, err
	}

	var lastErr error
	for i, c := range resolution.Candidates {
		failover := i > 0 || resolution.Fallback
		if i > 0 {
			metrics.RecordFailover()
		}
		attempt := o.attemptFor(res.RequestID, req, c, failover, o.now())

		r := o.call(ctx, c, req)
		if !r.ok() {
			lastErr = r.err
			if !o.recordFailure(ctx, attempt, r.err) {
				return res, r.err
			}
			continue
		}

		o.breaker.RecordSuccess(c.Provider.Name)
		metrics.RecordAttempt(c.Provider.Name, c.Model.ModelName, true)

		out := usage.Outcome{}
		if r.chat != nil {
			out.PromptTokens = r.chat.Usage.PromptTokens
			out.CompletionTokens = r.chat.Usage.CompletionTokens
		} else {
			out.PromptTokens = r.messages.Usage.InputTokens
			out.CompletionTokens = r.messages.Usage.OutputTokens
			r.messages.Model = req.model()
		}

		// the upstream call is spent, so billing outlives a client disconnect
		billCtx := context.WithoutCancel(ctx)
		res.Credits = o.bill(billCtx, attempt, o.rate(billCtx, c.Model.ID), out)
		res.Chat = r.chat
		res.Messages = r.messages
		res.Model = c.Model
		res.Provider = c.Provider
		res.FailoverUsed = failover
		res.PromptTokens = out.PromptTokens
		res.CompletionTokens = out.CompletionTokens
		res.Latency = o.now().Sub(started)
		return res, nil
	}

	return res, fmt.Errorf("%w: %s: %w", gwerrors.ErrAllProvidersFailed, req.model(), lastErr)
}
