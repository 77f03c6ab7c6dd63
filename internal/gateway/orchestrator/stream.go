package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// StreamContext is everything a streaming request needs, gathered before
// the first byte is sent. It is not modified once prepared.
type StreamContext struct {
	RequestID   string
	Request     *Request
	Candidates  []resolver.Candidate
	Fallback    bool
	Rates       map[string]*models.ModelCreditRate
	InputTokens int
	RateLimit   *ratelimit.Status
	Started     time.Time
}

func (sc *StreamContext) format() relay.Format {
	if sc.Request.Chat != nil {
		return relay.FormatChat
	}
	return relay.FormatMessages
}

// StreamOutcome summarizes a finished stream
type StreamOutcome struct {
	Model            *models.ModelConfig
	Provider         *models.ModelProvider
	FailoverUsed     bool
	Credits          decimal.Decimal
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
	Relay            relay.Result
	// Err is set when no candidate could be opened
	Err error
}

// PrepareStream runs admission and resolution and loads the credit rates of
// every candidate. Errors returned here happen before any output and can be
// reported as a plain HTTP error.
func (o *Orchestrator) PrepareStream(ctx context.Context, req *Request) (*StreamContext, error) {
	sc := &StreamContext{
		RequestID:   usage.NewRequestID(),
		Request:     req,
		InputTokens: req.inputTokens(),
		Started:     o.now(),
	}

	status, err := o.admit(ctx, req)
	sc.RateLimit = status
	if err != nil {
		return sc, err
	}

	resolution, err := o.resolver.Resolve(ctx, req.model())
	if err != nil {
		return sc, err
	}
	sc.Candidates = resolution.Candidates
	sc.Fallback = resolution.Fallback

	sc.Rates = make(map[string]*models.ModelCreditRate, len(sc.Candidates))
	for _, c := range sc.Candidates {
		if _, ok := sc.Rates[c.Model.ID]; !ok {
			sc.Rates[c.Model.ID] = o.rate(ctx, c.Model.ID)
		}
	}
	return sc, nil
}

// Stream opens the first healthy candidate and relays it to w. Only a
// failure to open a stream moves on to the next candidate; once bytes flow
// the request is bound to that provider. Billing runs after the relay ends,
// detached from ctx so a client disconnect still pays for what was sent.
func (o *Orchestrator) Stream(ctx context.Context, w http.ResponseWriter, sc *StreamContext) StreamOutcome {
	req := sc.Request
	relay.SetHeaders(w)

	var lastErr error
	for i, c := range sc.Candidates {
		failover := i > 0 || sc.Fallback
		if i > 0 {
			metrics.RecordFailover()
		}
		attempt := o.attemptFor(sc.RequestID, req, c, failover, o.now())

		r := o.open(ctx, c, req)
		if !r.ok() {
			lastErr = r.err
			if !o.recordFailure(ctx, attempt, r.err) {
				break
			}
			continue
		}

		opts := relay.Options{Format: sc.format()}
		if req.Chat != nil {
			opts.ID = "chatcmpl-" + sc.RequestID
		}
		result := relay.Relay(ctx, w, r.stream, opts, o.logger)
		return o.finishStream(ctx, sc, attempt, c, result)
	}

	err := fmt.Errorf("%w: %s: %w", gwerrors.ErrAllProvidersFailed, req.model(), lastErr)
	if ctx.Err() == nil {
		o.writeStreamError(w, sc.format(), err)
	}
	metrics.RecordStream("failed")
	return StreamOutcome{Err: err}
}

func (o *Orchestrator) writeStreamError(w http.ResponseWriter, format relay.Format, err error) {
	fmt.Fprint(w, relay.ErrorEvent(format, err.Error()))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (o *Orchestrator) finishStream(ctx context.Context, sc *StreamContext, a usage.Attempt, c resolver.Candidate, result relay.Result) StreamOutcome {
	billCtx := context.WithoutCancel(ctx)
	out := StreamOutcome{
		Model:        c.Model,
		Provider:     c.Provider,
		FailoverUsed: a.FailoverUsed,
		Relay:        result,
	}

	switch {
	case result.Err != nil && !errors.Is(result.Err, context.Canceled):
		o.breaker.RecordFailure(c.Provider.Name)
		o.usage.RecordFailure(billCtx, a, result.Err)
		metrics.RecordAttempt(c.Provider.Name, c.Model.ModelName, false)
		metrics.RecordStream("error")
		o.logger.Warn("Stream failed mid-flight",
			zap.String("request_id", sc.RequestID),
			zap.String("provider", c.Provider.Name),
			zap.Int("chunks", result.Chunks),
			zap.Error(result.Err),
		)
		if result.Text == "" {
			return out
		}
	case result.Canceled:
		metrics.RecordStream("canceled")
		o.logger.Info("Client disconnected during stream",
			zap.String("request_id", sc.RequestID),
			zap.String("provider", c.Provider.Name),
		)
	default:
		o.breaker.RecordSuccess(c.Provider.Name)
		metrics.RecordAttempt(c.Provider.Name, c.Model.ModelName, true)
		metrics.RecordStream("completed")
	}

	usageOut := usage.Outcome{
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
	}
	if usageOut.PromptTokens == 0 {
		usageOut.PromptTokens = sc.InputTokens
	}
	if !result.Usage.Reported {
		usageOut.CompletionTokens = translate.EstimateTokens(result.Text)
		usageOut.Estimated = true
	}

	out.Credits = o.bill(billCtx, a, sc.Rates[c.Model.ID], usageOut)
	out.PromptTokens = usageOut.PromptTokens
	out.CompletionTokens = usageOut.CompletionTokens
	out.Estimated = usageOut.Estimated
	return out
}
