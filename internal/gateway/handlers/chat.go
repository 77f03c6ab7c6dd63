package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/translate"
)

// defaultMaxTokens applies to messages requests that omit max_tokens
const defaultMaxTokens = 4096

// Gateway runs requests through limits, failover and billing. Complete and
// PrepareStream return a non-nil value carrying the request id and limiter
// status even when they fail.
type Gateway interface {
	Complete(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
	PrepareStream(ctx context.Context, req *orchestrator.Request) (*orchestrator.StreamContext, error)
	Stream(ctx context.Context, w http.ResponseWriter, sc *orchestrator.StreamContext) orchestrator.StreamOutcome
}

type ChatHandler struct {
	gateway Gateway
	logger  *zap.Logger
}

func NewChatHandler(gateway Gateway, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		gateway: gateway,
		logger:  logger,
	}
}

func (h *ChatHandler) caller(r *http.Request) (orchestrator.Caller, bool) {
	apiKey, ok := APIKeyFromContext(r.Context())
	if !ok {
		return orchestrator.Caller{}, false
	}
	return orchestrator.Caller{APIKey: apiKey, Endpoint: r.URL.Path, ClientIP: ClientIP(r)}, true
}

func setRateLimitHeaders(w http.ResponseWriter, st *ratelimit.Status) {
	if st == nil {
		return
	}
	for k, v := range st.Headers() {
		w.Header().Set(k, v)
	}
}

func setResultHeaders(w http.ResponseWriter, res *orchestrator.Result) {
	w.Header().Set("X-Provider", res.Provider.Name)
	w.Header().Set("X-Credits-Used", res.Credits.StringFixed(2))
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", res.Latency.Milliseconds()))
	if res.FailoverUsed {
		w.Header().Set("X-Failover", "true")
	}
}

// failed writes a pre-stream error, with rate-limit headers on 429
func (h *ChatHandler) failed(w http.ResponseWriter, shape errorShape, requestID string, st *ratelimit.Status, err error) {
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	var rlErr *orchestrator.RateLimitError
	if errors.As(err, &rlErr) {
		st = rlErr.Status
	}
	setRateLimitHeaders(w, st)

	status := gwerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	writeError(w, shape, err)
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(r)
	if !ok {
		writeErrorMessage(w, openAIShape, http.StatusUnauthorized, "authentication_error", "unauthorized")
		return
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, openAIShape, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeErrorMessage(w, openAIShape, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	oreq := &orchestrator.Request{Caller: caller, Chat: &req}
	if req.Stream {
		h.stream(w, r, openAIShape, oreq)
		return
	}

	res, err := h.gateway.Complete(r.Context(), oreq)
	if err != nil {
		h.failed(w, openAIShape, res.RequestID, res.RateLimit, err)
		return
	}

	w.Header().Set("X-Request-ID", res.RequestID)
	setRateLimitHeaders(w, res.RateLimit)
	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Chat)
}

// HandleMessages handles POST /v1/messages
func (h *ChatHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(r)
	if !ok {
		writeErrorMessage(w, anthropicShape, http.StatusUnauthorized, "authentication_error", "unauthorized")
		return
	}

	var req providers.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, anthropicShape, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeErrorMessage(w, anthropicShape, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	oreq := &orchestrator.Request{Caller: caller, Messages: &req}
	if req.Stream {
		h.stream(w, r, anthropicShape, oreq)
		return
	}

	res, err := h.gateway.Complete(r.Context(), oreq)
	if err != nil {
		h.failed(w, anthropicShape, res.RequestID, res.RateLimit, err)
		return
	}

	w.Header().Set("X-Request-ID", res.RequestID)
	setRateLimitHeaders(w, res.RateLimit)
	setResultHeaders(w, res)
	writeJSON(w, http.StatusOK, res.Messages)
}

// stream serves a streaming request. Failures before the first byte are
// plain JSON errors; after that they arrive as a terminal stream event.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, shape errorShape, req *orchestrator.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeErrorMessage(w, shape, http.StatusInternalServerError, "gateway_error", "streaming not supported")
		return
	}

	sc, err := h.gateway.PrepareStream(r.Context(), req)
	if err != nil {
		h.failed(w, shape, sc.RequestID, sc.RateLimit, err)
		return
	}

	w.Header().Set("X-Request-ID", sc.RequestID)
	setRateLimitHeaders(w, sc.RateLimit)

	out := h.gateway.Stream(r.Context(), w, sc)
	fields := []zap.Field{
		zap.String("request_id", sc.RequestID),
		zap.Int("chunks", out.Relay.Chunks),
		zap.Duration("duration", time.Since(sc.Started)),
	}
	if out.Provider != nil {
		fields = append(fields,
			zap.String("provider", out.Provider.Name),
			zap.Bool("failover", out.FailoverUsed),
			zap.String("credits", out.Credits.StringFixed(2)),
			zap.Bool("estimated", out.Estimated),
		)
	}
	if out.Err != nil {
		h.logger.Warn("Stream could not be opened", append(fields, zap.Error(out.Err))...)
		return
	}
	h.logger.Info("Stream finished", fields...)
}

// HandleCountTokens handles POST /v1/messages/count_tokens
func (h *ChatHandler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req providers.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, anthropicShape, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": translate.CountMessagesTokens(&req)})
}

// HandleEventLogging handles POST /api/event_logging/batch. Client
// telemetry is accepted and dropped.
func (h *ChatHandler) HandleEventLogging(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
