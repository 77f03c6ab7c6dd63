package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
)

// openAICompatibleBaseURLs are the default endpoints of providers that
// speak the OpenAI chat completions protocol
var openAICompatibleBaseURLs = map[string]string{
	"openai":      "https://api.openai.com/v1",
	"deepseek":    "https://api.deepseek.com/v1",
	"mistral":     "https://api.mistral.ai/v1",
	"cohere":      "https://api.cohere.ai/compatibility/v1",
	"groq":        "https://api.groq.com/openai/v1",
	"together_ai": "https://api.together.xyz/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"moonshot":    "https://api.moonshot.cn/v1",
}

// OpenAIProvider handles OpenAI-compatible chat completion APIs
type OpenAIProvider struct {
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{httpClient: httpClient}
}

func (p *OpenAIProvider) client(inv *Invocation) *openai.Client {
	providerType := providerTypeOf(inv)
	var cfg openai.ClientConfig
	if providerType == "azure" {
		cfg = openai.DefaultAzureConfig(inv.APIKey, inv.BaseURL)
	} else {
		cfg = openai.DefaultConfig(inv.APIKey)
		switch {
		case inv.BaseURL != "":
			cfg.BaseURL = strings.TrimSuffix(inv.BaseURL, "/")
		case openAICompatibleBaseURLs[providerType] != "":
			cfg.BaseURL = openAICompatibleBaseURLs[providerType]
		}
	}
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

func buildOpenAIRequest(model string, req *ChatRequest) openai.ChatCompletionRequest {
	r := openai.ChatCompletionRequest{
		Model:          model,
		Messages:       req.Messages,
		Stop:           req.Stop,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
		Seed:           req.Seed,
		User:           req.User,
	}
	if req.Temperature != nil {
		r.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		r.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		r.TopP = *req.TopP
	}
	if req.PresencePenalty != nil {
		r.PresencePenalty = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		r.FrequencyPenalty = *req.FrequencyPenalty
	}
	if len(req.ToolChoice) > 0 {
		r.ToolChoice = req.ToolChoice
	}
	return r
}

// Chat makes a chat completion request
func (p *OpenAIProvider) Chat(ctx context.Context, inv *Invocation, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.client(inv).CreateChatCompletion(ctx, buildOpenAIRequest(inv.Model, req))
	if err != nil {
		return nil, openAIError(inv.ProviderName, err)
	}

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}, nil
}

// ChatStream creates a streaming chat completion request. Usage reporting
// is requested so the final chunk carries exact token counts.
func (p *OpenAIProvider) ChatStream(ctx context.Context, inv *Invocation, req *ChatRequest) (Stream, error) {
	r := buildOpenAIRequest(inv.Model, req)
	r.Stream = true
	r.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client(inv).CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, openAIError(inv.ProviderName, err)
	}
	return &OpenAIStreamReader{stream: stream, provider: inv.ProviderName}, nil
}

// OpenAIStreamReader wraps OpenAI's stream
type OpenAIStreamReader struct {
	stream   *openai.ChatCompletionStream
	provider string
}

// Recv reads the next chunk
func (r *OpenAIStreamReader) Recv() (Chunk, error) {
	resp, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return Chunk{}, err
		}
		return Chunk{}, openAIError(r.provider, err)
	}
	return Chunk{Kind: ChunkDelta, Delta: &resp}, nil
}

// Close closes the stream
func (r *OpenAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}

func openAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &gwerrors.UpstreamError{Provider: provider, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &gwerrors.UpstreamError{Provider: provider, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return &gwerrors.UpstreamError{Provider: provider, Message: err.Error()}
}
