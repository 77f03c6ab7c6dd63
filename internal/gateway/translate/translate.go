// Package translate builds provider invocations from client requests.
package translate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/resolver"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/secrets"
)

// nameDetectedTypes are routed by model name alone and need no prefix when
// they use the vendor's default endpoint
var nameDetectedTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"cohere":    true,
	"mistral":   true,
}

// Decrypter recovers provider API keys stored encrypted at rest
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Translator turns a resolved candidate plus a client request into an
// upstream invocation
type Translator struct {
	decrypter Decrypter
	logger    *zap.Logger
}

func New(decrypter Decrypter, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{decrypter: decrypter, logger: logger}
}

// BuildModelName returns the model identifier sent upstream
func BuildModelName(model *models.ModelConfig, provider *models.ModelProvider) string {
	providerType := strings.ToLower(provider.ProviderType)
	if nameDetectedTypes[providerType] && provider.APIBaseURL == "" {
		return model.ModelName
	}
	if strings.HasPrefix(model.ModelName, providerType+"/") {
		return model.ModelName
	}
	return providerType + "/" + model.ModelName
}

func (t *Translator) invocation(c resolver.Candidate) (*providers.Invocation, error) {
	apiKey := ""
	if c.Provider.APIKeyEncrypted != "" {
		key, err := t.decrypter.Decrypt(c.Provider.APIKeyEncrypted)
		if err != nil {
			t.logger.Error("Failed to decrypt provider credentials",
				zap.String("provider", c.Provider.Name),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: credentials for %s could not be decrypted", gwerrors.ErrProviderUnavailable, c.Provider.Name)
		}
		apiKey = key
	}

	inv := &providers.Invocation{
		ProviderName: c.Provider.Name,
		ProviderType: c.Provider.ProviderType,
		BaseURL:      c.Provider.APIBaseURL,
		APIKey:       apiKey,
		Model:        BuildModelName(c.Model, c.Provider),
	}
	t.logger.Debug("Built upstream invocation",
		zap.String("provider", inv.ProviderName),
		zap.String("model", inv.Model),
		zap.String("api_key", secrets.Mask(apiKey)),
	)
	return inv, nil
}

// capMaxTokens clamps a requested max_tokens to the model ceiling
func capMaxTokens(requested, ceiling int) int {
	if ceiling > 0 && requested > ceiling {
		return ceiling
	}
	return requested
}

// ChatInvocation builds an invocation for an OpenAI-shaped request
func (t *Translator) ChatInvocation(c resolver.Candidate, req *providers.ChatRequest) (*providers.Invocation, error) {
	inv, err := t.invocation(c)
	if err != nil {
		return nil, err
	}

	r := *req
	r.Model = inv.Model
	if r.MaxTokens != nil {
		capped := capMaxTokens(*r.MaxTokens, c.Model.MaxTokens)
		r.MaxTokens = &capped
	}
	if !c.Model.SupportsTools {
		r.Tools = nil
		r.ToolChoice = nil
	}
	inv.Chat = &r
	return inv, nil
}

// MessagesInvocation builds an invocation for an Anthropic-shaped request.
// Content blocks are forwarded untouched.
func (t *Translator) MessagesInvocation(c resolver.Candidate, req *providers.MessagesRequest) (*providers.Invocation, error) {
	inv, err := t.invocation(c)
	if err != nil {
		return nil, err
	}

	r := *req
	r.Model = inv.Model
	r.MaxTokens = capMaxTokens(r.MaxTokens, c.Model.MaxTokens)
	if !c.Model.SupportsTools {
		r.Tools = nil
		r.ToolChoice = nil
	}
	inv.Messages = &r
	return inv, nil
}

// EstimateTokens approximates a token count from text length
func EstimateTokens(text string) int {
	return len(text) / 4
}

// CountChatTokens estimates the input tokens of an OpenAI-shaped request
func CountChatTokens(req *providers.ChatRequest) int {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
		for _, part := range m.MultiContent {
			sb.WriteString(part.Text)
		}
	}
	return EstimateTokens(sb.String())
}

// CountMessagesTokens estimates the input tokens of an Anthropic-shaped
// request from its system prompt and text blocks
func CountMessagesTokens(req *providers.MessagesRequest) int {
	var sb strings.Builder
	sb.WriteString(providers.ContentText(req.System))
	for _, m := range req.Messages {
		sb.WriteString(providers.ContentText(m.Content))
	}
	return EstimateTokens(sb.String())
}
