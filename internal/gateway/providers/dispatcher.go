package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/secrets"
)

// Backends a provider type can be routed to
const (
	BackendChat     = "chat"
	BackendMessages = "messages"
	BackendGemini   = "gemini"
)

// messagesProviderTypes speak the Anthropic Messages API natively
var messagesProviderTypes = map[string]bool{
	"anthropic": true,
	"bedrock":   true,
	"vertex_ai": true,
}

// knownProviderTypes may appear as a "type/" prefix on upstream model names
var knownProviderTypes = map[string]bool{
	"openai":      true,
	"azure":       true,
	"anthropic":   true,
	"bedrock":     true,
	"vertex_ai":   true,
	"gemini":      true,
	"google":      true,
	"deepseek":    true,
	"mistral":     true,
	"cohere":      true,
	"groq":        true,
	"together_ai": true,
	"openrouter":  true,
	"moonshot":    true,
}

// Dispatcher routes invocations to the backend that speaks the provider's
// protocol and converts between request shapes when they differ
type Dispatcher struct {
	openai    *OpenAIProvider
	anthropic *AnthropicProvider
	gemini    *GeminiProvider
	logger    *zap.Logger
	debug     bool
}

// NewHTTPClient builds the upstream client. The timeout bounds the wait for
// response headers only; a stream body may run for as long as the model
// keeps generating.
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// NewDispatcher creates a dispatcher sharing one HTTP client across backends
func NewDispatcher(httpClient *http.Client, logger *zap.Logger, debug bool) *Dispatcher {
	return &Dispatcher{
		openai:    NewOpenAIProvider(httpClient),
		anthropic: NewAnthropicProvider(httpClient),
		gemini:    NewGeminiProvider(httpClient),
		logger:    logger,
		debug:     debug,
	}
}

// providerTypeOf resolves the provider type from the model prefix, then the
// configured type, then the model name itself
func providerTypeOf(inv *Invocation) string {
	if prefix, _, ok := strings.Cut(inv.Model, "/"); ok && knownProviderTypes[prefix] {
		return prefix
	}
	if inv.ProviderType != "" {
		return strings.ToLower(inv.ProviderType)
	}
	return detectProvider(inv.Model)
}

// detectProvider determines which provider a bare model name belongs to
func detectProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "gemini"
	default:
		return "openai"
	}
}

// Backend reports which protocol an invocation will be sent with
func Backend(inv *Invocation) string {
	switch t := providerTypeOf(inv); {
	case messagesProviderTypes[t]:
		return BackendMessages
	case t == "gemini", t == "google":
		return BackendGemini
	default:
		return BackendChat
	}
}

// route returns the backend and a copy of the invocation with any known
// provider prefix stripped from the model
func (d *Dispatcher) route(inv *Invocation) (string, *Invocation) {
	backend := Backend(inv)
	routed := *inv
	routed.ProviderType = providerTypeOf(inv)
	if prefix, rest, ok := strings.Cut(inv.Model, "/"); ok && knownProviderTypes[prefix] {
		routed.Model = rest
	}
	return backend, &routed
}

func (d *Dispatcher) logUpstream(backend string, inv *Invocation, stream bool) {
	if !d.debug {
		return
	}
	fields := []zap.Field{
		zap.String("provider", inv.ProviderName),
		zap.String("provider_type", inv.ProviderType),
		zap.String("backend", backend),
		zap.String("model", inv.Model),
		zap.String("base_url", inv.BaseURL),
		zap.String("api_key", secrets.Mask(inv.APIKey)),
		zap.Bool("stream", stream),
	}
	switch {
	case inv.Chat != nil:
		for i, m := range inv.Chat.Messages {
			fields = append(fields, zap.String(fmt.Sprintf("message_%d_%s", i, m.Role), truncate(messageText(m), 200)))
		}
	case inv.Messages != nil:
		for i, m := range inv.Messages.Messages {
			fields = append(fields, zap.String(fmt.Sprintf("message_%d_%s", i, m.Role), truncate(ContentText(m.Content), 200)))
		}
	}
	d.logger.Debug("Upstream request", fields...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (d *Dispatcher) chatRequest(inv *Invocation) (*ChatRequest, error) {
	if inv.Chat != nil {
		return inv.Chat, nil
	}
	if inv.Messages == nil {
		return nil, fmt.Errorf("%w: empty invocation", gwerrors.ErrInvalidRequest)
	}
	req, err := MessagesToChat(inv.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrInvalidRequest, err)
	}
	return req, nil
}

func (d *Dispatcher) messagesRequest(inv *Invocation) (*MessagesRequest, error) {
	if inv.Messages != nil {
		return inv.Messages, nil
	}
	if inv.Chat == nil {
		return nil, fmt.Errorf("%w: empty invocation", gwerrors.ErrInvalidRequest)
	}
	req, err := ChatToMessages(inv.Chat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrInvalidRequest, err)
	}
	return req, nil
}

func (d *Dispatcher) chat(ctx context.Context, backend string, inv *Invocation) (*ChatResponse, error) {
	if backend == BackendMessages {
		req, err := d.messagesRequest(inv)
		if err != nil {
			return nil, err
		}
		resp, err := d.anthropic.Messages(ctx, inv, req)
		if err != nil {
			return nil, err
		}
		return MessagesResponseToChat(resp), nil
	}

	req, err := d.chatRequest(inv)
	if err != nil {
		return nil, err
	}
	if backend == BackendGemini {
		return d.gemini.Chat(ctx, inv, req)
	}
	return d.openai.Chat(ctx, inv, req)
}

func (d *Dispatcher) chatStream(ctx context.Context, backend string, inv *Invocation) (Stream, error) {
	if backend == BackendMessages {
		req, err := d.messagesRequest(inv)
		if err != nil {
			return nil, err
		}
		s, err := d.anthropic.MessagesStream(ctx, inv, req, false)
		if err != nil {
			return nil, err
		}
		return newMessagesToChatStream(s, inv.Model), nil
	}

	req, err := d.chatRequest(inv)
	if err != nil {
		return nil, err
	}
	if backend == BackendGemini {
		return d.gemini.ChatStream(ctx, inv, req)
	}
	return d.openai.ChatStream(ctx, inv, req)
}

// Chat performs a non-streaming call and returns the OpenAI shape
func (d *Dispatcher) Chat(ctx context.Context, inv *Invocation) (*ChatResponse, error) {
	backend, routed := d.route(inv)
	d.logUpstream(backend, routed, false)
	return d.chat(ctx, backend, routed)
}

// ChatStream opens a stream of OpenAI-shaped deltas
func (d *Dispatcher) ChatStream(ctx context.Context, inv *Invocation) (Stream, error) {
	backend, routed := d.route(inv)
	d.logUpstream(backend, routed, true)
	return d.chatStream(ctx, backend, routed)
}

// Messages performs a non-streaming call and returns the Anthropic shape
func (d *Dispatcher) Messages(ctx context.Context, inv *Invocation) (*MessagesResponse, error) {
	backend, routed := d.route(inv)
	d.logUpstream(backend, routed, false)

	if backend == BackendMessages {
		req, err := d.messagesRequest(routed)
		if err != nil {
			return nil, err
		}
		return d.anthropic.Messages(ctx, routed, req)
	}

	resp, err := d.chat(ctx, backend, routed)
	if err != nil {
		return nil, err
	}
	return ChatResponseToMessages(resp), nil
}

// MessagesStream opens a stream in the Anthropic shape. Native backends are
// relayed as raw bytes; others are converted event by event.
func (d *Dispatcher) MessagesStream(ctx context.Context, inv *Invocation) (Stream, error) {
	backend, routed := d.route(inv)
	d.logUpstream(backend, routed, true)

	if backend == BackendMessages {
		req, err := d.messagesRequest(routed)
		if err != nil {
			return nil, err
		}
		return d.anthropic.MessagesStream(ctx, routed, req, true)
	}

	s, err := d.chatStream(ctx, backend, routed)
	if err != nil {
		return nil, err
	}
	return newChatToMessagesStream(s, routed.Model), nil
}
