package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(httpClient *http.Client) *GeminiProvider {
	return &GeminiProvider{httpClient: httpClient}
}

func (p *GeminiProvider) post(ctx context.Context, inv *Invocation, action string, req *ChatRequest) (*http.Response, error) {
	base := inv.BaseURL
	if base == "" {
		base = geminiBaseURL
	}
	url := fmt.Sprintf("%s/models/%s:%s", strings.TrimSuffix(base, "/"), inv.Model, action)

	reqBody, err := json.Marshal(convertGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", inv.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gwerrors.UpstreamError{Provider: inv.ProviderName, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &gwerrors.UpstreamError{Provider: inv.ProviderName, StatusCode: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

// Chat makes a chat completion request to Gemini
func (p *GeminiProvider) Chat(ctx context.Context, inv *Invocation, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, inv, "generateContent", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp GeminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, &gwerrors.UpstreamError{Provider: inv.ProviderName, Message: fmt.Sprintf("failed to parse response: %v", err)}
	}
	return convertGeminiResponse(geminiResp, inv.Model), nil
}

// ChatStream makes a streaming request
func (p *GeminiProvider) ChatStream(ctx context.Context, inv *Invocation, req *ChatRequest) (Stream, error) {
	resp, err := p.post(ctx, inv, "streamGenerateContent?alt=sse", req)
	if err != nil {
		return nil, err
	}
	return &GeminiStreamReader{
		reader:  bufio.NewReader(resp.Body),
		body:    resp.Body,
		model:   inv.Model,
		id:      fmt.Sprintf("gemini-stream-%d", time.Now().UnixNano()),
		created: time.Now().Unix(),
	}, nil
}

// GeminiStreamReader wraps the HTTP response for streaming
type GeminiStreamReader struct {
	reader  *bufio.Reader
	body    io.ReadCloser
	model   string
	id      string
	created int64
}

// Recv reads the next streaming chunk
func (r *GeminiStreamReader) Recv() (Chunk, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && line == "" {
			return Chunk{}, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			if err != nil {
				return Chunk{}, err
			}
			continue
		}

		var geminiResp GeminiResponse
		if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &geminiResp); jsonErr != nil {
			continue
		}
		chunk := r.convertChunk(geminiResp)
		return Chunk{Kind: ChunkDelta, Delta: &chunk}, nil
	}
}

// Close closes the stream
func (r *GeminiStreamReader) Close() error {
	return r.body.Close()
}

func (r *GeminiStreamReader) convertChunk(resp GeminiResponse) openai.ChatCompletionStreamResponse {
	chunk := openai.ChatCompletionStreamResponse{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{},
	}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		choice := openai.ChatCompletionStreamChoice{Index: candidate.Index}
		if candidate.Content.Role != "" {
			choice.Delta.Role = openai.ChatMessageRoleAssistant
		}
		choice.Delta.Content = geminiText(candidate.Content)
		if candidate.FinishReason != "" {
			choice.FinishReason = geminiFinishReason(candidate.FinishReason)
		}
		chunk.Choices = []openai.ChatCompletionStreamChoice{choice}
	}

	if resp.UsageMetadata.TotalTokenCount > 0 {
		chunk.Usage = &openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk
}

func convertGeminiRequest(req *ChatRequest) GeminiRequest {
	geminiReq := GeminiRequest{Contents: make([]GeminiContent, 0, len(req.Messages))}

	var system []GeminiPart
	for _, msg := range req.Messages {
		text := messageText(msg)
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			system = append(system, GeminiPart{Text: text})
			continue
		case openai.ChatMessageRoleAssistant:
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{Role: "model", Parts: []GeminiPart{{Text: text}}})
		default:
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{Role: "user", Parts: []GeminiPart{{Text: text}}})
		}
	}
	if len(system) > 0 {
		geminiReq.SystemInstruction = &GeminiContent{Parts: system}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		geminiReq.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return geminiReq
}

func convertGeminiResponse(resp GeminiResponse, model string) *ChatResponse {
	var content string
	finish := openai.FinishReasonStop
	if len(resp.Candidates) > 0 {
		content = geminiText(resp.Candidates[0].Content)
		if resp.Candidates[0].FinishReason != "" {
			finish = geminiFinishReason(resp.Candidates[0].FinishReason)
		}
	}

	return &ChatResponse{
		ID:      fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: finish,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
}

func geminiText(c GeminiContent) string {
	var out string
	for _, part := range c.Parts {
		out += part.Text
	}
	return out
}

func geminiFinishReason(reason string) openai.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}
