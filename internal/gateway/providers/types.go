package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest represents an OpenAI-compatible chat completion request
type ChatRequest struct {
	Model            string                               `json:"model"`
	Messages         []openai.ChatCompletionMessage       `json:"messages"`
	Temperature      *float32                             `json:"temperature,omitempty"`
	MaxTokens        *int                                 `json:"max_tokens,omitempty"`
	TopP             *float32                             `json:"top_p,omitempty"`
	Stream           bool                                 `json:"stream,omitempty"`
	Stop             StopSequences                        `json:"stop,omitempty"`
	PresencePenalty  *float32                             `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32                             `json:"frequency_penalty,omitempty"`
	Tools            []openai.Tool                        `json:"tools,omitempty"`
	ToolChoice       json.RawMessage                      `json:"tool_choice,omitempty"`
	ResponseFormat   *openai.ChatCompletionResponseFormat `json:"response_format,omitempty"`
	Seed             *int                                 `json:"seed,omitempty"`
	User             string                               `json:"user,omitempty"`
}

// StopSequences accepts either a single string or an array of strings
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`
}

// Text concatenates the assistant content of every choice
func (r *ChatResponse) Text() string {
	var out string
	for _, c := range r.Choices {
		out += c.Message.Content
	}
	return out
}

// MessagesRequest represents an Anthropic messages request. Message content
// and the system prompt are kept as raw JSON so blocks pass through verbatim.
type MessagesRequest struct {
	Model         string            `json:"model"`
	Messages      []MessagesMessage `json:"messages"`
	System        json.RawMessage   `json:"system,omitempty"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   *float32          `json:"temperature,omitempty"`
	TopP          *float32          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         json.RawMessage   `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
}

// MessagesMessage is one turn of an Anthropic conversation
type MessagesMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MessagesResponse represents a non-streaming Anthropic messages response
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        MessagesUsage  `json:"usage"`
}

// MessagesUsage is Anthropic token usage
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text concatenates the text blocks of the response
func (r *MessagesResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// MessagesEvent is one structured server-sent event of a messages stream
type MessagesEvent struct {
	Type string
	Data json.RawMessage
}

// ChunkKind tags the variant carried by a Chunk
type ChunkKind int

const (
	// ChunkBytes is raw upstream SSE bytes relayed as-is
	ChunkBytes ChunkKind = iota
	// ChunkDelta is an OpenAI-shaped streaming delta
	ChunkDelta
	// ChunkEvent is a structured Anthropic-shaped event
	ChunkEvent
)

// Chunk is one unit pulled from an upstream stream
type Chunk struct {
	Kind  ChunkKind
	Raw   []byte
	Delta *openai.ChatCompletionStreamResponse
	Event *MessagesEvent
}

// Stream is a pull-based upstream stream. Recv returns io.EOF at the end.
// Close releases the upstream connection and is safe to call twice.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Invocation is a fully built upstream call. Exactly one of Chat or
// Messages is set.
type Invocation struct {
	ProviderName string
	ProviderType string
	BaseURL      string
	APIKey       string
	Model        string

	Chat     *ChatRequest
	Messages *MessagesRequest
}

// Client calls upstream providers in either wire shape
type Client interface {
	Chat(ctx context.Context, inv *Invocation) (*ChatResponse, error)
	ChatStream(ctx context.Context, inv *Invocation) (Stream, error)
	Messages(ctx context.Context, inv *Invocation) (*MessagesResponse, error)
	MessagesStream(ctx context.Context, inv *Invocation) (Stream, error)
}
