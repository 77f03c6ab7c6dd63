package gatewaytest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
)

// Stream replays a fixed list of chunks, then returns Err (io.EOF when nil)
type Stream struct {
	Chunks []providers.Chunk
	Err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *Stream) Recv() (providers.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return providers.Chunk{}, io.ErrClosedPipe
	}
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return providers.Chunk{}, s.Err
	}
	return providers.Chunk{}, io.EOF
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Bytes builds raw byte chunks
func Bytes(parts ...[]byte) []providers.Chunk {
	out := make([]providers.Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.Chunk{Kind: providers.ChunkBytes, Raw: p})
	}
	return out
}

// Deltas builds chat deltas, one per text piece
func Deltas(pieces ...string) []providers.Chunk {
	out := make([]providers.Chunk, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, providers.Chunk{Kind: providers.ChunkDelta, Delta: &openai.ChatCompletionStreamResponse{
			ID:      "upstream-id",
			Object:  "chat.completion.chunk",
			Model:   "upstream-model",
			Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: p}}},
		}})
	}
	return out
}

// Client is a scripted providers.Client keyed by provider name
type Client struct {
	// Failures makes every call to the named provider fail
	Failures map[string]error
	// Reply is the completion text of successful calls
	Reply string
	// Usage is reported by successful calls
	Usage openai.Usage
	// Streams overrides the chunks returned by streaming calls per provider
	Streams map[string]*Stream
	// AfterReply runs once a non-streaming call has produced its reply
	AfterReply func()

	mu    sync.Mutex
	calls []*providers.Invocation
}

func (c *Client) record(inv *providers.Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, inv)
	return c.Failures[inv.ProviderName]
}

func (c *Client) replied() {
	if c.AfterReply != nil {
		c.AfterReply()
	}
}

// Calls returns the invocations received, in order
func (c *Client) Calls() []*providers.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*providers.Invocation(nil), c.calls...)
}

func (c *Client) Chat(_ context.Context, inv *providers.Invocation) (*providers.ChatResponse, error) {
	if err := c.record(inv); err != nil {
		return nil, err
	}
	c.replied()
	return &providers.ChatResponse{
		ID:     fmt.Sprintf("up-%s", inv.ProviderName),
		Object: "chat.completion",
		Model:  inv.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: c.Reply},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: c.Usage,
	}, nil
}

func (c *Client) Messages(ctx context.Context, inv *providers.Invocation) (*providers.MessagesResponse, error) {
	if err := c.record(inv); err != nil {
		return nil, err
	}
	c.replied()
	return &providers.MessagesResponse{
		ID:         fmt.Sprintf("up-%s", inv.ProviderName),
		Type:       "message",
		Role:       "assistant",
		Model:      inv.Model,
		Content:    []providers.ContentBlock{{Type: providers.BlockText, Text: c.Reply}},
		StopReason: "end_turn",
		Usage:      providers.MessagesUsage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens},
	}, nil
}

func (c *Client) stream(inv *providers.Invocation) (providers.Stream, error) {
	if err := c.record(inv); err != nil {
		return nil, err
	}
	if s, ok := c.Streams[inv.ProviderName]; ok {
		return s, nil
	}
	return &Stream{Chunks: Deltas(c.Reply)}, nil
}

func (c *Client) ChatStream(_ context.Context, inv *providers.Invocation) (providers.Stream, error) {
	return c.stream(inv)
}

func (c *Client) MessagesStream(_ context.Context, inv *providers.Invocation) (providers.Stream, error) {
	return c.stream(inv)
}
