package relay_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gatewaytest"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/relay"
)

func TestSplitMultiByteCharacterIsReassembled(t *testing.T) {
	body := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"a世b"}}` + "\n\n"
	raw := []byte(body)
	cut := strings.Index(body, "世") + 1 // inside the three-byte rune

	s := &gatewaytest.Stream{Chunks: gatewaytest.Bytes(raw[:cut], raw[cut:])}
	rec := httptest.NewRecorder()
	res := relay.Relay(context.Background(), rec, s, relay.Options{Format: relay.FormatMessages}, nil)

	require.NoError(t, res.Err)
	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, "a世b", res.Text)
	assert.True(t, s.Closed())
}

func TestRawStreamUsageIsTapped(t *testing.T) {
	body := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":21,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}` + "\r\n\r\n"

	// one byte per chunk exercises the line buffer
	var parts [][]byte
	for i := 0; i < len(body); i++ {
		parts = append(parts, []byte{body[i]})
	}
	rec := httptest.NewRecorder()
	res := relay.Relay(context.Background(), rec, &gatewaytest.Stream{Chunks: gatewaytest.Bytes(parts...)},
		relay.Options{Format: relay.FormatMessages}, nil)

	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, relay.Usage{InputTokens: 21, OutputTokens: 9, Reported: true}, res.Usage)
	assert.Equal(t, "hi", res.Text)
}

func TestChatDeltasAreRewrittenAndTerminated(t *testing.T) {
	chunks := gatewaytest.Deltas("Hel", "lo")
	chunks = append(chunks, providers.Chunk{Kind: providers.ChunkDelta, Delta: &openai.ChatCompletionStreamResponse{
		Usage: &openai.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}})

	rec := httptest.NewRecorder()
	res := relay.Relay(context.Background(), rec, &gatewaytest.Stream{Chunks: chunks},
		relay.Options{Format: relay.FormatChat, ID: "chatcmpl-1", Model: "smart"}, nil)

	out := rec.Body.String()
	assert.Equal(t, 3, strings.Count(out, "data: {"))
	assert.Contains(t, out, `"id":"chatcmpl-1"`)
	assert.Contains(t, out, `"model":"smart"`)
	assert.NotContains(t, out, "upstream-model")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, relay.Usage{InputTokens: 4, OutputTokens: 2, Reported: true}, res.Usage)
}

func TestUpstreamErrorBecomesTerminalEvent(t *testing.T) {
	s := &gatewaytest.Stream{Chunks: gatewaytest.Deltas("partial"), Err: errors.New("connection reset")}

	rec := httptest.NewRecorder()
	res := relay.Relay(context.Background(), rec, s, relay.Options{Format: relay.FormatChat}, nil)

	out := rec.Body.String()
	assert.EqualError(t, res.Err, "connection reset")
	assert.False(t, res.Canceled)
	assert.True(t, strings.HasSuffix(out, `data: {"error":{"message":"connection reset","type":"gateway_error"}}`+"\n\n"))
	assert.NotContains(t, out, "[DONE]")
	assert.Equal(t, "partial", res.Text)
	assert.False(t, res.Usage.Reported)
}

func TestMessagesErrorEvent(t *testing.T) {
	assert.Equal(t,
		"event: error\ndata: {\"error\":{\"message\":\"boom\",\"type\":\"api_error\"},\"type\":\"error\"}\n\n",
		relay.ErrorEvent(relay.FormatMessages, "boom"))
}

func TestCanceledContextStopsRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &gatewaytest.Stream{Chunks: gatewaytest.Deltas("never")}
	rec := httptest.NewRecorder()
	res := relay.Relay(ctx, rec, s, relay.Options{Format: relay.FormatChat}, nil)

	assert.True(t, res.Canceled)
	assert.Empty(t, rec.Body.String())
	assert.True(t, s.Closed())
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	relay.SetHeaders(rec)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
