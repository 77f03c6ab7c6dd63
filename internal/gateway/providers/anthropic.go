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

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider speaks the Anthropic Messages API over plain HTTP
type AnthropicProvider struct {
	httpClient *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(httpClient *http.Client) *AnthropicProvider {
	return &AnthropicProvider{httpClient: httpClient}
}

func messagesURL(base string) string {
	if base == "" {
		base = anthropicBaseURL
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/messages"
}

func (p *AnthropicProvider) do(ctx context.Context, inv *Invocation, req *MessagesRequest) (*http.Response, error) {
	body := *req
	body.Model = inv.Model

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesURL(inv.BaseURL), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", inv.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gwerrors.UpstreamError{Provider: inv.ProviderName, Message: err.Error()}
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return nil, &gwerrors.UpstreamError{
			Provider:   inv.ProviderName,
			StatusCode: httpResp.StatusCode,
			Message:    anthropicErrorMessage(respBody),
		}
	}
	return httpResp, nil
}

func anthropicErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// Messages makes a non-streaming messages request
func (p *AnthropicProvider) Messages(ctx context.Context, inv *Invocation, req *MessagesRequest) (*MessagesResponse, error) {
	r := *req
	r.Stream = false

	httpResp, err := p.do(ctx, inv, &r)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp MessagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &gwerrors.UpstreamError{Provider: inv.ProviderName, Message: fmt.Sprintf("failed to parse response: %v", err)}
	}
	return &resp, nil
}

// MessagesStream opens a streaming request. With raw set the body is
// relayed as byte chunks; otherwise it is parsed into events.
func (p *AnthropicProvider) MessagesStream(ctx context.Context, inv *Invocation, req *MessagesRequest, raw bool) (Stream, error) {
	r := *req
	r.Stream = true

	httpResp, err := p.do(ctx, inv, &r)
	if err != nil {
		return nil, err
	}
	if raw {
		return &rawStream{body: httpResp.Body, buf: make([]byte, 4096)}, nil
	}
	return &AnthropicStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

// rawStream relays upstream bytes in read-sized pieces. Pieces may split
// multi-byte characters; the relay is responsible for reassembly.
type rawStream struct {
	body    io.ReadCloser
	buf     []byte
	pending error
}

func (s *rawStream) Recv() (Chunk, error) {
	if s.pending != nil {
		return Chunk{}, s.pending
	}
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = err
			out := make([]byte, n)
			copy(out, s.buf[:n])
			return Chunk{Kind: ChunkBytes, Raw: out}, nil
		}
		if err != nil {
			return Chunk{}, err
		}
	}
}

func (s *rawStream) Close() error {
	return s.body.Close()
}

// AnthropicStreamReader parses the SSE body into structured events
type AnthropicStreamReader struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

// Recv reads the next complete event
func (r *AnthropicStreamReader) Recv() (Chunk, error) {
	var eventType string
	var data []string
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && len(data) > 0 {
				return r.emit(eventType, data)
			}
			return Chunk{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				return r.emit(eventType, data)
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (r *AnthropicStreamReader) emit(eventType string, data []string) (Chunk, error) {
	payload := json.RawMessage(strings.Join(data, "\n"))
	if eventType == "" {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(payload, &probe)
		eventType = probe.Type
	}
	return Chunk{Kind: ChunkEvent, Event: &MessagesEvent{Type: eventType, Data: payload}}, nil
}

// Close closes the stream
func (r *AnthropicStreamReader) Close() error {
	return r.body.Close()
}
