// Package relay re-emits upstream streams to clients as server-sent events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/providers"
)

// Format is the wire shape a stream is relayed in
type Format int

const (
	// FormatChat emits `data: {...}` deltas terminated by `data: [DONE]`
	FormatChat Format = iota
	// FormatMessages emits `event: <type>` / `data: {...}` pairs
	FormatMessages
)

// Options controls how deltas are rewritten for the client
type Options struct {
	Format Format
	// ID and Model replace the upstream values on chat deltas when set
	ID    string
	Model string
}

// Usage is token usage observed in the stream
type Usage struct {
	InputTokens  int
	OutputTokens int
	// Reported is set once the upstream reported final output tokens
	Reported bool
}

// Result summarizes a finished relay
type Result struct {
	Text     string
	Usage    Usage
	Chunks   int
	Err      error
	Canceled bool
}

// SetHeaders writes the event-stream response headers
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Relay pumps s into w until the upstream ends, fails, or ctx is canceled.
// Upstream failures become one terminal error event; Relay never returns
// them to the caller except through Result. s is always closed.
func Relay(ctx context.Context, w http.ResponseWriter, s providers.Stream, opts Options, logger *zap.Logger) Result {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer s.Close()

	r := &relayer{w: w, opts: opts, decoder: newUTF8Decoder()}
	r.flusher, _ = w.(http.Flusher)

	for {
		if ctx.Err() != nil {
			r.res.Canceled = true
			return r.finish()
		}

		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			r.end()
			return r.finish()
		}
		if err != nil {
			if ctx.Err() != nil {
				r.res.Canceled = true
				return r.finish()
			}
			logger.Warn("Upstream stream failed", zap.Error(err), zap.Int("chunks", r.res.Chunks))
			r.res.Err = err
			r.writeError(err)
			return r.finish()
		}

		r.res.Chunks++
		if werr := r.write(chunk); werr != nil {
			logger.Debug("Client write failed", zap.Error(werr))
			r.res.Canceled = true
			return r.finish()
		}
	}
}

type relayer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	opts    Options
	decoder *utf8Decoder
	line    strings.Builder
	text    strings.Builder
	res     Result
}

func (r *relayer) finish() Result {
	r.res.Text = r.text.String()
	return r.res
}

func (r *relayer) emit(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(r.w, s); err != nil {
		return err
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return nil
}

func (r *relayer) write(c providers.Chunk) error {
	switch c.Kind {
	case providers.ChunkBytes:
		text := r.decoder.Decode(c.Raw)
		r.scan(text)
		return r.emit(text)

	case providers.ChunkEvent:
		if c.Event == nil {
			return nil
		}
		r.tapEvent(c.Event.Type, c.Event.Data)
		if r.opts.Format == FormatChat {
			return nil
		}
		return r.emit(fmt.Sprintf("event: %s\ndata: %s\n\n", c.Event.Type, c.Event.Data))

	case providers.ChunkDelta:
		if c.Delta == nil {
			return nil
		}
		d := *c.Delta
		if r.opts.ID != "" {
			d.ID = r.opts.ID
		}
		if r.opts.Model != "" {
			d.Model = r.opts.Model
		}
		for _, choice := range d.Choices {
			r.text.WriteString(choice.Delta.Content)
		}
		if d.Usage != nil {
			r.res.Usage = Usage{InputTokens: d.Usage.PromptTokens, OutputTokens: d.Usage.CompletionTokens, Reported: true}
		}
		data, err := json.Marshal(d)
		if err != nil {
			return nil
		}
		return r.emit("data: " + string(data) + "\n\n")
	}
	return nil
}

// scan feeds decoded raw text through a line buffer so usage and text can
// be read from complete SSE data lines
func (r *relayer) scan(text string) {
	for text != "" {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			r.line.WriteString(text)
			return
		}
		r.line.WriteString(text[:i])
		r.tapLine(strings.TrimRight(r.line.String(), "\r"))
		r.line.Reset()
		text = text[i+1:]
	}
}

func (r *relayer) tapLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(data), &probe) != nil {
		return
	}
	r.tapEvent(probe.Type, json.RawMessage(data))
}

type eventUsage struct {
	Message *struct {
		Usage providers.MessagesUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *providers.MessagesUsage `json:"usage"`
}

func (r *relayer) tapEvent(eventType string, data json.RawMessage) {
	var ev eventUsage
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	switch eventType {
	case "message_start":
		if ev.Message != nil {
			r.res.Usage.InputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			r.text.WriteString(ev.Delta.Text)
		}
	case "message_delta":
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				r.res.Usage.InputTokens = ev.Usage.InputTokens
			}
			r.res.Usage.OutputTokens = ev.Usage.OutputTokens
			r.res.Usage.Reported = true
		}
	}
}

func (r *relayer) end() {
	tail := r.decoder.Flush()
	r.scan(tail)
	_ = r.emit(tail)
	if r.opts.Format == FormatChat {
		_ = r.emit("data: [DONE]\n\n")
	}
}

func (r *relayer) writeError(err error) {
	_ = r.emit(r.decoder.Flush())
	_ = r.emit(ErrorEvent(r.opts.Format, err.Error()))
}

// ErrorEvent renders the terminal error event for a format
func ErrorEvent(format Format, message string) string {
	if format == FormatMessages {
		data, _ := json.Marshal(map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "api_error", "message": message},
		})
		return "event: error\ndata: " + string(data) + "\n\n"
	}
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{"message": message, "type": "gateway_error"},
	})
	return "data: " + string(data) + "\n\n"
}
