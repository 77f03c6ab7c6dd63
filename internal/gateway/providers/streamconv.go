package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

// eventChunk builds a structured event chunk from any JSON-encodable payload
func eventChunk(eventType string, payload interface{}) Chunk {
	data, _ := json.Marshal(payload)
	return Chunk{Kind: ChunkEvent, Event: &MessagesEvent{Type: eventType, Data: data}}
}

// chatToMessagesStream re-emits OpenAI deltas as Anthropic stream events
type chatToMessagesStream struct {
	src     Stream
	model   string
	id      string
	pending []Chunk
	started bool
	done    bool

	blockIndex int
	blockOpen  bool
	blockType  string
	toolIndex  map[int]int

	stopReason   string
	inputTokens  int
	outputTokens int
}

func newChatToMessagesStream(src Stream, model string) *chatToMessagesStream {
	return &chatToMessagesStream{
		src:        src,
		model:      model,
		id:         fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		blockIndex: -1,
		toolIndex:  make(map[int]int),
		stopReason: "end_turn",
	}
}

func (s *chatToMessagesStream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}

		c, err := s.src.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			return Chunk{}, err
		}
		if !s.started {
			s.start()
		}
		if c.Kind == ChunkDelta && c.Delta != nil {
			s.translate(c.Delta)
		}
	}
}

func (s *chatToMessagesStream) Close() error {
	return s.src.Close()
}

func (s *chatToMessagesStream) start() {
	s.started = true
	s.pending = append(s.pending, eventChunk("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         MessagesUsage{},
		},
	}))
}

func (s *chatToMessagesStream) openBlock(blockType string, block map[string]interface{}) {
	s.closeBlock()
	s.blockIndex++
	s.blockOpen = true
	s.blockType = blockType
	s.pending = append(s.pending, eventChunk("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": block,
	}))
}

func (s *chatToMessagesStream) closeBlock() {
	if !s.blockOpen {
		return
	}
	s.blockOpen = false
	s.pending = append(s.pending, eventChunk("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}))
}

func (s *chatToMessagesStream) translate(d *openai.ChatCompletionStreamResponse) {
	if d.Usage != nil {
		s.inputTokens = d.Usage.PromptTokens
		s.outputTokens = d.Usage.CompletionTokens
	}
	for _, choice := range d.Choices {
		if text := choice.Delta.Content; text != "" {
			if !s.blockOpen || s.blockType != BlockText {
				s.openBlock(BlockText, map[string]interface{}{"type": BlockText, "text": ""})
			}
			s.pending = append(s.pending, eventChunk("content_block_delta", map[string]interface{}{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]string{"type": "text_delta", "text": text},
			}))
		}

		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" {
				s.openBlock(BlockToolUse, map[string]interface{}{
					"type":  BlockToolUse,
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": map[string]interface{}{},
				})
				s.toolIndex[idx] = s.blockIndex
			}
			if tc.Function.Arguments != "" {
				blockIdx, ok := s.toolIndex[idx]
				if !ok {
					continue
				}
				s.pending = append(s.pending, eventChunk("content_block_delta", map[string]interface{}{
					"type":  "content_block_delta",
					"index": blockIdx,
					"delta": map[string]string{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
				}))
			}
		}

		if choice.FinishReason != "" {
			s.stopReason = finishToStopReason(choice.FinishReason)
		}
	}
}

func (s *chatToMessagesStream) finish() {
	if !s.started {
		s.start()
	}
	s.closeBlock()
	s.pending = append(s.pending,
		eventChunk("message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": s.stopReason, "stop_sequence": nil},
			"usage": map[string]int{"input_tokens": s.inputTokens, "output_tokens": s.outputTokens},
		}),
		eventChunk("message_stop", map[string]string{"type": "message_stop"}),
	)
	s.done = true
}

// messagesToChatStream re-emits Anthropic stream events as OpenAI deltas
type messagesToChatStream struct {
	src          Stream
	model        string
	id           string
	created      int64
	inputTokens  int
	toolByBlock  map[int]int
	nextToolCall int
	done         bool
}

func newMessagesToChatStream(src Stream, model string) *messagesToChatStream {
	return &messagesToChatStream{
		src:         src,
		model:       model,
		created:     time.Now().Unix(),
		toolByBlock: make(map[int]int),
	}
}

type streamEventPayload struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string        `json:"id"`
		Usage MessagesUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *ContentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *MessagesUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *messagesToChatStream) delta(d openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) Chunk {
	return Chunk{Kind: ChunkDelta, Delta: &openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: d, FinishReason: finish}},
	}}
}

func (s *messagesToChatStream) Recv() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		c, err := s.src.Recv()
		if err != nil {
			return Chunk{}, err
		}
		if c.Kind != ChunkEvent || c.Event == nil {
			continue
		}

		var ev streamEventPayload
		if err := json.Unmarshal(c.Event.Data, &ev); err != nil {
			continue
		}

		switch c.Event.Type {
		case "message_start":
			if ev.Message != nil {
				s.id = ev.Message.ID
				s.inputTokens = ev.Message.Usage.InputTokens
			}
			return s.delta(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, ""), nil

		case "content_block_start":
			if ev.ContentBlock == nil || ev.ContentBlock.Type != BlockToolUse {
				continue
			}
			idx := s.nextToolCall
			s.nextToolCall++
			s.toolByBlock[ev.Index] = idx
			return s.delta(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				ID:       ev.ContentBlock.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: ev.ContentBlock.Name},
			}}}, ""), nil

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text == "" {
					continue
				}
				return s.delta(openai.ChatCompletionStreamChoiceDelta{Content: ev.Delta.Text}, ""), nil
			case "input_json_delta":
				idx, ok := s.toolByBlock[ev.Index]
				if !ok {
					continue
				}
				return s.delta(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					Function: openai.FunctionCall{Arguments: ev.Delta.PartialJSON},
				}}}, ""), nil
			}

		case "message_delta":
			chunk := s.delta(openai.ChatCompletionStreamChoiceDelta{}, stopReasonToFinish(deltaStop(ev)))
			if ev.Usage != nil {
				chunk.Delta.Usage = &openai.Usage{
					PromptTokens:     s.inputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      s.inputTokens + ev.Usage.OutputTokens,
				}
			}
			return chunk, nil

		case "message_stop":
			s.done = true
			return Chunk{}, io.EOF

		case "error":
			msg := "upstream stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return Chunk{}, errors.New(msg)
		}
	}
}

func deltaStop(ev streamEventPayload) string {
	if ev.Delta == nil || ev.Delta.StopReason == "" {
		return "end_turn"
	}
	return ev.Delta.StopReason
}

func (s *messagesToChatStream) Close() error {
	return s.src.Close()
}
