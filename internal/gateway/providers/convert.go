package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// defaultMaxTokens is sent to Anthropic when a chat request omits max_tokens
const defaultMaxTokens = 4096

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ChatToMessages converts an OpenAI-shaped request to the Anthropic shape
func ChatToMessages(req *ChatRequest) (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem, "developer":
			system = append(system, messageText(msg))
		case openai.ChatMessageRoleTool:
			block := ContentBlock{Type: BlockToolResult, ToolUseID: msg.ToolCallID}
			block.Content, _ = json.Marshal(messageText(msg))
			out.appendBlocks(openai.ChatMessageRoleUser, []ContentBlock{block})
		default:
			blocks := chatMessageBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			out.appendBlocks(msg.Role, blocks)
		}
	}
	if len(system) > 0 {
		out.System, _ = json.Marshal(strings.Join(system, "\n\n"))
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropicTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Function == nil {
				continue
			}
			schema := t.Function.Parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			tools = append(tools, anthropicTool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: schema})
		}
		raw, err := json.Marshal(tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		out.Tools = raw
	}

	if choice := chatToolChoiceToMessages(req.ToolChoice); choice != nil {
		out.ToolChoice, _ = json.Marshal(choice)
	}
	return out, nil
}

// appendBlocks merges consecutive turns of the same role, which Anthropic
// requires to alternate.
func (r *MessagesRequest) appendBlocks(role string, blocks []ContentBlock) {
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == role {
		prev, _ := DecodeContent(r.Messages[n-1].Content)
		blocks = append(prev, blocks...)
		r.Messages = r.Messages[:n-1]
	}
	raw, _ := json.Marshal(blocks)
	r.Messages = append(r.Messages, MessagesMessage{Role: role, Content: raw})
}

func messageText(msg openai.ChatCompletionMessage) string {
	if len(msg.MultiContent) == 0 {
		return msg.Content
	}
	var parts []string
	for _, p := range msg.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func chatMessageBlocks(msg openai.ChatCompletionMessage) []ContentBlock {
	var blocks []ContentBlock
	if len(msg.MultiContent) > 0 {
		for _, p := range msg.MultiContent {
			switch p.Type {
			case openai.ChatMessagePartTypeText:
				blocks = append(blocks, ContentBlock{Type: BlockText, Text: p.Text})
			case openai.ChatMessagePartTypeImageURL:
				if p.ImageURL != nil {
					blocks = append(blocks, ContentBlock{Type: BlockImage, Source: imageSourceFromURL(p.ImageURL.URL)})
				}
			}
		}
	} else if msg.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, ContentBlock{Type: BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return blocks
}

// imageSourceFromURL turns a data URL into a base64 source, anything else
// into a url source.
func imageSourceFromURL(url string) *ImageSource {
	if strings.HasPrefix(url, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if ok {
			return &ImageSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &ImageSource{Type: "url", URL: url}
}

func chatToolChoiceToMessages(raw json.RawMessage) *anthropicToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}
		case "required":
			return &anthropicToolChoice{Type: "any"}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// MessagesToChat converts an Anthropic-shaped request to the OpenAI shape
func MessagesToChat(req *MessagesRequest) (*ChatRequest, error) {
	out := &ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}

	if system := ContentText(req.System); system != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for i, m := range req.Messages {
		blocks, err := DecodeContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, blocksToChatMessages(m.Role, blocks)...)
	}

	if len(req.Tools) > 0 {
		var tools []anthropicTool
		if err := json.Unmarshal(req.Tools, &tools); err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		for _, t := range tools {
			out.Tools = append(out.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	if len(req.ToolChoice) > 0 {
		var choice anthropicToolChoice
		if err := json.Unmarshal(req.ToolChoice, &choice); err == nil {
			switch choice.Type {
			case "auto":
				out.ToolChoice = json.RawMessage(`"auto"`)
			case "any":
				out.ToolChoice = json.RawMessage(`"required"`)
			case "none":
				out.ToolChoice = json.RawMessage(`"none"`)
			case "tool":
				out.ToolChoice, _ = json.Marshal(map[string]interface{}{
					"type":     "function",
					"function": map[string]string{"name": choice.Name},
				})
			}
		}
	}
	return out, nil
}

func blocksToChatMessages(role string, blocks []ContentBlock) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	msg := openai.ChatCompletionMessage{Role: role}
	var parts []openai.ChatMessagePart
	hasImage := false

	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
		case BlockImage:
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			hasImage = true
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		case BlockToolUse:
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       b.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: b.Name, Arguments: input},
			})
		case BlockToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: b.ToolUseID,
				Content:    ContentText(b.Content),
			})
		}
	}

	if hasImage {
		msg.MultiContent = parts
	} else {
		var texts []string
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		msg.Content = strings.Join(texts, "")
	}

	if msg.Content != "" || len(msg.MultiContent) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out
}

// MessagesResponseToChat converts an Anthropic response to the OpenAI shape
func MessagesResponseToChat(resp *MessagesResponse) *ChatResponse {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	for _, b := range resp.Content {
		switch b.Type {
		case BlockText:
			msg.Content += b.Text
		case BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       b.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: b.Name, Arguments: string(b.Input)},
			})
		}
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: stopReasonToFinish(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// ChatResponseToMessages converts an OpenAI response to the Anthropic shape
func ChatResponseToMessages(resp *ChatResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: MessagesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Content: []ContentBlock{},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	if text := messageText(choice.Message); text != "" {
		out.Content = append(out.Content, ContentBlock{Type: BlockText, Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, ContentBlock{Type: BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	out.StopReason = finishToStopReason(choice.FinishReason)
	return out
}

func stopReasonToFinish(reason string) openai.FinishReason {
	switch reason {
	case "max_tokens":
		return openai.FinishReasonLength
	case "tool_use":
		return openai.FinishReasonToolCalls
	case "":
		return openai.FinishReasonNull
	default:
		return openai.FinishReasonStop
	}
}

func finishToStopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	default:
		return "end_turn"
	}
}
