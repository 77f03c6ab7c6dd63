package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content block types
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is one element of Anthropic message content. Type selects
// which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`
}

// ImageSource is the payload of an image block
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DecodeContent decodes message content that is either a plain string or
// an array of blocks. A string becomes a single text block.
func DecodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	return blocks, nil
}

// ContentText returns the concatenated text of every text block, including
// text nested inside tool results.
func ContentText(raw json.RawMessage) string {
	blocks, err := DecodeContent(raw)
	if err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out += b.Text
		case BlockToolResult:
			out += ContentText(b.Content)
		}
	}
	return out
}
