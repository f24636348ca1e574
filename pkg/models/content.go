package models

import (
	"encoding/json"
	"fmt"
)

// ChatRole is the author of a chat message.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// Block type tags for ContentBlock.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ImageMediaTypes are the accepted media types for image blocks.
var ImageMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// ContentBlock is one tagged element of an LLM message. Exactly one variant's
// fields are set, selected by Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Data      string `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(data, mediaType string) ContentBlock {
	return ContentBlock{Type: BlockImage, Data: data, MediaType: mediaType}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block wrapping plain text.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   []ContentBlock{TextBlock(content)},
		IsError:   isError,
	}
}

// Validate rejects unknown tags and malformed variants at the boundary.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockText:
		return nil
	case BlockImage:
		if _, ok := ImageMediaTypes[b.MediaType]; !ok {
			return fmt.Errorf("unsupported image media type %q", b.MediaType)
		}
		return nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block requires id and name")
		}
		return nil
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block requires tool_use_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// FlattenText concatenates the text of nested blocks, used when a plain
// string rendering of a tool result is needed.
func FlattenText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ChatMessage is one turn of an LLM conversation. Content carries plain
// text; Blocks carries structured content. At most one of the two is set.
type ChatMessage struct {
	Role    ChatRole       `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolUses returns the tool_use blocks of the message in order.
func (m ChatMessage) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// PlainText returns the textual content of the message, flattening blocks
// when no plain content is present.
func (m ChatMessage) PlainText() string {
	if m.Content != "" {
		return m.Content
	}
	return FlattenText(m.Blocks)
}
