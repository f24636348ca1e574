package models

import "encoding/json"

// EntryKind tags a session journal entry.
type EntryKind string

const (
	EntryMeta       EntryKind = "meta"
	EntryMessage    EntryKind = "message"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntryUsage      EntryKind = "usage"
)

// SessionEntry is one line of a session journal. Exactly one payload field
// is set, selected by Kind.
type SessionEntry struct {
	TS   int64     `json:"ts"` // unix ms
	Kind EntryKind `json:"kind"`

	Meta       map[string]any   `json:"meta,omitempty"`
	Message    *MessageEntry    `json:"message,omitempty"`
	ToolCall   *ToolCallEntry   `json:"tool_call,omitempty"`
	ToolResult *ToolResultEntry `json:"tool_result,omitempty"`
	Usage      *UsageEntry      `json:"usage,omitempty"`
}

// MessageEntry records one chat turn. Content and Blocks mirror ChatMessage.
type MessageEntry struct {
	Role    ChatRole       `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolCallEntry records the model requesting a tool invocation.
type ToolCallEntry struct {
	Name      string          `json:"name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResultEntry records a tool's output for a prior tool call.
type ToolResultEntry struct {
	ToolUseID string         `json:"tool_use_id"`
	Content   string         `json:"content,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// UsageEntry records token consumption for one model response.
type UsageEntry struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheTokens  int `json:"cache_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens"`
}

// SessionMeta is the hub-visible record of a session. Runtimes register it
// in KV when a session opens; the journal itself stays on the runtime's
// disk.
type SessionMeta struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	Path      string `json:"path,omitempty"`
	StartedAt int64  `json:"startedAt"`         // unix ms
	EndedAt   int64  `json:"endedAt,omitempty"` // unix ms
}
