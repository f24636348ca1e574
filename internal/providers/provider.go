// Package providers abstracts LLM vendors behind one chat contract. Every
// vendor's native wire protocol is decoded into a canonical chunk stream;
// non-streaming calls are collected from the same stream so the two paths
// cannot diverge.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Request ceilings. Streams get twice the non-streaming budget because the
// model keeps producing output for their full duration.
const (
	chatTimeout   = 5 * time.Minute
	streamTimeout = 10 * time.Minute

	defaultMaxTokens = 4096
)

// ChunkType tags one element of a canonical chat stream.
type ChunkType string

const (
	ChunkTextDelta    ChunkType = "text_delta"
	ChunkToolUseStart ChunkType = "tool_use_start"
	ChunkToolUseDelta ChunkType = "tool_use_delta"
	ChunkToolUseEnd   ChunkType = "tool_use_end"
	ChunkMessageEnd   ChunkType = "message_end"
	ChunkError        ChunkType = "error"
)

// StopReason explains why the model stopped producing output.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopStopSeq   StopReason = "stop_sequence"
)

// Usage counts tokens consumed by one model response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add merges another usage into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChatChunk is one element of a streaming response. Exactly one variant's
// fields are meaningful, selected by Type. The channel carrying chunks is
// closed after a terminal chunk (message_end or error).
type ChatChunk struct {
	Type ChunkType

	// text_delta
	Text string

	// tool_use_start / tool_use_delta / tool_use_end
	ToolUseID string
	ToolName  string
	ArgsDelta string
	Args      string // tool_use_end: full accumulated argument JSON

	// message_end
	StopReason StopReason
	Usage      *Usage

	// error
	Err error
}

// ChatRequest is a provider-independent completion request.
type ChatRequest struct {
	Model         string
	Messages      []models.ChatMessage
	System        string
	Tools         []models.ToolSpec
	Temperature   float64
	MaxTokens     int
	StopSequences []string
	Stream        bool
}

// ChatResponse is a completed, non-streaming model turn.
type ChatResponse struct {
	Model      string             `json:"model"`
	Message    models.ChatMessage `json:"message"`
	StopReason StopReason         `json:"stop_reason"`
	Usage      Usage              `json:"usage"`
}

// ToolUses returns the tool_use blocks the model requested, in order.
func (r *ChatResponse) ToolUses() []models.ContentBlock {
	return r.Message.ToolUses()
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
	Provider      string `json:"provider"`
}

// Provider is one LLM vendor. Implementations are safe for concurrent use;
// every ChatStream call owns an independent stream and goroutine.
type Provider interface {
	// ID is the stable routing key (e.g. "anthropic"); Name is for display.
	ID() string
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// IsAvailable reports whether the provider is configured to take
	// requests (credentials present, endpoint reachable by construction).
	IsAvailable() bool
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error)
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

// emit sends a chunk unless the context is done, so a producer goroutine
// can never block forever on an abandoned consumer.
func emit(ctx context.Context, ch chan<- ChatChunk, chunk ChatChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// collectStream drains a canonical chunk stream into a single response.
// Tool arguments are taken from tool_use_end chunks, which carry the full
// accumulated JSON; the incremental start/delta chunks are display-only.
func collectStream(model string, chunks <-chan ChatChunk) (*ChatResponse, error) {
	var text strings.Builder
	var toolBlocks []models.ContentBlock
	resp := &ChatResponse{Model: model}

	for chunk := range chunks {
		switch chunk.Type {
		case ChunkTextDelta:
			text.WriteString(chunk.Text)
		case ChunkToolUseEnd:
			args := chunk.Args
			if args == "" {
				args = "{}"
			}
			toolBlocks = append(toolBlocks, models.ToolUseBlock(chunk.ToolUseID, chunk.ToolName, json.RawMessage(args)))
		case ChunkMessageEnd:
			resp.StopReason = chunk.StopReason
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		case ChunkError:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			return nil, fmt.Errorf("%s: stream error", model)
		}
	}

	msg := models.ChatMessage{Role: models.ChatRoleAssistant}
	if len(toolBlocks) == 0 {
		msg.Content = text.String()
	} else {
		if text.Len() > 0 {
			msg.Blocks = append(msg.Blocks, models.TextBlock(text.String()))
		}
		msg.Blocks = append(msg.Blocks, toolBlocks...)
	}
	resp.Message = msg

	if resp.StopReason == "" {
		// The stream closed without a terminal chunk, typically a
		// transport drop mid-response.
		return nil, fmt.Errorf("%s: stream ended without message_end", model)
	}
	return resp, nil
}

// chatViaStream implements the non-streaming path on top of ChatStream with
// the non-streaming timeout applied.
func chatViaStream(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	streamReq := *req
	streamReq.Stream = true
	chunks, err := p.ChatStream(ctx, &streamReq)
	if err != nil {
		return nil, err
	}
	return collectStream(req.Model, chunks)
}
