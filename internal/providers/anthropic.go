package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Anthropic serves Claude models. SSE events map one-to-one onto canonical
// chunks; the system prompt and tool definitions ride as separate request
// parameters rather than messages.
type Anthropic struct {
	client anthropic.Client
	apiKey string
}

// NewAnthropic builds the adapter. An empty API key yields an adapter that
// reports unavailable rather than an error, so configuration can be partial.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), apiKey: apiKey}
}

func (a *Anthropic) ID() string   { return "anthropic" }
func (a *Anthropic) Name() string { return "Anthropic" }

func (a *Anthropic) IsAvailable() bool { return a.apiKey != "" }

func (a *Anthropic) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", ContextWindow: 200000, Provider: a.ID()},
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", ContextWindow: 200000, Provider: a.ID()},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000, Provider: a.ID()},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000, Provider: a.ID()},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, Provider: a.ID()},
	}, nil
}

func (a *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return chatViaStream(ctx, a, req)
}

func (a *Anthropic) ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error) {
	if !a.IsAvailable() {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	chunks := make(chan ChatChunk)

	go func() {
		defer close(chunks)
		defer cancel()

		stream := a.client.Messages.NewStreaming(ctx, params)

		var (
			toolID   string
			toolName string
			toolArgs strings.Builder
			stop     = StopEndTurn
			usage    Usage
		)

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					use := block.AsToolUse()
					toolID, toolName = use.ID, use.Name
					toolArgs.Reset()
					if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseStart, ToolUseID: toolID, ToolName: toolName}) {
						return
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text == "" {
						continue
					}
					if !emit(ctx, chunks, ChatChunk{Type: ChunkTextDelta, Text: delta.Text}) {
						return
					}
				case "input_json_delta":
					if delta.PartialJSON == "" {
						continue
					}
					toolArgs.WriteString(delta.PartialJSON)
					if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseDelta, ToolUseID: toolID, ToolName: toolName, ArgsDelta: delta.PartialJSON}) {
						return
					}
				}

			case "content_block_stop":
				if toolID == "" {
					continue
				}
				end := ChatChunk{Type: ChunkToolUseEnd, ToolUseID: toolID, ToolName: toolName, Args: toolArgs.String()}
				toolID, toolName = "", ""
				toolArgs.Reset()
				if !emit(ctx, chunks, end) {
					return
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(delta.Usage.OutputTokens)
				}
				if r := string(delta.Delta.StopReason); r != "" {
					stop = mapAnthropicStop(r)
				}

			case "message_stop":
				u := usage
				emit(ctx, chunks, ChatChunk{Type: ChunkMessageEnd, StopReason: stop, Usage: &u})
				return
			}
		}

		if err := stream.Err(); err != nil {
			emit(ctx, chunks, ChatChunk{Type: ChunkError, Err: fmt.Errorf("anthropic: %w", err)})
		}
	}()

	return chunks, nil
}

func (a *Anthropic) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func anthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		// System text travels in params.System, never as a message.
		if msg.Role == models.ChatRoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case models.BlockImage:
				content = append(content, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool_use %s input: %w", b.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, models.FlattenText(b.Content), b.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.ChatRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func anthropicTools(tools []models.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s: invalid definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSeq
	default:
		return StopEndTurn
	}
}
