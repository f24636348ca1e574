package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jarvislabs/jarvis/pkg/models"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"

	openAIMaxRetries = 3
	openAIRetryDelay = time.Second
)

// OpenAICompatible serves any endpoint speaking the OpenAI chat protocol.
// The same adapter is instantiated for OpenAI itself, OpenRouter, and a
// local Ollama daemon; only the base URL, id, and model list differ.
type OpenAICompatible struct {
	id     string
	name   string
	client *openai.Client
	apiKey string
	models []ModelInfo
	local  bool
}

// NewOpenAI builds the adapter against api.openai.com (or baseURL when set).
func NewOpenAI(apiKey, baseURL string) *OpenAICompatible {
	p := &OpenAICompatible{id: "openai", name: "OpenAI", apiKey: apiKey}
	p.client = newOpenAIClient(apiKey, baseURL)
	p.models = []ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, Provider: p.id},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, Provider: p.id},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000, Provider: p.id},
		{ID: "o1", Name: "o1", ContextWindow: 200000, Provider: p.id},
		{ID: "o3-mini", Name: "o3-mini", ContextWindow: 200000, Provider: p.id},
	}
	return p
}

// NewOpenRouter builds the adapter against OpenRouter, which fronts many
// vendors behind namespaced model ids ("anthropic/claude-3.5-sonnet").
func NewOpenRouter(apiKey string) *OpenAICompatible {
	return &OpenAICompatible{
		id:     "openrouter",
		name:   "OpenRouter",
		apiKey: apiKey,
		client: newOpenAIClient(apiKey, openRouterBaseURL),
	}
}

// NewOllama builds the adapter against a local Ollama daemon, which needs
// no API key and accepts any model pulled onto the machine.
func NewOllama(baseURL string) *OpenAICompatible {
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &OpenAICompatible{
		id:     "ollama",
		name:   "Ollama",
		local:  true,
		client: newOpenAIClient("ollama", baseURL),
	}
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAICompatible) ID() string   { return p.id }
func (p *OpenAICompatible) Name() string { return p.name }

func (p *OpenAICompatible) IsAvailable() bool { return p.local || p.apiKey != "" }

func (p *OpenAICompatible) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return p.models, nil
}

func (p *OpenAICompatible) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return chatViaStream(ctx, p, req)
}

func (p *OpenAICompatible) ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("%s: no API key configured", p.id)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openAIMessages(req.Messages, req.System),
		Stream:   true,
		// The final stream frame carries token usage only when asked for.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 0; attempt < openAIMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			case <-time.After(openAIRetryDelay * time.Duration(attempt)):
			}
		}
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		if !retryableOpenAIError(err) {
			cancel()
			return nil, fmt.Errorf("%s: %w", p.id, err)
		}
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: retries exhausted: %w", p.id, err)
	}

	chunks := make(chan ChatChunk)
	go p.pump(ctx, cancel, stream, chunks)
	return chunks, nil
}

func (p *OpenAICompatible) pump(ctx context.Context, cancel context.CancelFunc, stream *openai.ChatCompletionStream, chunks chan<- ChatChunk) {
	defer close(chunks)
	defer cancel()
	defer stream.Close()

	assembler := newToolCallAssembler()
	stop := StopReason("")
	var usage Usage

	emitEnds := func() bool {
		for _, call := range assembler.finish() {
			if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseEnd, ToolUseID: call.ID, ToolName: call.Name, Args: call.Args}) {
				return false
			}
		}
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Some compatible servers drop finish_reason; pending
				// tool calls still mean the model wants a tool turn.
				hadPending := !assembler.empty()
				if !emitEnds() {
					return
				}
				if stop == "" {
					if hadPending {
						stop = StopToolUse
					} else {
						stop = StopEndTurn
					}
				}
				u := usage
				emit(ctx, chunks, ChatChunk{Type: ChunkMessageEnd, StopReason: stop, Usage: &u})
				return
			}
			emit(ctx, chunks, ChatChunk{Type: ChunkError, Err: fmt.Errorf("%s: %w", p.id, err)})
			return
		}

		// The usage-only frame has no choices.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(ctx, chunks, ChatChunk{Type: ChunkTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			for _, produced := range assembler.observe(index, tc.ID, tc.Function.Name, tc.Function.Arguments) {
				if !emit(ctx, chunks, produced) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			stop = mapOpenAIStop(string(choice.FinishReason))
			if !emitEnds() {
				return
			}
		}
	}
}

// openAIMessages converts the canonical history into the OpenAI shape:
// the system preamble becomes the leading message, and tool_result blocks
// become separate role-"tool" messages directly after the assistant turn
// that requested them.
func openAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.ChatRoleSystem:
			continue

		case models.ChatRoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			var text strings.Builder
			for _, b := range msg.Blocks {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolUse:
					m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: string(b.Input),
						},
					})
				}
			}
			if m.Content == "" {
				m.Content = text.String()
			}
			out = append(out, m)

		default:
			var parts []openai.ChatMessagePart
			var text strings.Builder
			if msg.Content != "" {
				text.WriteString(msg.Content)
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockImage:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:" + b.MediaType + ";base64," + b.Data,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				case models.BlockToolResult:
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    models.FlattenText(b.Content),
						ToolCallID: b.ToolUseID,
					})
				}
			}

			switch {
			case len(parts) > 0:
				if text.Len() > 0 {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: text.String(),
					}}, parts...)
				}
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
			case text.Len() > 0:
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
			}
		}
	}
	return out
}

func openAITools(tools []models.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func mapOpenAIStop(reason string) StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func retryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
