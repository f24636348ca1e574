package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/jarvislabs/jarvis/pkg/models"
)

const googleMaxRetries = 3

// Google serves the Gemini API through the official Gen AI SDK.
type Google struct {
	client *genai.Client
	apiKey string
}

// NewGoogle builds the Gemini adapter. An empty key yields an unavailable
// provider rather than an error so startup can proceed without credentials.
func NewGoogle(apiKey string) (*Google, error) {
	g := &Google{apiKey: apiKey}
	if apiKey == "" {
		return g, nil
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	g.client = client
	return g, nil
}

func (p *Google) ID() string   { return "google" }
func (p *Google) Name() string { return "Google" }

func (p *Google) IsAvailable() bool { return p.apiKey != "" && p.client != nil }

func (p *Google) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1000000, Provider: "google"},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextWindow: 1000000, Provider: "google"},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextWindow: 2000000, Provider: "google"},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextWindow: 1000000, Provider: "google"},
	}, nil
}

func (p *Google) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return chatViaStream(ctx, p, req)
}

func (p *Google) ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("google: no API key configured")
	}

	contents := googleContents(req.Messages)
	config := googleConfig(req)

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	chunks := make(chan ChatChunk)

	go func() {
		defer close(chunks)
		defer cancel()

		var lastErr error
		for attempt := 0; attempt < googleMaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					emit(ctx, chunks, ChatChunk{Type: ChunkError, Err: ctx.Err()})
					return
				case <-time.After(time.Second * time.Duration(attempt)):
				}
			}

			done, emitted, err := p.streamOnce(ctx, req.Model, contents, config, chunks)
			if done {
				return
			}
			lastErr = err
			// A stream that already produced output cannot be restarted
			// without duplicating it.
			if emitted || !retryableGoogleError(err) {
				break
			}
		}
		emit(ctx, chunks, ChatChunk{Type: ChunkError, Err: fmt.Errorf("google: %w", lastErr)})
	}()

	return chunks, nil
}

// streamOnce runs a single generation stream. done reports normal completion,
// emitted reports whether any chunk reached the consumer before a failure.
func (p *Google) streamOnce(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- ChatChunk) (done, emitted bool, err error) {
	stop := StopEndTurn
	sawToolCall := false
	var usage Usage

	for resp, iterErr := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if iterErr != nil {
			return false, emitted, iterErr
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !emit(ctx, chunks, ChatChunk{Type: ChunkTextDelta, Text: part.Text}) {
							return true, true, nil
						}
						emitted = true
					}
					if part.FunctionCall != nil {
						sawToolCall = true
						args, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							args = []byte("{}")
						}
						// Gemini omits call ids; synthesize one that
						// round-trips through history conversion.
						id := googleCallID(part.FunctionCall.Name)
						name := part.FunctionCall.Name
						if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseStart, ToolUseID: id, ToolName: name}) {
							return true, true, nil
						}
						if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseDelta, ToolUseID: id, ToolName: name, ArgsDelta: string(args)}) {
							return true, true, nil
						}
						if !emit(ctx, chunks, ChatChunk{Type: ChunkToolUseEnd, ToolUseID: id, ToolName: name, Args: string(args)}) {
							return true, true, nil
						}
						emitted = true
					}
				}
			}
			switch candidate.FinishReason {
			case genai.FinishReasonMaxTokens:
				stop = StopMaxTokens
			case genai.FinishReasonStop:
				stop = StopEndTurn
			}
		}
	}

	if sawToolCall {
		stop = StopToolUse
	}
	u := usage
	emit(ctx, chunks, ChatChunk{Type: ChunkMessageEnd, StopReason: stop, Usage: &u})
	return true, true, nil
}

func googleCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

func googleContents(messages []models.ChatMessage) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.ChatRoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.ChatRoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
			case models.BlockImage:
				data, err := base64.StdEncoding.DecodeString(b.Data)
				if err != nil {
					continue
				}
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{Data: data, MIMEType: b.MediaType},
				})
			case models.BlockToolUse:
				var args map[string]any
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: b.Name, Args: args},
				})
			case models.BlockToolResult:
				text := models.FlattenText(b.Content)
				var response map[string]any
				if err := json.Unmarshal([]byte(text), &response); err != nil {
					response = map[string]any{"result": text, "error": b.IsError}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     toolNameForCallID(messages, b.ToolUseID),
						Response: response,
					},
				})
			}
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

// toolNameForCallID recovers the function name a result belongs to. Gemini
// matches responses by name, not id, so the originating tool_use block is
// the source of truth, with the synthesized id format as fallback.
func toolNameForCallID(messages []models.ChatMessage, callID string) string {
	for _, msg := range messages {
		for _, use := range msg.ToolUses() {
			if use.ID == callID {
				return use.Name
			}
		}
	}
	parts := strings.Split(callID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func googleConfig(req *ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		config.Tools = googleTools(req.Tools)
	}
	return config
}

func googleTools(tools []models.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(t.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}
	return schema
}

func retryableGoogleError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "resource exhausted", "quota", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
