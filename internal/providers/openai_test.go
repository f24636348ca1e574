package providers

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jarvislabs/jarvis/pkg/models"
)

func TestOpenAIMessages_ToolFlow(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.ChatRoleSystem, Content: "stale system text"},
		{Role: models.ChatRoleUser, Content: "what is 2+2"},
		{Role: models.ChatRoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock("let me check"),
			models.ToolUseBlock("tu-1", "calculate", json.RawMessage(`{"expression":"2+2"}`)),
		}},
		{Role: models.ChatRoleUser, Blocks: []models.ContentBlock{
			models.ToolResultBlock("tu-1", "4", false),
		}},
	}

	out := openAIMessages(history, "be brief")
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4 (system, user, assistant, tool)", len(out))
	}

	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be brief" {
		t.Errorf("leading message = %+v, want injected system", out[0])
	}
	if out[1].Role != openai.ChatMessageRoleUser || out[1].Content != "what is 2+2" {
		t.Errorf("user message = %+v", out[1])
	}

	asst := out[2]
	if asst.Role != openai.ChatMessageRoleAssistant || asst.Content != "let me check" {
		t.Errorf("assistant message = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(asst.ToolCalls))
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "tu-1" || tc.Function.Name != "calculate" || tc.Function.Arguments != `{"expression":"2+2"}` {
		t.Errorf("tool call = %+v", tc)
	}

	toolMsg := out[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "tu-1" || toolMsg.Content != "4" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestOpenAIMessages_ImageBecomesDataURL(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.ChatRoleUser, Blocks: []models.ContentBlock{
			models.TextBlock("what is in this image"),
			models.ImageBlock("AAAA", "image/png"),
		}},
	}

	out := openAIMessages(history, "")
	if len(out) != 1 {
		t.Fatalf("messages = %d, want 1", len(out))
	}
	parts := out[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text + image", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "what is in this image" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].Type != openai.ChatMessagePartTypeImageURL {
		t.Fatalf("image part = %+v", parts[1])
	}
	if got, want := parts[1].ImageURL.URL, "data:image/png;base64,AAAA"; got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}

func TestOpenAITools(t *testing.T) {
	specs := []models.ToolSpec{{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
	}}

	out := openAITools(specs)
	if len(out) != 1 {
		t.Fatalf("tools = %d, want 1", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction {
		t.Errorf("type = %v", out[0].Type)
	}
	fn := out[0].Function
	if fn.Name != "calculate" || fn.Description != "Evaluate an arithmetic expression" {
		t.Errorf("function = %+v", fn)
	}
	schema, ok := fn.Parameters.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("parameters = %+v", fn.Parameters)
	}
}

func TestMapOpenAIStop(t *testing.T) {
	cases := map[string]StopReason{
		"stop":           StopEndTurn,
		"length":         StopMaxTokens,
		"tool_calls":     StopToolUse,
		"function_call":  StopToolUse,
		"content_filter": StopEndTurn,
	}
	for reason, want := range cases {
		if got := mapOpenAIStop(reason); got != want {
			t.Errorf("mapOpenAIStop(%q) = %q, want %q", reason, got, want)
		}
	}
}

func TestRetryableOpenAIError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&openai.APIError{HTTPStatusCode: 429}, true},
		{&openai.APIError{HTTPStatusCode: 503}, true},
		{&openai.APIError{HTTPStatusCode: 400}, false},
		{errors.New("connection refused"), true},
		{errors.New("invalid api key"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := retryableOpenAIError(tc.err); got != tc.want {
			t.Errorf("retryableOpenAIError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
