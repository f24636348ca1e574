// Package hooks provides the named extension points plugins subscribe to
// during the agent lifecycle.
package hooks

import (
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Hook identifies an extension point in the agent lifecycle.
type Hook string

const (
	// Runtime lifecycle
	AgentStart Hook = "agent_start"
	AgentEnd   Hook = "agent_end"

	// Session lifecycle
	SessionStart Hook = "session_start"
	SessionEnd   Hook = "session_end"

	// Task lifecycle
	TaskAssigned  Hook = "task_assigned"
	TaskCompleted Hook = "task_completed"
	TaskFailed    Hook = "task_failed"

	// Reasoning loop
	BeforeToolCall  Hook = "before_tool_call"
	AfterToolCall   Hook = "after_tool_call"
	LLMOutput       Hook = "llm_output"
	MessageReceived Hook = "message_received"
)

// Event is the payload delivered to hook handlers. SessionID, AgentID and
// Config form the loop context; the remaining fields are set per hook.
type Event struct {
	Hook      Hook      `json:"hook"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Config is the agent configuration, opaque to this package.
	Config any `json:"-"`

	// Task is set for task_* hooks.
	Task *models.Task `json:"task,omitempty"`

	// ToolName and ToolCallID are set for before/after_tool_call.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Message is set for message_received.
	Message *models.AgentMessage `json:"message,omitempty"`

	// Output is the assistant text for llm_output.
	Output string `json:"output,omitempty"`

	// Data holds any further hook-specific values.
	Data map[string]any `json:"data,omitempty"`

	// Err is set for failure hooks.
	Err      error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// NewEvent creates an event for hook with the loop context filled in.
func NewEvent(hook Hook, sessionID, agentID string) *Event {
	return &Event{
		Hook:      hook,
		SessionID: sessionID,
		AgentID:   agentID,
		Timestamp: time.Now(),
	}
}

// WithTask sets the task payload.
func (e *Event) WithTask(task *models.Task) *Event {
	e.Task = task
	return e
}

// WithTool sets the tool payload.
func (e *Event) WithTool(name, callID string) *Event {
	e.ToolName = name
	e.ToolCallID = callID
	return e
}

// WithMessage sets the inter-agent message payload.
func (e *Event) WithMessage(msg *models.AgentMessage) *Event {
	e.Message = msg
	return e
}

// WithOutput sets the assistant output payload.
func (e *Event) WithOutput(text string) *Event {
	e.Output = text
	return e
}

// WithData adds a hook-specific value.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithError sets the failure payload.
func (e *Event) WithError(err error) *Event {
	e.Err = err
	if err != nil {
		e.ErrorMsg = err.Error()
	}
	return e
}
