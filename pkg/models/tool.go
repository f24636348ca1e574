package models

import "encoding/json"

// ToolSpec is the provider-facing description of a callable tool: what the
// model sees, independent of how the runtime executes it.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
