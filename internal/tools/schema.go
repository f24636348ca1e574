package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON Schema from a tool's input struct.
// Schemas are inlined (no $ref) because LLM APIs reject referenced
// definitions. Descriptions come from jsonschema struct tags.
func SchemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic("tools: reflect input schema: " + err.Error())
	}
	return data
}
