package providers

import "strings"

// pendingToolCall is a tool invocation under assembly. The argument JSON
// arrives as string fragments spread across chunks.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// AssembledCall is a completed tool invocation with its full argument JSON.
type AssembledCall struct {
	ID   string
	Name string
	Args string
}

// toolCallAssembler re-keys OpenAI-style tool call deltas by index. The
// wire format interleaves fragments of several parallel calls, each tagged
// with an index; id and name arrive on the first fragment for an index and
// argument JSON accumulates across the rest.
type toolCallAssembler struct {
	order   []int
	pending map[int]*pendingToolCall
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{pending: make(map[int]*pendingToolCall)}
}

// observe folds one delta into the assembler and returns the canonical
// chunks it produces: a tool_use_start the first time an index carries both
// id and name, and a tool_use_delta for each argument fragment.
func (a *toolCallAssembler) observe(index int, id, name, argsDelta string) []ChatChunk {
	call, ok := a.pending[index]
	if !ok {
		call = &pendingToolCall{}
		a.pending[index] = call
		a.order = append(a.order, index)
	}

	var out []ChatChunk
	announced := call.id != "" && call.name != ""
	if id != "" {
		call.id = id
	}
	if name != "" {
		call.name = name
	}
	if !announced && call.id != "" && call.name != "" {
		out = append(out, ChatChunk{Type: ChunkToolUseStart, ToolUseID: call.id, ToolName: call.name})
	}
	if argsDelta != "" {
		call.args.WriteString(argsDelta)
		out = append(out, ChatChunk{Type: ChunkToolUseDelta, ToolUseID: call.id, ToolName: call.name, ArgsDelta: argsDelta})
	}
	return out
}

// finish returns every assembled call in first-seen order and resets the
// assembler. Fragments that never produced an id and name are dropped.
func (a *toolCallAssembler) finish() []AssembledCall {
	var calls []AssembledCall
	for _, index := range a.order {
		call := a.pending[index]
		if call.id == "" || call.name == "" {
			continue
		}
		calls = append(calls, AssembledCall{ID: call.id, Name: call.name, Args: call.args.String()})
	}
	a.order = nil
	a.pending = make(map[int]*pendingToolCall)
	return calls
}

// empty reports whether nothing is under assembly.
func (a *toolCallAssembler) empty() bool {
	return len(a.pending) == 0
}
