package session

import (
	"github.com/jarvislabs/jarvis/pkg/models"
)

const missingResultText = "(result not found)"

// locatedResult pairs a tool_result entry with its position in the
// journal, so matching can require the result to follow its tool_use.
type locatedResult struct {
	result *models.ToolResultEntry
	index  int
}

// Restore rebuilds the chat history from a journal file so a new
// process can continue the conversation. See RestoreEntries for the
// reconstruction rules.
func Restore(path string) ([]models.ChatMessage, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	return RestoreEntries(entries), nil
}

// RestoreEntries converts journal entries into provider-ready chat
// messages. Message entries carry over directly. An assistant message
// containing tool_use blocks is followed by a synthetic user message
// holding one tool_result block per tool_use, in block order, matched
// by tool_use_id against tool_result entries recorded later in the
// journal. A tool_use with no recorded result (the process died before
// the tool finished) gets "(result not found)" with is_error set, which
// providers accept where a dangling tool_use would be rejected.
// Compaction summaries recorded as meta entries become a user message
// so summarized context survives the restart.
func RestoreEntries(entries []models.SessionEntry) []models.ChatMessage {
	results := make(map[string]locatedResult)
	for i, e := range entries {
		if e.Kind != models.EntryToolResult || e.ToolResult == nil || e.ToolResult.ToolUseID == "" {
			continue
		}
		if _, ok := results[e.ToolResult.ToolUseID]; ok {
			continue
		}
		results[e.ToolResult.ToolUseID] = locatedResult{result: e.ToolResult, index: i}
	}

	var messages []models.ChatMessage
	for i, e := range entries {
		switch e.Kind {
		case models.EntryMeta:
			summary, ok := e.Meta["summary"].(string)
			if !ok || summary == "" {
				continue
			}
			messages = append(messages, models.ChatMessage{
				Role:    models.ChatRoleUser,
				Content: "Summary of the conversation so far:\n" + summary,
			})
		case models.EntryMessage:
			if e.Message == nil {
				continue
			}
			msg := models.ChatMessage{
				Role:    e.Message.Role,
				Content: e.Message.Content,
				Blocks:  e.Message.Blocks,
			}
			messages = append(messages, msg)
			if msg.Role != models.ChatRoleAssistant {
				continue
			}
			uses := msg.ToolUses()
			if len(uses) == 0 {
				continue
			}
			blocks := make([]models.ContentBlock, 0, len(uses))
			for _, use := range uses {
				blocks = append(blocks, resultBlockFor(use.ID, results[use.ID], i))
			}
			messages = append(messages, models.ChatMessage{Role: models.ChatRoleUser, Blocks: blocks})
		}
	}
	return messages
}

func resultBlockFor(toolUseID string, loc locatedResult, afterIndex int) models.ContentBlock {
	// Only a result recorded after the assistant turn counts; an
	// earlier entry with the same id belongs to a different turn.
	if loc.result == nil || loc.index <= afterIndex {
		return models.ToolResultBlock(toolUseID, missingResultText, true)
	}
	block := models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: toolUseID,
		IsError:   loc.result.IsError,
	}
	switch {
	case len(loc.result.Blocks) > 0:
		block.Content = loc.result.Blocks
	case loc.result.Content != "":
		block.Content = []models.ContentBlock{models.TextBlock(loc.result.Content)}
	}
	return block
}
