package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jarvislabs/jarvis/pkg/models"
)

func TestNewSessionID_Format(t *testing.T) {
	id := NewSessionID("dev-1")
	if !strings.HasPrefix(id, "dev-1-") {
		t.Fatalf("id %q does not start with agent id", id)
	}
	rest := strings.TrimPrefix(id, "dev-1-")
	parts := strings.Split(rest, "-")
	if len(parts) != 2 {
		t.Fatalf("id %q: want <agent>-<ms>-<hex>, got %d trailing parts", id, len(parts))
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		t.Errorf("timestamp part %q: %v", parts[0], err)
	}
	if len(parts[1]) != 8 {
		t.Errorf("suffix %q: want 8 hex chars", parts[1])
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		t.Errorf("suffix %q not hex: %v", parts[1], err)
	}
	if other := NewSessionID("dev-1"); other == id {
		t.Errorf("two ids collided: %q", id)
	}
}

func writeJournal(t *testing.T, dir string, messages int) string {
	t.Helper()
	path := filepath.Join(dir, "sess.jsonl")
	j, err := Create(path, "sess-1", "dev-1", "task-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < messages; i++ {
		role := models.ChatRoleUser
		if i%2 == 1 {
			role = models.ChatRoleAssistant
		}
		if err := j.AppendMessage(role, fmt.Sprintf("message-%02d", i), nil); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestJournal_CreateWritesMeta(t *testing.T) {
	path := writeJournal(t, t.TempDir(), 0)

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	meta := entries[0]
	if meta.Kind != models.EntryMeta {
		t.Fatalf("first entry kind = %q, want meta", meta.Kind)
	}
	if got := meta.Meta["sessionId"]; got != "sess-1" {
		t.Errorf("sessionId = %v", got)
	}
	if got := meta.Meta["agentId"]; got != "dev-1" {
		t.Errorf("agentId = %v", got)
	}
	if got := meta.Meta["taskId"]; got != "task-1" {
		t.Errorf("taskId = %v", got)
	}
	if _, ok := meta.Meta["startedAt"]; !ok {
		t.Errorf("startedAt missing from meta")
	}
	if meta.TS == 0 {
		t.Errorf("meta entry has zero timestamp")
	}
}

func TestJournal_CreateRefusesExisting(t *testing.T) {
	path := writeJournal(t, t.TempDir(), 0)
	if _, err := Create(path, "sess-2", "dev-1", ""); err == nil {
		t.Fatalf("Create over an existing journal succeeded")
	}
}

func TestJournal_AppendAndReopen(t *testing.T) {
	path := writeJournal(t, t.TempDir(), 2)

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.AppendToolCall("calculate", "tu-1", []byte(`{"expr":"2+2"}`)); err != nil {
		t.Fatalf("AppendToolCall: %v", err)
	}
	if err := j.AppendToolResult("tu-1", "4", false); err != nil {
		t.Fatalf("AppendToolResult: %v", err)
	}
	if err := j.AppendUsage(models.UsageEntry{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}); err != nil {
		t.Fatalf("AppendUsage: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.AppendMessage(models.ChatRoleUser, "late", nil); err == nil {
		t.Fatalf("append after Close succeeded")
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	kinds := make([]models.EntryKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	want := []models.EntryKind{
		models.EntryMeta, models.EntryMessage, models.EntryMessage,
		models.EntryToolCall, models.EntryToolResult, models.EntryUsage,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if tc := entries[3].ToolCall; tc == nil || tc.Name != "calculate" || tc.ToolUseID != "tu-1" {
		t.Errorf("tool_call entry = %+v", entries[3].ToolCall)
	}
	if tr := entries[4].ToolResult; tr == nil || tr.Content != "4" || tr.IsError {
		t.Errorf("tool_result entry = %+v", entries[4].ToolResult)
	}
	if u := entries[5].Usage; u == nil || u.TotalTokens != 15 {
		t.Errorf("usage entry = %+v", entries[5].Usage)
	}
}

func TestReadEntries_SkipsMalformedLines(t *testing.T) {
	path := writeJournal(t, t.TempDir(), 2)

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"ts":123,"kind":"mess`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 well-formed entries, got %d", len(entries))
	}
}

func TestRestore_SyntheticToolResults(t *testing.T) {
	entries := []models.SessionEntry{
		{TS: 1, Kind: models.EntryMeta, Meta: map[string]any{"sessionId": "s"}},
		{TS: 2, Kind: models.EntryMessage, Message: &models.MessageEntry{Role: models.ChatRoleUser, Content: "add the numbers"}},
		{TS: 3, Kind: models.EntryMessage, Message: &models.MessageEntry{Role: models.ChatRoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock("working on it"),
			models.ToolUseBlock("tu-1", "calculate", []byte(`{"expr":"2+2"}`)),
			models.ToolUseBlock("tu-2", "calculate", []byte(`{"expr":"3+3"}`)),
		}}},
		{TS: 4, Kind: models.EntryToolResult, ToolResult: &models.ToolResultEntry{ToolUseID: "tu-1", Content: "4"}},
		// tu-2 has no result: the process died before the tool finished.
		{TS: 5, Kind: models.EntryMessage, Message: &models.MessageEntry{Role: models.ChatRoleUser, Content: "thanks"}},
	}

	msgs := RestoreEntries(entries)
	if len(msgs) != 4 {
		t.Fatalf("want 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != models.ChatRoleUser || msgs[0].Content != "add the numbers" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].Role != models.ChatRoleAssistant || len(msgs[1].Blocks) != 3 {
		t.Errorf("msg[1] = %+v", msgs[1])
	}

	synth := msgs[2]
	if synth.Role != models.ChatRoleUser {
		t.Fatalf("synthetic message role = %q", synth.Role)
	}
	if len(synth.Blocks) != 2 {
		t.Fatalf("synthetic message blocks = %d, want 2", len(synth.Blocks))
	}
	first := synth.Blocks[0]
	if first.Type != models.BlockToolResult || first.ToolUseID != "tu-1" || first.IsError {
		t.Errorf("first result block = %+v", first)
	}
	if got := models.FlattenText(first.Content); got != "4" {
		t.Errorf("first result text = %q", got)
	}
	second := synth.Blocks[1]
	if second.ToolUseID != "tu-2" || !second.IsError {
		t.Errorf("second result block = %+v", second)
	}
	if got := models.FlattenText(second.Content); got != missingResultText {
		t.Errorf("second result text = %q, want %q", got, missingResultText)
	}

	if msgs[3].Content != "thanks" {
		t.Errorf("msg[3] = %+v", msgs[3])
	}
}

func TestRestore_ResultBeforeUseDoesNotMatch(t *testing.T) {
	entries := []models.SessionEntry{
		{TS: 1, Kind: models.EntryToolResult, ToolResult: &models.ToolResultEntry{ToolUseID: "tu-9", Content: "stale"}},
		{TS: 2, Kind: models.EntryMessage, Message: &models.MessageEntry{Role: models.ChatRoleAssistant, Blocks: []models.ContentBlock{
			models.ToolUseBlock("tu-9", "calculate", nil),
		}}},
	}
	msgs := RestoreEntries(entries)
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	block := msgs[1].Blocks[0]
	if !block.IsError || models.FlattenText(block.Content) != missingResultText {
		t.Errorf("result recorded before the tool_use matched: %+v", block)
	}
}

func TestRestore_SummaryMetaBecomesUserMessage(t *testing.T) {
	entries := []models.SessionEntry{
		{TS: 1, Kind: models.EntryMeta, Meta: map[string]any{"sessionId": "s"}},
		{TS: 2, Kind: models.EntryMeta, Meta: map[string]any{"summary": "[user]: hi\n[assistant]: hello"}},
		{TS: 3, Kind: models.EntryMessage, Message: &models.MessageEntry{Role: models.ChatRoleUser, Content: "continue"}},
	}
	msgs := RestoreEntries(entries)
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.ChatRoleUser || !strings.Contains(msgs[0].Content, "[assistant]: hello") {
		t.Errorf("summary message = %+v", msgs[0])
	}
	if msgs[1].Content != "continue" {
		t.Errorf("msg[1] = %+v", msgs[1])
	}
}

func TestJournal_CompactLiveAppendsLandInNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess.jsonl")
	j, err := Create(path, "sess-1", "dev-1", "task-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer j.Close()
	for i := 0; i < 25; i++ {
		if err := j.AppendMessage(models.ChatRoleUser, fmt.Sprintf("message-%02d", i), nil); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	compacted, err := j.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !compacted {
		t.Fatalf("Compact skipped a journal over the threshold")
	}
	if err := j.AppendMessage(models.ChatRoleAssistant, "after-compact", nil); err != nil {
		t.Fatalf("AppendMessage after compact: %v", err)
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Kind != models.EntryMessage || last.Message.Content != "after-compact" {
		t.Errorf("post-compaction append missing from the rewritten file, last = %+v", last)
	}
}

func TestCompact_BelowThresholdNoop(t *testing.T) {
	path := writeJournal(t, t.TempDir(), 20)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	compacted, err := Compact(path)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if compacted {
		t.Fatalf("Compact rewrote a journal at the threshold")
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Errorf("file changed by a noop compaction")
	}
}

func TestCompact_RewritesPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeJournal(t, dir, 25)

	compacted, err := Compact(path)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !compacted {
		t.Fatalf("Compact skipped a journal over the threshold")
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if entries[0].Kind != models.EntryMeta || entries[0].Meta["sessionId"] != "sess-1" {
		t.Fatalf("original meta not preserved: %+v", entries[0])
	}
	if entries[1].Kind != models.EntryMeta {
		t.Fatalf("second entry kind = %q, want meta", entries[1].Kind)
	}
	if got, _ := entries[1].Meta["compacted"].(float64); got != 10 {
		t.Errorf("compacted = %v, want 10", entries[1].Meta["compacted"])
	}
	summary, _ := entries[1].Meta["summary"].(string)
	lines := strings.Split(summary, "\n")
	if len(lines) != 10 {
		t.Fatalf("summary has %d lines, want 10:\n%s", len(lines), summary)
	}
	if lines[0] != "[user]: message-00" {
		t.Errorf("first summary line = %q", lines[0])
	}
	if lines[9] != "[assistant]: message-09" {
		t.Errorf("last summary line = %q", lines[9])
	}

	var kept []string
	for _, e := range entries {
		if e.Kind == models.EntryMessage {
			kept = append(kept, e.Message.Content)
		}
	}
	if len(kept) != 15 {
		t.Fatalf("kept %d messages, want 15", len(kept))
	}
	if kept[0] != "message-10" || kept[14] != "message-24" {
		t.Errorf("kept range = %q..%q", kept[0], kept[14])
	}

	// The temp sibling must not survive the rename.
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("stray files left in %s: %v", dir, names)
	}
}

func TestCompact_TruncatesLongMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	j, err := Create(path, "sess-1", "dev-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	long := strings.Repeat("x", 300)
	if err := j.AppendMessage(models.ChatRoleUser, long, nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	for i := 0; i < 24; i++ {
		if err := j.AppendMessage(models.ChatRoleAssistant, "short", nil); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	j.Close()

	if _, err := Compact(path); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	summary, _ := entries[1].Meta["summary"].(string)
	first := strings.SplitN(summary, "\n", 2)[0]
	want := "[user]: " + strings.Repeat("x", 200)
	if first != want {
		t.Errorf("long message not truncated to 200 chars: %d chars", len(first))
	}
}

func TestCompact_FoldsPriorSummary(t *testing.T) {
	dir := t.TempDir()
	path := writeJournal(t, dir, 25)
	if _, err := Compact(path); err != nil {
		t.Fatalf("first Compact: %v", err)
	}

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := j.AppendMessage(models.ChatRoleUser, fmt.Sprintf("extra-%02d", i), nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	j.Close()

	compacted, err := Compact(path)
	if err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	if !compacted {
		t.Fatalf("second Compact skipped")
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	summary, _ := entries[1].Meta["summary"].(string)
	if !strings.Contains(summary, "[user]: message-00") {
		t.Errorf("prior summary lost:\n%s", summary)
	}
	if !strings.Contains(summary, "[user]: message-10") {
		t.Errorf("newly dropped messages missing:\n%s", summary)
	}
	count := 0
	for _, e := range entries {
		if e.Kind == models.EntryMessage {
			count++
		}
	}
	if count != 15 {
		t.Errorf("kept %d messages after second compaction, want 15", count)
	}
}

func TestCompact_RetainedTailBytesUnchanged(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("lines from the cut on survive byte for byte", prop.ForAll(
		func(tail []string) bool {
			path := filepath.Join(t.TempDir(), "sess.jsonl")
			j, err := Create(path, "sess-1", "dev-1", "task-1")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			write := func(i int, content string) {
				role := models.ChatRoleUser
				if i%2 == 1 {
					role = models.ChatRoleAssistant
				}
				if err := j.AppendMessage(role, content, nil); err != nil {
					t.Fatalf("AppendMessage: %v", err)
				}
				if i%3 == 2 {
					id := fmt.Sprintf("tu-%d", i)
					if err := j.AppendToolCall("shell_exec", id, json.RawMessage(`{"cmd":"status"}`)); err != nil {
						t.Fatalf("AppendToolCall: %v", err)
					}
					if err := j.AppendToolResult(id, "ok", false); err != nil {
						t.Fatalf("AppendToolResult: %v", err)
					}
				}
			}
			for i := 0; i < compactThreshold+1; i++ {
				write(i, fmt.Sprintf("pad-%02d", i))
			}
			for i, content := range tail {
				write(compactThreshold+1+i, content)
			}
			if err := j.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			messageCount := compactThreshold + 1 + len(tail)
			drop := messageCount - compactKeep

			before := readRawLines(t, path)
			cutLine := -1
			seen := 0
			for i, line := range before {
				var e models.SessionEntry
				if err := json.Unmarshal([]byte(line), &e); err != nil {
					t.Fatalf("line %d: %v", i, err)
				}
				if e.Kind != models.EntryMessage {
					continue
				}
				seen++
				if seen > drop {
					cutLine = i
					break
				}
			}
			if cutLine < 0 {
				t.Fatal("no cut line in generated journal")
			}

			compacted, err := Compact(path)
			if err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if !compacted {
				return false
			}

			// Rewritten file: original meta, summary meta, then the tail.
			after := readRawLines(t, path)
			wantTail := before[cutLine:]
			gotTail := after[2:]
			if len(gotTail) != len(wantTail) {
				return false
			}
			for i := range wantTail {
				if gotTail[i] != wantTail[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func readRawLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}
