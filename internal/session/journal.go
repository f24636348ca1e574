// Package session persists agent conversations as append-only JSONL
// journals, one file per session. A journal survives crashes at any
// point: restore tolerates a truncated final line, and compaction
// replaces a file only through an atomic rename.
package session

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// maxLineBytes bounds a single journal line. Tool results carrying
// large payloads must fit or the line is skipped on read.
const maxLineBytes = 10 * 1024 * 1024

// NewSessionID returns "<agentID>-<unixms>-<hex>" with 4 random bytes
// of suffix, unique across restarts without coordination.
func NewSessionID(agentID string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform entropy source is
		// broken; fall back to the timestamp alone.
		return fmt.Sprintf("%s-%d-0000", agentID, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s-%d-%s", agentID, time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// Journal appends entries to one session file. All writes go through a
// single mutex so concurrent appenders cannot interleave partial lines.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File

	now func() time.Time
}

// Create starts a new journal at path and writes the leading meta
// entry. The parent directory must already exist. taskID may be empty
// for sessions not bound to a task.
func Create(path, sessionID, agentID, taskID string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create session journal: %w", err)
	}
	j := &Journal{path: path, file: f, now: time.Now}
	meta := map[string]any{
		"sessionId": sessionID,
		"agentId":   agentID,
		"startedAt": j.now().UnixMilli(),
	}
	if taskID != "" {
		meta["taskId"] = taskID
	}
	if err := j.append(models.SessionEntry{Kind: models.EntryMeta, Meta: meta}); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return j, nil
}

// Open reopens an existing journal for appending, used when an agent
// resumes a session after a restart.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	return &Journal{path: path, file: f, now: time.Now}, nil
}

// Path returns the journal's file path.
func (j *Journal) Path() string { return j.path }

// Close flushes nothing (writes are unbuffered) and releases the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Append writes one entry, stamping its timestamp.
func (j *Journal) Append(entry models.SessionEntry) error {
	return j.append(entry)
}

// AppendMessage records one chat turn.
func (j *Journal) AppendMessage(role models.ChatRole, content string, blocks []models.ContentBlock) error {
	return j.append(models.SessionEntry{
		Kind:    models.EntryMessage,
		Message: &models.MessageEntry{Role: role, Content: content, Blocks: blocks},
	})
}

// AppendToolCall records the model requesting a tool invocation.
func (j *Journal) AppendToolCall(name, toolUseID string, input json.RawMessage) error {
	return j.append(models.SessionEntry{
		Kind:     models.EntryToolCall,
		ToolCall: &models.ToolCallEntry{Name: name, ToolUseID: toolUseID, Input: input},
	})
}

// AppendToolResult records a tool's output for a prior call.
func (j *Journal) AppendToolResult(toolUseID, content string, isError bool) error {
	return j.append(models.SessionEntry{
		Kind:       models.EntryToolResult,
		ToolResult: &models.ToolResultEntry{ToolUseID: toolUseID, Content: content, IsError: isError},
	})
}

// AppendUsage records token consumption for one model response.
func (j *Journal) AppendUsage(usage models.UsageEntry) error {
	u := usage
	return j.append(models.SessionEntry{Kind: models.EntryUsage, Usage: &u})
}

// Compact rewrites the journal in place when it has outgrown the
// message threshold. The held descriptor is closed around the rename
// and reopened on the new file so later appends land in the rewritten
// journal, not the replaced inode.
func (j *Journal) Compact() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return false, fmt.Errorf("session journal %s is closed", j.path)
	}
	if err := j.file.Close(); err != nil {
		j.file = nil
		return false, fmt.Errorf("compact session: close: %w", err)
	}
	j.file = nil

	compacted, err := Compact(j.path)

	f, openErr := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if openErr != nil {
		if err != nil {
			return compacted, err
		}
		return compacted, fmt.Errorf("compact session: reopen: %w", openErr)
	}
	j.file = f
	return compacted, err
}

func (j *Journal) append(entry models.SessionEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("session journal %s is closed", j.path)
	}
	if entry.TS == 0 {
		entry.TS = j.now().UnixMilli()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode session entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("append session entry: %w", err)
	}
	return nil
}

// ReadEntries loads every well-formed entry from a journal file.
// Malformed lines, typically a final line truncated by a crash, are
// skipped rather than failing the whole read.
func ReadEntries(path string) ([]models.SessionEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read session journal: %w", err)
	}
	defer f.Close()

	var entries []models.SessionEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.SessionEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Kind == "" {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan session journal: %w", err)
	}
	return entries, nil
}
