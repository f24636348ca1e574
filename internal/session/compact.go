package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

const (
	// compactThreshold is the message count above which a journal is
	// compacted; compactKeep messages survive verbatim.
	compactThreshold = 20
	compactKeep      = 15
	summaryCharLimit = 200
)

// Compact rewrites a journal holding more than compactThreshold message
// entries: the last compactKeep messages (with their interleaved tool
// and usage entries) are kept verbatim, and everything before them is
// replaced by a single meta entry summarizing each dropped message as
// "[<role>]: <first 200 chars>". Summaries from earlier compactions are
// folded into the new one. The original leading meta entry is kept.
//
// The rewrite goes through a temp sibling and os.Rename, so a crash
// leaves either the old or the new file, never a partial one. The
// journal must not be open for appending: a held descriptor would keep
// writing to the replaced inode. Live journals compact through
// (*Journal).Compact, which cycles the descriptor around the rename.
func Compact(path string) (bool, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return false, err
	}

	messageCount := 0
	for _, e := range entries {
		if e.Kind == models.EntryMessage {
			messageCount++
		}
	}
	if messageCount <= compactThreshold {
		return false, nil
	}

	// cut is the index of the first retained entry: the message entry
	// with compactKeep-1 messages after it.
	drop := messageCount - compactKeep
	cut := len(entries)
	seen := 0
	for i, e := range entries {
		if e.Kind != models.EntryMessage {
			continue
		}
		seen++
		if seen > drop {
			cut = i
			break
		}
	}

	var lines []string
	for _, e := range entries[:cut] {
		switch {
		case e.Kind == models.EntryMeta:
			if s, ok := e.Meta["summary"].(string); ok && s != "" {
				lines = append(lines, s)
			}
		case e.Kind == models.EntryMessage && e.Message != nil:
			msg := models.ChatMessage{
				Role:    e.Message.Role,
				Content: e.Message.Content,
				Blocks:  e.Message.Blocks,
			}
			lines = append(lines, fmt.Sprintf("[%s]: %s", e.Message.Role, truncateRunes(msg.PlainText(), summaryCharLimit)))
		}
	}

	out := make([]models.SessionEntry, 0, len(entries)-cut+2)
	if len(entries) > 0 && entries[0].Kind == models.EntryMeta && cut > 0 {
		out = append(out, entries[0])
	}
	out = append(out, models.SessionEntry{
		TS:   time.Now().UnixMilli(),
		Kind: models.EntryMeta,
		Meta: map[string]any{
			"summary":   strings.Join(lines, "\n"),
			"compacted": drop,
		},
	})
	out = append(out, entries[cut:]...)

	if err := writeAtomic(path, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(path string, entries []models.SessionEntry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".compact-*")
	if err != nil {
		return fmt.Errorf("compact session: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("compact session: encode entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("compact session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compact session: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("compact session: %w", err)
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
