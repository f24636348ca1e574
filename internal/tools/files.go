package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/security"
)

const maxFileReadBytes = 1 << 20

// FileTools exposes sandboxed filesystem access. Every path is resolved
// against the workspace base and checked by the path guard before any
// syscall touches it.
type FileTools struct {
	guard *security.PathGuard
	base  string
}

func NewFileTools(guard *security.PathGuard, workspace string) *FileTools {
	return &FileTools{guard: guard, base: workspace}
}

// check resolves path inside the sandbox, auditing refusals.
func (f *FileTools) check(tool, path string, write bool) (string, error) {
	resolved, err := f.guard.Check(f.base, path, write)
	if err != nil {
		var blocked *security.BlockedError
		if errors.As(err, &blocked) {
			audit.Default().Blocked(audit.EventBlockedPath, tool, map[string]any{
				"path":   path,
				"reason": blocked.Reason,
			})
		}
		return "", err
	}
	return resolved, nil
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"description=File path relative to the workspace"`
}

func (f *FileTools) ReadFile() Descriptor {
	return Descriptor{
		Name:        "read_file",
		Description: "Read a file from the workspace. Large files are truncated at 1 MiB.",
		InputSchema: SchemaFor(&readFileInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in readFileInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			if in.Path == "" {
				return nil, fmt.Errorf("path is required")
			}
			resolved, err := f.check("read_file", in.Path, false)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", in.Path, err)
			}
			if len(data) > maxFileReadBytes {
				data = data[:maxFileReadBytes]
				return TextResult(string(data) + "\n... [truncated at 1 MiB]"), nil
			}
			return TextResult(string(data)), nil
		},
	}
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the workspace"`
	Content string `json:"content" jsonschema:"description=Content to write"`
}

func (f *FileTools) WriteFile() Descriptor {
	return Descriptor{
		Name:        "write_file",
		Description: "Write a file inside the workspace, creating parent directories as needed.",
		InputSchema: SchemaFor(&writeFileInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in writeFileInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			if in.Path == "" {
				return nil, fmt.Errorf("path is required")
			}
			resolved, err := f.check("write_file", in.Path, true)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, fmt.Errorf("create directory for %s: %w", in.Path, err)
			}
			if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", in.Path, err)
			}
			return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)), nil
		},
	}
}

type fileEdit struct {
	Old string `json:"old" jsonschema:"description=Exact text to replace. Must occur in the file."`
	New string `json:"new" jsonschema:"description=Replacement text"`
	All bool   `json:"all,omitempty" jsonschema:"description=Replace every occurrence instead of the first"`
}

type editFileInput struct {
	Path  string     `json:"path" jsonschema:"description=File path relative to the workspace"`
	Edits []fileEdit `json:"edits" jsonschema:"description=Replacements applied in order"`
}

// EditFile applies find/replace edits in place. Edits apply in order against
// the running result, and an edit whose old text is absent fails the whole
// call before anything is written back.
func (f *FileTools) EditFile() Descriptor {
	return Descriptor{
		Name:        "edit_file",
		Description: "Apply find/replace edits to a workspace file. Each edit replaces the first occurrence unless all is set.",
		InputSchema: SchemaFor(&editFileInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in editFileInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			if in.Path == "" {
				return nil, fmt.Errorf("path is required")
			}
			if len(in.Edits) == 0 {
				return nil, fmt.Errorf("edits are required")
			}
			resolved, err := f.check("edit_file", in.Path, true)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", in.Path, err)
			}

			content := string(data)
			replaced := 0
			for i, edit := range in.Edits {
				if edit.Old == "" {
					return nil, fmt.Errorf("edits[%d]: old is required", i)
				}
				if !strings.Contains(content, edit.Old) {
					return &Result{
						Content: fmt.Sprintf("edits[%d]: text not found in %s, nothing changed", i, in.Path),
						IsError: true,
					}, nil
				}
				if edit.All {
					replaced += strings.Count(content, edit.Old)
					content = strings.ReplaceAll(content, edit.Old, edit.New)
				} else {
					content = strings.Replace(content, edit.Old, edit.New, 1)
					replaced++
				}
			}

			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", in.Path, err)
			}
			return TextResult(fmt.Sprintf("applied %d replacement(s) to %s", replaced, in.Path)), nil
		},
	}
}

type listDirInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory path relative to the workspace. Defaults to the workspace root."`
}

func (f *FileTools) ListDir() Descriptor {
	return Descriptor{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		InputSchema: SchemaFor(&listDirInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in listDirInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			path := in.Path
			if path == "" {
				path = "."
			}
			resolved, err := f.check("list_dir", path, false)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", path, err)
			}
			if len(entries) == 0 {
				return TextResult("(empty)"), nil
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", e.Name())
					continue
				}
				info, err := e.Info()
				if err != nil {
					fmt.Fprintf(&sb, "%s\n", e.Name())
					continue
				}
				fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name(), info.Size())
			}
			return TextResult(strings.TrimRight(sb.String(), "\n")), nil
		},
	}
}
