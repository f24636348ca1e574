package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/security"
)

const maxShellOutputBytes = 64 << 10

type shellExecInput struct {
	Command string   `json:"command" jsonschema:"description=Executable name. Must be on the configured allow-list."`
	Args    []string `json:"args,omitempty" jsonschema:"description=Arguments passed verbatim, one per element"`
	Dir     string   `json:"dir,omitempty" jsonschema:"description=Working directory relative to the workspace"`
}

// ShellExec runs an allow-listed executable with structured arguments. No
// shell sits between the input and exec: the command must match the
// allow-list exactly and arguments carrying shell metacharacters are refused.
func ShellExec(allowed []string, guard *security.PathGuard, workspace string) Descriptor {
	return Descriptor{
		Name:        "shell_exec",
		Description: "Run an allow-listed command with plain arguments. No shell interpretation.",
		InputSchema: SchemaFor(&shellExecInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in shellExecInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			if len(allowed) == 0 {
				return nil, fmt.Errorf("shell execution is disabled: no commands are allow-listed")
			}
			if err := security.ValidateEnumArg("command", in.Command, allowed); err != nil {
				auditBlockedCommand(in.Command, err)
				return nil, err
			}
			for i, arg := range in.Args {
				if err := security.ValidateFreeArg(fmt.Sprintf("args[%d]", i), arg); err != nil {
					auditBlockedCommand(in.Command, err)
					return nil, err
				}
			}

			dir := workspace
			if in.Dir != "" {
				resolved, err := guard.Check(workspace, in.Dir, false)
				if err != nil {
					var blocked *security.BlockedError
					if errors.As(err, &blocked) {
						audit.Default().Blocked(audit.EventBlockedPath, "shell_exec", map[string]any{
							"path":   in.Dir,
							"reason": blocked.Reason,
						})
					}
					return nil, err
				}
				dir = resolved
			}

			cmd := exec.CommandContext(ctx, in.Command, in.Args...)
			cmd.Dir = dir
			out, err := cmd.CombinedOutput()
			text := string(out)
			if len(text) > maxShellOutputBytes {
				text = text[:maxShellOutputBytes] + "\n... [output truncated]"
			}
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return &Result{
						Content: strings.TrimRight(text, "\n") + fmt.Sprintf("\n(%v)", exitErr),
						IsError: true,
					}, nil
				}
				return nil, fmt.Errorf("run %s: %w", in.Command, err)
			}
			if text == "" {
				text = "(no output)"
			}
			return TextResult(text), nil
		},
	}
}

func auditBlockedCommand(command string, err error) {
	var blocked *security.BlockedError
	if !errors.As(err, &blocked) {
		return
	}
	audit.Default().Blocked(audit.EventBlockedCommand, "shell_exec", map[string]any{
		"command": command,
		"reason":  blocked.Reason,
	})
}
