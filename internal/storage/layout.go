// Package storage manages the hierarchical directory tree on shared
// storage: canonical paths for session journals, workspaces, knowledge,
// logs, and the rest of the fabric's durable files.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FallbackDirName is created under the working directory when the preferred
// base is unreachable.
const FallbackDirName = "jarvis-data"

// Categories are the top-level directories of the tree.
var Categories = []string{
	"sessions",
	"workspace/projects",
	"workspace/artifacts",
	"knowledge",
	"logs",
	"media",
	"config",
	"channels",
	"chat",
	"cron-jobs",
	"workflows",
	"workflow-runs",
	"timelines",
	"plugins",
	"skills",
	"metrics",
	"plans",
}

// Layout is an opened storage tree. Fallback is set when the preferred base
// was unreachable and a local directory is in use instead.
type Layout struct {
	Base     string
	Fallback bool

	realBase string
	logger   *slog.Logger
}

// Open prepares the tree under base, falling back to ./jarvis-data when the
// preferred base cannot be created or written.
func Open(base string) (*Layout, error) {
	logger := slog.Default().With("component", "storage")

	l, err := open(base, false, logger)
	if err == nil {
		return l, nil
	}
	logger.Warn("storage base unreachable, using local fallback", "base", base, "error", err)

	wd, wdErr := os.Getwd()
	if wdErr != nil {
		return nil, fmt.Errorf("storage base %s unreachable and no working directory: %w", base, wdErr)
	}
	l, fbErr := open(filepath.Join(wd, FallbackDirName), true, logger)
	if fbErr != nil {
		return nil, fmt.Errorf("storage fallback failed: %w", fbErr)
	}
	return l, nil
}

func open(base string, fallback bool, logger *slog.Logger) (*Layout, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base %s: %w", abs, err)
	}

	// Probe writability before committing to the tree.
	probe := filepath.Join(abs, ".jarvis-probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return nil, fmt.Errorf("base %s not writable: %w", abs, err)
	}
	_ = os.Remove(probe)

	realBase, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("realpath of base %s: %w", abs, err)
	}

	l := &Layout{Base: abs, Fallback: fallback, realBase: realBase, logger: logger}
	for _, c := range Categories {
		if err := os.MkdirAll(filepath.Join(abs, filepath.FromSlash(c)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", c, err)
		}
	}
	return l, nil
}

// Resolve joins parts under the base and rejects any path whose post-symlink
// real path escapes it.
func (l *Layout) Resolve(parts ...string) (string, error) {
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("empty path segment")
		}
	}
	joined := filepath.Join(append([]string{l.Base}, parts...)...)
	joined = filepath.Clean(joined)

	real, err := realpathNearest(joined)
	if err != nil {
		return "", fmt.Errorf("realpath %s: %w", joined, err)
	}
	if real != l.realBase && !strings.HasPrefix(real, l.realBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes storage base", joined)
	}
	return joined, nil
}

// Dir resolves and creates a directory under the base.
func (l *Layout) Dir(parts ...string) (string, error) {
	p, err := l.Resolve(parts...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return p, nil
}

// SessionsDir is the journal directory for one agent.
func (l *Layout) SessionsDir(agentID string) (string, error) {
	return l.Dir("sessions", agentID)
}

// SessionFile is the canonical journal path for one session.
func (l *Layout) SessionFile(agentID, sessionID string) (string, error) {
	dir, err := l.SessionsDir(agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID+".jsonl"), nil
}

// ChannelDir is the directory for one channel's durable files.
func (l *Layout) ChannelDir(channel string) (string, error) {
	return l.Dir("channels", channel)
}

// CronJobsDir holds cron job specs.
func (l *Layout) CronJobsDir() (string, error) {
	return l.Dir("cron-jobs")
}

// SkillsDir holds prompt-section skill files.
func (l *Layout) SkillsDir() (string, error) {
	return l.Dir("skills")
}

// LogsDir holds audit and service logs.
func (l *Layout) LogsDir() (string, error) {
	return l.Dir("logs")
}

// KnowledgeDB is the knowledge store database path.
func (l *Layout) KnowledgeDB() (string, error) {
	dir, err := l.Dir("knowledge")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "knowledge.db"), nil
}

// WorkspaceDir is the projects workspace for agents on this mount.
func (l *Layout) WorkspaceDir() (string, error) {
	return l.Dir("workspace", "projects")
}

// ArtifactsDir holds task artifacts.
func (l *Layout) ArtifactsDir() (string, error) {
	return l.Dir("workspace", "artifacts")
}

// realpathNearest resolves symlinks for the deepest existing ancestor of p
// and rejoins the non-existent remainder, so paths that are about to be
// created can still be checked.
func realpathNearest(p string) (string, error) {
	remainder := []string{}
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(remainder) - 1; i >= 0; i-- {
				real = filepath.Join(real, remainder[i])
			}
			return real, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		remainder = append(remainder, filepath.Base(cur))
		cur = parent
	}
}
