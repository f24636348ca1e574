package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Manager loads skills from one directory and reloads them when files
// change. A broken skill file is logged and skipped, never fatal.
type Manager struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	skills map[string]*Skill

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(dir string) *Manager {
	return &Manager{
		dir:      dir,
		logger:   slog.Default().With("component", "skills"),
		debounce: defaultWatchDebounce,
		skills:   make(map[string]*Skill),
	}
}

// Load scans the directory and replaces the loaded set. A missing
// directory loads an empty set.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.skills = make(map[string]*Skill)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		skill, err := ParseFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("skipping skill file", "file", name, "error", err)
			continue
		}
		if prev, dup := loaded[skill.Name]; dup {
			m.logger.Warn("duplicate skill name", "name", skill.Name, "kept", prev.Path, "ignored", skill.Path)
			continue
		}
		loaded[skill.Name] = skill
	}

	m.mu.Lock()
	m.skills = loaded
	m.mu.Unlock()
	m.logger.Debug("skills loaded", "count", len(loaded))
	return nil
}

// Skills returns every loaded skill, highest priority first, ties by name.
func (m *Manager) Skills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	sortSkills(out)
	return out
}

// ForRole returns the skills active for a role, highest priority first.
func (m *Manager) ForRole(role string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		if s.AppliesTo(role) {
			out = append(out, s)
		}
	}
	sortSkills(out)
	return out
}

func sortSkills(list []*Skill) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].Name < list[j].Name
	})
}

// StartWatching reloads the skill set after directory changes settle.
// Calling it twice is a no-op.
func (m *Manager) StartWatching(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start skills watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.cancel = cancel

	m.wg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher, if any.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Load(); err != nil {
				m.logger.Warn("skill reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}
