// Package cron schedules recurring fabric tasks. Job specs live as JSON
// files in the cron-jobs directory so operators can manage them with an
// editor; the hub's cron.* methods edit the same files through the Store.
package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Spec is one persisted cron job.
type Spec struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Schedule ScheduleSpec `json:"schedule"`
	Task     TaskSpec     `json:"task"`
	Enabled  bool         `json:"enabled"`
}

// ScheduleSpec is the on-disk schedule: exactly one of Cron, Every or At.
type ScheduleSpec struct {
	Cron     string `json:"cron,omitempty"`
	Every    string `json:"every,omitempty"` // Go duration, e.g. "15m"
	At       string `json:"at,omitempty"`    // RFC3339 or "2006-01-02 15:04"
	Timezone string `json:"timezone,omitempty"`
}

// TaskSpec is the task a job creates on each run.
type TaskSpec struct {
	Title                string              `json:"title"`
	Description          string              `json:"description,omitempty"`
	Priority             models.TaskPriority `json:"priority,omitempty"`
	RequiredCapabilities []string            `json:"requiredCapabilities,omitempty"`
}

// Validate checks everything except the schedule, which ParseSchedule
// owns.
func (s Spec) Validate() error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	if strings.TrimSpace(s.Task.Title) == "" {
		return fmt.Errorf("job %s: task title is required", s.ID)
	}
	switch s.Task.Priority {
	case "", models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
	default:
		return fmt.Errorf("job %s: unknown priority %q", s.ID, s.Task.Priority)
	}
	return nil
}

// validateID keeps ids safe to use as file names.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("job id %q: only letters, digits, - and _ are allowed", id)
		}
	}
	return nil
}

// Store reads and writes job spec files, one <id>.json per job.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load reads every *.json spec in the directory, sorted by id. Files that
// fail to parse or validate are returned as errors alongside the good
// specs so one broken file cannot take scheduling down.
func (s *Store) Load() ([]Spec, []error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{fmt.Errorf("read cron dir: %w", err)}
	}

	var (
		specs []Spec
		errs  []error
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		var spec Spec
		if err := json.Unmarshal(data, &spec); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", name, err))
			continue
		}
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if want := spec.ID + ".json"; name != want {
			errs = append(errs, fmt.Errorf("%s: file name does not match job id %q", name, spec.ID))
			continue
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, errs
}

// Save persists one spec, creating the directory on first use.
func (s *Store) Save(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", spec.ID, err)
	}
	tmp := s.path(spec.ID) + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write job %s: %w", spec.ID, err)
	}
	if err := os.Rename(tmp, s.path(spec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write job %s: %w", spec.ID, err)
	}
	return nil
}

// Remove deletes one spec file.
func (s *Store) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("job %s not found", id)
		}
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}
