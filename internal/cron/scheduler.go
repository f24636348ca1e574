package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

const defaultTickInterval = time.Second

// TaskCreator submits a task into the fabric on behalf of a job. The hub
// wires this to its task pipeline so scheduled tasks flow through the same
// validation, persistence and assignment as API-created ones.
type TaskCreator func(ctx context.Context, job Spec) (*models.Task, error)

// Job is the runtime view of a spec: its parsed schedule plus bookkeeping
// from the last firing.
type Job struct {
	Spec       Spec
	NextRun    time.Time
	LastRun    time.Time
	LastTaskID string
	LastError  string

	schedule Schedule
}

// Scheduler fires jobs loaded from a Store and keeps the on-disk specs in
// sync with Add and Remove. One-shot "at" jobs are disabled and persisted
// after they fire.
type Scheduler struct {
	store  *Store
	create TaskCreator
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithNow overrides the clock. Tests use this to drive firing decisions
// deterministically.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval overrides how often the run loop checks for due jobs.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New loads every spec from the store and prepares it for scheduling.
// Broken spec files are logged and skipped so one bad file cannot stall the
// rest of the jobs.
func New(store *Store, create TaskCreator, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	if create == nil {
		return nil, fmt.Errorf("cron: task creator is required")
	}
	s := &Scheduler{
		store:  store,
		create: create,
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
		tick:   defaultTickInterval,
		jobs:   make(map[string]*Job),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	specs, errs := store.Load()
	for _, err := range errs {
		s.logger.Warn("skipping cron spec", "error", err)
	}
	now := s.now()
	for _, spec := range specs {
		job, err := newJob(spec, now)
		if err != nil {
			s.logger.Warn("skipping cron spec", "job", spec.ID, "error", err)
			continue
		}
		s.jobs[spec.ID] = job
	}
	return s, nil
}

func newJob(spec Spec, now time.Time) (*Job, error) {
	schedule, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", spec.ID, err)
	}
	job := &Job{Spec: spec, schedule: schedule}
	if spec.Enabled {
		if next, ok := schedule.Next(now); ok {
			job.NextRun = next
		}
	}
	return job, nil
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.logger.Info("cron scheduler started", "jobs", len(s.Jobs()), "tick", s.tick)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if !started {
		return nil
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every job due at the current clock reading. The run loop
// calls it each tick; tests call it directly.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Spec.Enabled && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Spec.ID < due[j].Spec.ID })
	for _, job := range due {
		s.fire(ctx, job.Spec.ID, now)
	}
}

// fire creates the job's task and advances its schedule. Task creation runs
// outside the lock; results are recorded only if the job still exists.
func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || !job.Spec.Enabled || job.NextRun.IsZero() || job.NextRun.After(now) {
		s.mu.Unlock()
		return
	}
	spec := job.Spec
	s.mu.Unlock()

	task, err := s.create(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok = s.jobs[id]
	if !ok {
		return
	}
	job.LastRun = now
	if err != nil {
		job.LastError = err.Error()
		job.LastTaskID = ""
		s.logger.Error("cron job failed to create task", "job", id, "error", err)
	} else {
		job.LastError = ""
		job.LastTaskID = task.ID
		s.logger.Info("cron job fired", "job", id, "task", task.ID)
	}

	if job.schedule.Kind == "at" {
		// One-shot jobs stay on disk as a record but never fire again.
		job.NextRun = time.Time{}
		job.Spec.Enabled = false
		if err := s.store.Save(job.Spec); err != nil {
			s.logger.Warn("failed to persist one-shot job state", "job", id, "error", err)
		}
		return
	}
	if next, ok := job.schedule.Next(now); ok {
		job.NextRun = next
	} else {
		job.NextRun = time.Time{}
	}
}

// Jobs returns a snapshot of all jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ID < out[j].Spec.ID })
	return out
}

// Add validates the spec, persists it and schedules it. An existing job
// with the same id is replaced.
func (s *Scheduler) Add(spec Spec) (*Job, error) {
	job, err := newJob(spec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(spec); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.jobs[spec.ID] = job
	s.mu.Unlock()
	s.logger.Info("cron job added", "job", spec.ID, "kind", job.schedule.Kind)
	snapshot := *job
	return &snapshot, nil
}

// Remove unschedules the job and deletes its spec file.
func (s *Scheduler) Remove(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	s.logger.Info("cron job removed", "job", id)
	return nil
}
