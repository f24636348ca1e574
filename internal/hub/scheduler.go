package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// listScanLimit bounds how many index entries task listings walk.
const listScanLimit = 500

// ErrTaskNotFound reports a task id with no record behind it.
var ErrTaskNotFound = errors.New("not found")

// TaskRequest is the creation payload shared by the tasks.create method,
// the coordination consumer and the cron scheduler.
type TaskRequest struct {
	Title                string              `json:"title"`
	Description          string              `json:"description,omitempty"`
	Priority             models.TaskPriority `json:"priority,omitempty"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	CreatedBy            string              `json:"created_by,omitempty"`
}

// Scheduler owns task state. Every task mutation flows through it: creation,
// assignment to idle agents, progress, terminal results, cancellation and
// reclamation from dead agents. It is the only writer of task records in KV.
type Scheduler struct {
	bus     bus.Bus
	kv      kv.Store
	clients *ClientRegistry
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]map[string]struct{} // agent id -> assigned or running task ids
}

func NewScheduler(b bus.Bus, store kv.Store, clients *ClientRegistry, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		bus:      b,
		kv:       store,
		clients:  clients,
		metrics:  metrics,
		logger:   logger.With("component", "scheduler"),
		inflight: make(map[string]map[string]struct{}),
	}
}

// CreateTask validates, persists and queues a task, then runs a scheduling
// pass. The returned record reflects any assignment made by that pass.
func (s *Scheduler) CreateTask(ctx context.Context, req TaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.New("task title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	switch priority {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	now := time.Now()
	task := &models.Task{
		ID:                   uuid.NewString(),
		Title:                title,
		Description:          req.Description,
		Priority:             priority,
		RequiredCapabilities: req.RequiredCapabilities,
		Status:               models.TaskQueued,
		CreatedBy:            req.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.putTask(ctx, task); err != nil {
		return nil, err
	}
	score := float64(now.UnixMilli())
	if err := s.kv.ZAdd(ctx, kv.TaskIndexKey, score, task.ID); err != nil {
		return nil, fmt.Errorf("index task: %w", err)
	}
	if err := s.kv.ZAdd(ctx, kv.TaskQueueKey(priority), score, task.ID); err != nil {
		return nil, fmt.Errorf("queue task: %w", err)
	}
	s.recordTransition(models.TaskPending, models.TaskQueued)
	s.broadcastTask(task)
	s.logger.Info("task created", "task", task.ID, "title", task.Title,
		"priority", task.Priority, "by", task.CreatedBy)

	s.ScheduleQueued(ctx)
	return s.GetTask(ctx, task.ID)
}

// ScheduleQueued walks the priority queues oldest-first and assigns every
// task some idle agent can cover. Tasks with no eligible agent stay queued.
func (s *Scheduler) ScheduleQueued(ctx context.Context) {
	for _, priority := range models.Priorities() {
		queueKey := kv.TaskQueueKey(priority)
		ids, err := s.kv.ZRange(ctx, queueKey, 0, -1)
		if err != nil {
			s.logger.Warn("reading task queue failed", "priority", priority, "error", err)
			continue
		}
		for _, id := range ids {
			task, err := s.GetTask(ctx, id)
			if err != nil {
				// Stale queue entry; the record is gone.
				_ = s.kv.ZRem(ctx, queueKey, id)
				continue
			}
			if task.Status != models.TaskQueued {
				_ = s.kv.ZRem(ctx, queueKey, id)
				continue
			}
			agentID, ok := s.pickAgent(ctx, task.RequiredCapabilities)
			if !ok {
				continue
			}
			s.assign(ctx, task, agentID)
		}
	}
}

// pickAgent selects the idle agent covering the required capabilities with
// the fewest in-flight assignments, breaking ties by earliest last
// assignment and then by id.
func (s *Scheduler) pickAgent(ctx context.Context, required []string) (string, bool) {
	entries, err := s.kv.HGetAll(ctx, kv.AgentsKey)
	if err != nil {
		s.logger.Warn("reading agent roster failed", "error", err)
		return "", false
	}

	var (
		bestID   string
		bestLoad int
		bestLast int64
	)
	for id, raw := range entries {
		var state models.AgentState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if state.Status != models.AgentIdle || !state.HasCapabilities(required) {
			continue
		}
		load := s.loadOf(id)
		last := state.LastAssignment
		if bestID == "" ||
			load < bestLoad ||
			(load == bestLoad && last < bestLast) ||
			(load == bestLoad && last == bestLast && id < bestID) {
			bestID, bestLoad, bestLast = id, load, last
		}
	}
	return bestID, bestID != ""
}

func (s *Scheduler) assign(ctx context.Context, task *models.Task, agentID string) {
	task.Status = models.TaskAssigned
	task.AssignedAgent = agentID
	task.UpdatedAt = time.Now()
	if err := s.putTask(ctx, task); err != nil {
		s.logger.Error("persisting assignment failed", "task", task.ID, "error", err)
		return
	}
	_ = s.kv.ZRem(ctx, kv.TaskQueueKey(task.Priority), task.ID)
	s.trackInflight(agentID, task.ID)

	if err := s.bus.PublishJSON(bus.AgentTask(agentID), task); err != nil {
		// The agent never heard about it; put the task back in line.
		s.logger.Error("publishing assignment failed", "task", task.ID,
			"agent", agentID, "error", err)
		task.Status = models.TaskQueued
		task.AssignedAgent = ""
		task.UpdatedAt = time.Now()
		_ = s.putTask(ctx, task)
		_ = s.kv.ZAdd(ctx, kv.TaskQueueKey(task.Priority),
			float64(task.CreatedAt.UnixMilli()), task.ID)
		s.untrackInflight(agentID, task.ID)
		return
	}

	s.recordTransition(models.TaskQueued, models.TaskAssigned)
	s.broadcastTask(task)
	s.logger.Info("task assigned", "task", task.ID, "agent", agentID)
}

// HandleResult applies a terminal task record published by an agent. The
// stored record wins when it is already terminal: a cancellation that
// raced the agent's completion stays cancelled.
func (s *Scheduler) HandleResult(ctx context.Context, incoming *models.Task) {
	if incoming == nil || incoming.ID == "" {
		return
	}
	if !models.Terminal(incoming.Status) {
		s.logger.Warn("dropping non-terminal result", "task", incoming.ID, "status", incoming.Status)
		return
	}
	s.untrackInflight(incoming.AssignedAgent, incoming.ID)

	stored, err := s.GetTask(ctx, incoming.ID)
	if err != nil {
		s.logger.Warn("result for unknown task", "task", incoming.ID)
		return
	}
	if models.Terminal(stored.Status) {
		s.logger.Info("result for settled task ignored",
			"task", incoming.ID, "stored", stored.Status, "incoming", incoming.Status)
		return
	}

	from := stored.Status
	stored.Status = incoming.Status
	stored.AssignedAgent = incoming.AssignedAgent
	stored.Result = incoming.Result
	stored.Error = incoming.Error
	stored.Artifacts = incoming.Artifacts
	stored.UpdatedAt = time.Now()
	if err := s.putTask(ctx, stored); err != nil {
		s.logger.Error("persisting result failed", "task", stored.ID, "error", err)
		return
	}
	s.recordTransition(from, stored.Status)
	s.broadcastTask(stored)
	s.logger.Info("task settled", "task", stored.ID, "status", stored.Status,
		"agent", stored.AssignedAgent)

	// The agent is about to go idle; see if anything queued fits it.
	s.ScheduleQueued(ctx)
}

// HandleProgress records the assigned -> in-progress transition and relays
// nothing else; progress notes reach dashboards through the bus bridge.
func (s *Scheduler) HandleProgress(ctx context.Context, p models.TaskProgress) {
	if p.TaskID == "" || p.Status != models.TaskInProgress {
		return
	}
	stored, err := s.GetTask(ctx, p.TaskID)
	if err != nil || stored.Status != models.TaskAssigned {
		return
	}
	stored.Status = models.TaskInProgress
	stored.UpdatedAt = time.Now()
	if err := s.putTask(ctx, stored); err != nil {
		s.logger.Warn("persisting progress failed", "task", stored.ID, "error", err)
		return
	}
	s.recordTransition(models.TaskAssigned, models.TaskInProgress)
	s.broadcastTask(stored)
}

// Cancel moves a task to cancelled. Agents are not interrupted; a result
// arriving for a cancelled task is ignored in HandleResult.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	stored, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if models.Terminal(stored.Status) {
		return nil, fmt.Errorf("task %s is already %s", taskID, stored.Status)
	}
	if !models.CanTransition(stored.Status, models.TaskCancelled) {
		return nil, fmt.Errorf("task %s cannot be cancelled from %s", taskID, stored.Status)
	}

	from := stored.Status
	if from == models.TaskQueued {
		_ = s.kv.ZRem(ctx, kv.TaskQueueKey(stored.Priority), stored.ID)
	}
	if stored.AssignedAgent != "" {
		s.untrackInflight(stored.AssignedAgent, stored.ID)
	}
	stored.Status = models.TaskCancelled
	stored.UpdatedAt = time.Now()
	if err := s.putTask(ctx, stored); err != nil {
		return nil, err
	}
	s.recordTransition(from, models.TaskCancelled)
	s.broadcastTask(stored)
	s.logger.Info("task cancelled", "task", stored.ID, "from", from)
	return stored, nil
}

// RequeueAgent reclaims every task held by an agent that went offline and
// reschedules. Extra ids supplement the in-memory view, typically the task
// id from the agent's last heartbeat.
func (s *Scheduler) RequeueAgent(ctx context.Context, agentID string, extraTaskIDs ...string) {
	s.mu.Lock()
	ids := make(map[string]struct{}, len(s.inflight[agentID])+len(extraTaskIDs))
	for id := range s.inflight[agentID] {
		ids[id] = struct{}{}
	}
	delete(s.inflight, agentID)
	s.mu.Unlock()
	for _, id := range extraTaskIDs {
		if id != "" {
			ids[id] = struct{}{}
		}
	}

	requeued := 0
	for id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if task.AssignedAgent != agentID ||
			(task.Status != models.TaskAssigned && task.Status != models.TaskInProgress) {
			continue
		}
		from := task.Status
		task.Status = models.TaskQueued
		task.AssignedAgent = ""
		task.UpdatedAt = time.Now()
		if err := s.putTask(ctx, task); err != nil {
			s.logger.Error("requeueing task failed", "task", id, "error", err)
			continue
		}
		// Keep the original creation score so reclaimed tasks do not jump
		// the line.
		_ = s.kv.ZAdd(ctx, kv.TaskQueueKey(task.Priority),
			float64(task.CreatedAt.UnixMilli()), task.ID)
		s.recordTransition(from, models.TaskQueued)
		s.broadcastTask(task)
		requeued++
	}
	if requeued > 0 {
		s.logger.Warn("reclaimed tasks from offline agent", "agent", agentID, "tasks", requeued)
		s.ScheduleQueued(ctx)
	}
}

// GetTask loads one task record.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := kv.GetJSON(ctx, s.kv, kv.TaskKey(taskID), &task); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return nil, err
	}
	return &task, nil
}

// ListTasks returns recent tasks newest-first, optionally filtered by
// status.
func (s *Scheduler) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	if limit <= 0 || limit > listScanLimit {
		limit = 100
	}
	ids, err := s.kv.ZRange(ctx, kv.TaskIndexKey, -listScanLimit, -1)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(tasks) < limit; i-- {
		task, err := s.GetTask(ctx, ids[i])
		if err != nil {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CountByStatus tallies recent tasks per status for system.metrics.
func (s *Scheduler) CountByStatus(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	ids, err := s.kv.ZRange(ctx, kv.TaskIndexKey, -listScanLimit, -1)
	if err != nil {
		return counts
	}
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		counts[string(task.Status)]++
	}
	return counts
}

func (s *Scheduler) putTask(ctx context.Context, task *models.Task) error {
	if err := kv.SetJSON(ctx, s.kv, kv.TaskKey(task.ID), task, 0); err != nil {
		return fmt.Errorf("store task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Scheduler) trackInflight(agentID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[agentID] == nil {
		s.inflight[agentID] = make(map[string]struct{})
	}
	s.inflight[agentID][taskID] = struct{}{}
}

func (s *Scheduler) untrackInflight(agentID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.inflight[agentID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(s.inflight, agentID)
		}
	}
}

func (s *Scheduler) loadOf(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight[agentID])
}

func (s *Scheduler) recordTransition(from, to models.TaskStatus) {
	if s.metrics != nil {
		s.metrics.RecordTaskTransition(string(from), string(to))
	}
}

func (s *Scheduler) broadcastTask(task *models.Task) {
	if s.clients != nil {
		s.clients.Broadcast("task.updated", task)
	}
}
