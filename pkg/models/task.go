package models

import "time"

// TaskPriority orders tasks within the scheduler queue.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// PriorityRank returns a numeric rank, highest priority first (0).
// Unknown priorities rank as normal.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// Priorities lists all priorities from most to least urgent, the order the
// scheduler drains queues in.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// TaskStatus is a node in the task lifecycle DAG.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// taskTransitions encodes the lifecycle DAG. No back-transitions.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskQueued, TaskAssigned, TaskCancelled},
	TaskQueued:     {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskQueued, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled, TaskQueued},
}

// CanTransition reports whether a task may move from one status to another.
// Assigned and in-progress tasks may return to queued only through heartbeat
// reclamation; terminal states never transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the task lifecycle.
func Terminal(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of delegated work. The hub owns task state; agents publish
// intents that the hub serializes.
type Task struct {
	ID                   string       `json:"id"`
	Title                string       `json:"title"`
	Description          string       `json:"description,omitempty"`
	Priority             TaskPriority `json:"priority"`
	RequiredCapabilities []string     `json:"required_capabilities,omitempty"`
	AssignedAgent        string       `json:"assigned_agent,omitempty"`
	Status               TaskStatus   `json:"status"`
	CreatedBy            string       `json:"created_by,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	Artifacts            []string     `json:"artifacts,omitempty"`
	Result               string       `json:"result,omitempty"`
	Error                string       `json:"error,omitempty"`
}

// TaskProgress is published on the task progress subject as the holding
// agent works through a task.
type TaskProgress struct {
	TaskID  string     `json:"task_id"`
	AgentID string     `json:"agent_id"`
	Status  TaskStatus `json:"status"`
	Note    string     `json:"note,omitempty"`
	At      int64      `json:"at"` // unix ms
}
