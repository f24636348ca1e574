package models

// CoordinationRequest is the request side of the coordination subject.
// Two kinds travel on it: delegations, which ask the hub to create and
// schedule a task, and status checks, which ask for the current state of
// a previously delegated task.
type CoordinationRequest struct {
	Type                 string       `json:"type"` // delegation | status
	From                 string       `json:"from,omitempty"`
	Title                string       `json:"title,omitempty"`
	Description          string       `json:"description,omitempty"`
	Priority             TaskPriority `json:"priority,omitempty"`
	RequiredCapabilities []string     `json:"requiredCapabilities,omitempty"`
	TaskID               string       `json:"taskId,omitempty"`
}

// CoordinationReply answers a coordination request. Delegations get the
// created task id back; status checks get the full task record.
type CoordinationReply struct {
	TaskID string `json:"taskId,omitempty"`
	Task   *Task  `json:"task,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChatStreamEvent is one fragment of model output, published on the chat
// stream subject as it is produced so dashboards can render live.
type ChatStreamEvent struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId,omitempty"`
	Text      string `json:"text"`
	At        int64  `json:"at"` // unix ms
}
