package models

// AgentRole is the behavioral template an agent runs under.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleDev          AgentRole = "dev"
	RoleMarketing    AgentRole = "marketing"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r AgentRole) bool {
	switch r {
	case RoleOrchestrator, RoleDev, RoleMarketing:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent runtime.
type AgentStatus string

const (
	AgentOffline      AgentStatus = "offline"
	AgentStarting     AgentStatus = "starting"
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentError        AgentStatus = "error"
	AgentShuttingDown AgentStatus = "shutting-down"
)

// AgentIdentity identifies one agent runtime. Immutable after registration.
type AgentIdentity struct {
	ID        string    `json:"id"`
	Role      AgentRole `json:"role"`
	Host      string    `json:"host"`
	MachineID string    `json:"machine_id"`
	Address   string    `json:"address,omitempty"`
}

// AgentState is the hub-owned view of an agent. It is mutated only by the
// agent's own heartbeats and by task lifecycle events.
type AgentState struct {
	Identity        AgentIdentity `json:"identity"`
	Status          AgentStatus   `json:"status"`
	Capabilities    []string      `json:"capabilities,omitempty"`
	TaskID          string        `json:"task_id,omitempty"`
	TaskDescription string        `json:"task_description,omitempty"`
	LastHeartbeat   int64         `json:"last_heartbeat"` // unix ms
	LastAssignment  int64         `json:"last_assignment,omitempty"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
}

// HasCapabilities reports whether the agent covers every required capability.
func (s *AgentState) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Discovery is the payload agents publish on the discovery subject at
// startup and shutdown.
type Discovery struct {
	Type    string    `json:"type"` // always "discovery"
	AgentID string    `json:"agentId"`
	Role    AgentRole `json:"role"`
	Host    string    `json:"host"`
	IP      string    `json:"ip,omitempty"`
	Status  string    `json:"status"` // online | offline
}

// AgentMessage is a direct message between agents, delivered on the
// recipient's dm subject or routed through coordination for delegations.
type AgentMessage struct {
	From     string       `json:"from"`
	To       string       `json:"to"`
	Type     string       `json:"type"` // task | delegation | query | notification | result
	Content  string       `json:"content"`
	Priority TaskPriority `json:"priority,omitempty"`
	TaskID   string       `json:"task_id,omitempty"`
	SentAt   int64        `json:"sent_at,omitempty"` // unix ms
}
