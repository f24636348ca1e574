package bus

import (
	"strings"
	"unicode"
)

// Canonical subjects without interpolated tokens.
const (
	SubjectAgentsBroadcast     = "jarvis.agents.broadcast"
	SubjectAgentsDiscovery     = "jarvis.agents.discovery"
	SubjectCoordinationRequest = "jarvis.coordination.request"
	SubjectCoordinationReply   = "jarvis.coordination.response"
	SubjectChatBroadcast       = "jarvis.chat.broadcast"
	SubjectChatStream          = "jarvis.chat.stream"
	SubjectBroadcastDashboard  = "jarvis.broadcast.dashboard"
)

// SanitizeToken strips characters that would alter subject routing: the
// dot separator, NATS wildcards, whitespace, and control characters.
func SanitizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '.' || r == '*' || r == '>' {
			continue
		}
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AgentStatus is where an agent publishes its heartbeat state.
func AgentStatus(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".status"
}

// AgentTask is where the hub publishes task assignments for one agent.
func AgentTask(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".task"
}

// AgentResult is where an agent publishes terminal task outcomes.
func AgentResult(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".result"
}

// AgentHeartbeat carries heartbeat polls that may warrant a model turn.
func AgentHeartbeat(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".heartbeat"
}

// AgentDM carries direct inter-agent messages.
func AgentDM(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".dm"
}

// AgentExec carries routed tool executions for agents acting as remote
// tool hosts.
func AgentExec(agentID string) string {
	return "jarvis.agent." + SanitizeToken(agentID) + ".exec"
}

// TaskProgress carries progress updates for one task.
func TaskProgress(taskID string) string {
	return "jarvis.task." + SanitizeToken(taskID) + ".progress"
}

// Chat addresses one chat channel.
func Chat(id string) string {
	return "jarvis.chat." + SanitizeToken(id)
}
