package kv

import "github.com/jarvislabs/jarvis/pkg/models"

// Key schema. All fabric state lives under the jarvis: prefix.

// AgentsKey is the roster hash: agent id to JSON AgentState. The hub
// writes it from heartbeats; agents read it to learn their peers.
const AgentsKey = "jarvis:agents"

// AgentStatusKey holds the JSON AgentState for one agent.
func AgentStatusKey(agentID string) string {
	return "jarvis:agent:" + agentID + ":status"
}

// AgentCapabilitiesKey holds the JSON capability list for one agent.
func AgentCapabilitiesKey(agentID string) string {
	return "jarvis:agent:" + agentID + ":capabilities"
}

// TaskKey holds the JSON Task record.
func TaskKey(taskID string) string {
	return "jarvis:task:" + taskID
}

// TaskQueueKey is the sorted set of queued task ids for one priority,
// scored by creation time so ZRange drains oldest first.
func TaskQueueKey(p models.TaskPriority) string {
	return "jarvis:task:queue:" + string(p)
}

// TaskIndexKey is the sorted set of every task id, scored by creation time.
// tasks.list and system.metrics read it newest-first.
const TaskIndexKey = "jarvis:task:index"

// SessionsKey is the session metadata hash: session id to JSON SessionMeta.
const SessionsKey = "jarvis:sessions"

// ChannelsKey is the channel adapter hash: channel name to JSON
// ChannelStatus, refreshed from adapter reports.
const ChannelsKey = "jarvis:channels"

// ConfigKey is the shared config hash.
const ConfigKey = "jarvis:config"

// LLMCacheKey holds one cached model response, keyed by the SHA-256 of the
// canonical request.
func LLMCacheKey(sum string) string {
	return "jarvis:llm:cache:" + sum
}
