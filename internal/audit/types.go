// Package audit appends security-relevant events as one JSON record per
// line to date-partitioned files under the storage logs directory. Writes
// are buffered and never block the caller; records are redacted before
// they reach disk.
package audit

import (
	"time"
)

// EventType categorizes audit records.
type EventType string

const (
	// Auth events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthBlocked EventType = "auth.blocked"

	// Security guard events
	EventBlockedPath    EventType = "security.blocked_path"
	EventBlockedCommand EventType = "security.blocked_command"
	EventBlockedURL     EventType = "security.blocked_url"

	// Throttling and privilege events
	EventRateLimited    EventType = "ratelimit.exceeded"
	EventPrivilegedTask EventType = "task.privileged"

	// Configuration events
	EventConfigChanged EventType = "config.changed"
)

// Record is a single audit log entry. It marshals to exactly one line of
// the audit file.
type Record struct {
	// Timestamp when the event occurred. Set by the logger if zero.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the record.
	Type EventType `json:"type"`

	// Source identifies where the event originated (a client id, a tool
	// name, a subsystem).
	Source string `json:"source"`

	// Details carries event-specific structured data. Redacted before
	// writing.
	Details map[string]any `json:"details,omitempty"`

	// IP is the remote address for connection-scoped events.
	IP string `json:"ip,omitempty"`

	// AgentID identifies the agent involved, if any.
	AgentID string `json:"agentId,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	// Dir is the directory audit files are written to. Files are named
	// audit-YYYY-MM-DD.jsonl by record date (UTC).
	Dir string

	// BufferSize is the size of the async write buffer. Default 1000.
	BufferSize int

	// FlushInterval is how often the writer drains the buffer. Default 5s.
	FlushInterval time.Duration
}
