package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const (
	defaultSweepInterval    = 30 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
)

// agentStatusWildcard matches every agent's heartbeat subject.
const agentStatusWildcard = "jarvis.agent.*.status"

// Monitor maintains the agent roster from heartbeats and discovery
// announcements, marks agents offline when their heartbeats go stale, and
// hands their tasks back to the scheduler.
type Monitor struct {
	bus       bus.Bus
	kv        kv.Store
	clients   *ClientRegistry
	scheduler *Scheduler
	metrics   *observability.Metrics
	logger    *slog.Logger

	sweepInterval    time.Duration
	heartbeatTimeout time.Duration

	subs    []bus.Subscription
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewMonitor(b bus.Bus, store kv.Store, clients *ClientRegistry, scheduler *Scheduler,
	metrics *observability.Metrics, sweepInterval, heartbeatTimeout time.Duration, logger *slog.Logger) *Monitor {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if heartbeatTimeout < sweepInterval {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Monitor{
		bus:              b,
		kv:               store,
		clients:          clients,
		scheduler:        scheduler,
		metrics:          metrics,
		logger:           logger.With("component", "monitor"),
		sweepInterval:    sweepInterval,
		heartbeatTimeout: heartbeatTimeout,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start subscribes to heartbeat and discovery subjects and begins the
// staleness sweep.
func (m *Monitor) Start(ctx context.Context) error {
	sub, err := m.bus.Subscribe(agentStatusWildcard, func(msg *bus.Message) {
		m.handleHeartbeat(ctx, msg)
	})
	if err != nil {
		return err
	}
	m.subs = append(m.subs, sub)

	sub, err = m.bus.Subscribe(bus.SubjectAgentsDiscovery, func(msg *bus.Message) {
		m.handleDiscovery(ctx, msg)
	})
	if err != nil {
		return err
	}
	m.subs = append(m.subs, sub)

	m.started = true
	go m.sweepLoop(ctx)
	return nil
}

// Stop unsubscribes and waits for the sweep loop to exit.
func (m *Monitor) Stop() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) handleHeartbeat(ctx context.Context, msg *bus.Message) {
	var state models.AgentState
	if err := json.Unmarshal(msg.Data, &state); err != nil || state.Identity.ID == "" {
		m.logger.Debug("dropping malformed heartbeat", "subject", msg.Subject)
		return
	}
	if state.LastHeartbeat == 0 {
		state.LastHeartbeat = time.Now().UnixMilli()
	}
	m.writeState(ctx, &state)
	m.clients.Broadcast("agent.updated", &state)

	// An idle heartbeat may free up capacity for queued work.
	if state.Status == models.AgentIdle {
		m.scheduler.ScheduleQueued(ctx)
	}
}

func (m *Monitor) handleDiscovery(ctx context.Context, msg *bus.Message) {
	var d models.Discovery
	if err := json.Unmarshal(msg.Data, &d); err != nil || d.AgentID == "" {
		m.logger.Debug("dropping malformed discovery", "subject", msg.Subject)
		return
	}
	switch d.Status {
	case "online":
		m.logger.Info("agent online", "agent", d.AgentID, "role", d.Role, "host", d.Host)
		// Give the newcomer the current roster so its first prompt sees
		// its peers.
		m.publishRoster(ctx)
	case "offline":
		m.logger.Info("agent offline", "agent", d.AgentID)
		m.markOffline(ctx, d.AgentID)
	default:
		m.logger.Debug("dropping discovery with unknown status", "status", d.Status)
	}
}

// writeState mirrors one agent state into the roster hash and the per-agent
// keys. Agents also write their own roster entry; both writers carry the
// same heartbeat payload so the last write is as fresh as any.
func (m *Monitor) writeState(ctx context.Context, state *models.AgentState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	id := state.Identity.ID
	if err := m.kv.HSet(ctx, kv.AgentsKey, id, data); err != nil {
		m.logger.Warn("writing roster entry failed", "agent", id, "error", err)
	}
	if err := m.kv.Set(ctx, kv.AgentStatusKey(id), data, 0); err != nil {
		m.logger.Warn("writing agent status failed", "agent", id, "error", err)
	}
	if caps, err := json.Marshal(state.Capabilities); err == nil {
		if err := m.kv.Set(ctx, kv.AgentCapabilitiesKey(id), caps, 0); err != nil {
			m.logger.Warn("writing agent capabilities failed", "agent", id, "error", err)
		}
	}
}

// markOffline flips one roster entry to offline and reclaims its tasks.
func (m *Monitor) markOffline(ctx context.Context, agentID string) {
	raw, err := m.kv.HGet(ctx, kv.AgentsKey, agentID)
	if err != nil {
		return
	}
	var state models.AgentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return
	}
	if state.Status == models.AgentOffline {
		return
	}
	taskID := state.TaskID
	state.Status = models.AgentOffline
	state.TaskID = ""
	state.TaskDescription = ""
	m.writeState(ctx, &state)
	m.clients.Broadcast("agent.updated", &state)
	m.scheduler.RequeueAgent(ctx, agentID, taskID)
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep marks every agent whose heartbeat is older than the timeout as
// offline and refreshes the per-status gauges.
func (m *Monitor) Sweep(ctx context.Context) {
	entries, err := m.kv.HGetAll(ctx, kv.AgentsKey)
	if err != nil {
		m.logger.Warn("reading roster failed", "error", err)
		return
	}
	now := time.Now().UnixMilli()
	cutoff := m.heartbeatTimeout.Milliseconds()
	counts := make(map[models.AgentStatus]int)
	for id, raw := range entries {
		var state models.AgentState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if state.Status != models.AgentOffline && now-state.LastHeartbeat > cutoff {
			m.logger.Warn("agent heartbeat stale, marking offline",
				"agent", id, "last_heartbeat_ms_ago", now-state.LastHeartbeat)
			m.markOffline(ctx, id)
			state.Status = models.AgentOffline
		}
		counts[state.Status]++
	}
	m.setAgentGauges(counts)
}

func (m *Monitor) setAgentGauges(counts map[models.AgentStatus]int) {
	if m.metrics == nil {
		return
	}
	for _, status := range []models.AgentStatus{
		models.AgentOffline, models.AgentStarting, models.AgentIdle,
		models.AgentBusy, models.AgentError, models.AgentShuttingDown,
	} {
		m.metrics.SetAgentCount(string(status), counts[status])
	}
}

// Roster lists every known agent sorted by id.
func (m *Monitor) Roster(ctx context.Context) ([]models.AgentState, error) {
	entries, err := m.kv.HGetAll(ctx, kv.AgentsKey)
	if err != nil {
		return nil, err
	}
	agents := make([]models.AgentState, 0, len(entries))
	for _, raw := range entries {
		var state models.AgentState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		agents = append(agents, state)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Identity.ID < agents[j].Identity.ID
	})
	return agents, nil
}

// CountByStatus tallies roster entries per status for system.metrics.
func (m *Monitor) CountByStatus(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	agents, err := m.Roster(ctx)
	if err != nil {
		return counts
	}
	for _, a := range agents {
		counts[string(a.Status)]++
	}
	return counts
}

// publishRoster broadcasts the full roster on the agents broadcast subject.
func (m *Monitor) publishRoster(ctx context.Context) {
	agents, err := m.Roster(ctx)
	if err != nil {
		return
	}
	payload := map[string]any{"agents": agents}
	if err := m.bus.PublishJSON(bus.SubjectAgentsBroadcast, payload); err != nil {
		m.logger.Warn("publishing roster failed", "error", err)
	}
}
