// Package agent hosts one autonomous agent runtime: an LLM reasoning loop
// bound to the fabric through bus subjects. The hub schedules work onto the
// agent's task subject; the runtime executes it turn by turn, journaling
// every message to a session file and reporting back through status, result
// and progress subjects.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/plugin"
	"github.com/jarvislabs/jarvis/internal/providers"
	"github.com/jarvislabs/jarvis/internal/skills"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxIterations     = 10
	defaultMaxWallTime       = 10 * time.Minute

	taskQueueDepth = 16
)

// Deps are the fabric services a runtime is wired to. Bus, Layout,
// Providers, Tools and Hooks are required; KV, Plugins, Skills and Metrics
// degrade to reduced behavior when nil.
type Deps struct {
	Bus       bus.Bus
	KV        kv.Store
	Layout    *storage.Layout
	Providers *providers.Registry
	Tools     *tools.Registry
	Hooks     *hooks.Runner
	Plugins   *plugin.Host
	Skills    *skills.Manager
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

func (d Deps) validate() error {
	switch {
	case d.Bus == nil:
		return fmt.Errorf("agent deps: bus is required")
	case d.Layout == nil:
		return fmt.Errorf("agent deps: storage layout is required")
	case d.Providers == nil:
		return fmt.Errorf("agent deps: provider registry is required")
	case d.Tools == nil:
		return fmt.Errorf("agent deps: tool registry is required")
	case d.Hooks == nil:
		return fmt.Errorf("agent deps: hook runner is required")
	}
	return nil
}

// Runtime is one running agent: identity, inbox and reasoning loop. Tasks
// execute serially; a second assignment waits in the intake queue until the
// current one reaches a terminal state.
type Runtime struct {
	cfg    config.AgentConfig
	deps   Deps
	logger *slog.Logger

	inbox *inbox

	mu             sync.Mutex
	status         models.AgentStatus
	current        *models.Task
	completed      int
	failed         int
	lastAssignment int64
	started        bool

	subs   []bus.Subscription
	taskCh chan *models.Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds a runtime for the given agent configuration. The runtime does
// not touch the bus until Start.
func New(cfg config.AgentConfig, deps Deps) (*Runtime, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent: id is required")
	}
	if !models.ValidRole(cfg.Role) {
		return nil, fmt.Errorf("agent %s: unknown role %q", cfg.ID, cfg.Role)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Host = host
	}
	return &Runtime{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "agent", "agent", cfg.ID),
		inbox:  newInbox(),
		status: models.AgentOffline,
		taskCh: make(chan *models.Task, taskQueueDepth),
		stopCh: make(chan struct{}),
	}, nil
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Start announces the agent, subscribes its subjects and begins consuming
// assignments. The passed context bounds startup only; the runtime keeps
// running until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: already started", r.cfg.ID)
	}
	r.started = true
	r.status = models.AgentStarting
	r.mu.Unlock()

	r.runCtx, r.cancel = context.WithCancel(context.Background())

	if err := r.subscribe(); err != nil {
		r.teardownSubs()
		return err
	}
	if r.deps.Plugins != nil {
		if err := r.deps.Plugins.StartServices(r.runCtx); err != nil {
			r.teardownSubs()
			return fmt.Errorf("agent %s: %w", r.cfg.ID, err)
		}
	}

	r.setStatus(models.AgentIdle)
	r.publishDiscovery("online")
	r.publishState()

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.taskWorker()

	ev := hooks.NewEvent(hooks.AgentStart, "", r.cfg.ID)
	ev.Config = r.cfg
	if err := r.deps.Hooks.Fire(ctx, ev); err != nil {
		r.logger.Warn("agent_start hook failed", "error", err)
	}

	r.logger.Info("agent online",
		"role", r.cfg.Role, "host", r.cfg.Host, "model", r.cfg.Model)
	return nil
}

// Stop withdraws the agent from the fabric. In-flight work is given until
// ctx expires to finish; after that the reasoning loop is cancelled.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.status = models.AgentShuttingDown
	r.mu.Unlock()

	r.publishState()
	r.teardownSubs()
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
	}
	r.cancel()

	r.publishDiscovery("offline")

	ev := hooks.NewEvent(hooks.AgentEnd, "", r.cfg.ID)
	ev.Config = r.cfg
	if err := r.deps.Hooks.Fire(context.Background(), ev); err != nil {
		r.logger.Warn("agent_end hook failed", "error", err)
	}

	if r.deps.Plugins != nil {
		r.deps.Plugins.StopServices()
	}
	if r.deps.Skills != nil {
		if err := r.deps.Skills.Close(); err != nil {
			r.logger.Warn("closing skills watcher failed", "error", err)
		}
	}

	r.setStatus(models.AgentOffline)
	r.storeState(context.Background())
	r.logger.Info("agent offline")
	return nil
}

func (r *Runtime) subscribe() error {
	id := r.cfg.ID
	plan := []struct {
		subject string
		queue   string
		h       bus.Handler
	}{
		// The queue group keeps redundant runtimes of the same agent id
		// from double-executing one assignment.
		{bus.AgentTask(id), "agent-" + id, r.handleTaskMsg},
		{bus.AgentDM(id), "", r.handleDM},
		{bus.AgentHeartbeat(id), "", r.handleHeartbeatPoll},
		{bus.AgentExec(id), "agent-" + id, r.handleExecRequest},
		{bus.SubjectAgentsBroadcast, "", r.handleBroadcast},
	}
	for _, p := range plan {
		var (
			sub bus.Subscription
			err error
		)
		if p.queue != "" {
			sub, err = r.deps.Bus.QueueSubscribe(p.subject, p.queue, p.h)
		} else {
			sub, err = r.deps.Bus.Subscribe(p.subject, p.h)
		}
		if err != nil {
			return fmt.Errorf("agent %s: subscribe %s: %w", id, p.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Runtime) teardownSubs() {
	for _, s := range r.subs {
		if err := s.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	r.subs = nil
}

func (r *Runtime) handleTaskMsg(msg *bus.Message) {
	var task models.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		r.logger.Warn("dropping malformed task assignment", "error", err)
		return
	}
	if task.ID == "" {
		r.logger.Warn("dropping task assignment without id")
		return
	}
	select {
	case r.taskCh <- &task:
	case <-r.stopCh:
	}
}

// handleExecRequest serves tool calls routed here from peers whose
// registries carry a route override for the tool. The local registry
// enforces its own validation and rate limit before executing.
func (r *Runtime) handleExecRequest(msg *bus.Message) {
	r.spawn(func() {
		var req tools.ExecRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Tool == "" {
			r.respondExec(msg, tools.Errorf("malformed exec request"))
			return
		}
		res := r.deps.Tools.Execute(r.runCtx, r.cfg.ID, req.Tool, req.Params)
		r.respondExec(msg, res)
	})
}

func (r *Runtime) respondExec(msg *bus.Message, res *tools.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		r.logger.Warn("encoding exec result failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("responding to exec request failed", "error", err)
	}
}

// spawn tracks a handler goroutine in the runtime's wait group. Handlers
// only spawn while subscriptions are live, which is strictly before the
// worker goroutines exit, so the group cannot be waited on empty.
func (r *Runtime) spawn(fn func()) {
	select {
	case <-r.stopCh:
		return
	default:
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) taskWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case task := <-r.taskCh:
			r.runTask(r.runCtx, task)
		}
	}
}

func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.publishState()
			r.storeState(r.runCtx)
		}
	}
}

// State snapshots the agent for heartbeats and the hub roster.
func (r *Runtime) State() models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := models.AgentState{
		Identity: models.AgentIdentity{
			ID:   r.cfg.ID,
			Role: r.cfg.Role,
			Host: r.cfg.Host,
		},
		Status:         r.status,
		Capabilities:   r.cfg.Capabilities,
		LastHeartbeat:  time.Now().UnixMilli(),
		LastAssignment: r.lastAssignment,
		Completed:      r.completed,
		Failed:         r.failed,
	}
	if r.current != nil {
		st.TaskID = r.current.ID
		st.TaskDescription = r.current.Title
	}
	return st
}

func (r *Runtime) setStatus(s models.AgentStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Runtime) publishState() {
	if err := r.deps.Bus.PublishJSON(bus.AgentStatus(r.cfg.ID), r.State()); err != nil {
		r.logger.Warn("publishing heartbeat failed", "error", err)
	}
}

// storeState mirrors the agent state into KV so peers can assemble their
// prompt rosters without waiting for a hub broadcast.
func (r *Runtime) storeState(ctx context.Context) {
	if r.deps.KV == nil {
		return
	}
	data, err := json.Marshal(r.State())
	if err != nil {
		return
	}
	if err := r.deps.KV.HSet(ctx, kv.AgentsKey, r.cfg.ID, data); err != nil {
		r.logger.Warn("storing agent state failed", "error", err)
	}
}

func (r *Runtime) publishDiscovery(status string) {
	d := models.Discovery{
		Type:    "discovery",
		AgentID: r.cfg.ID,
		Role:    r.cfg.Role,
		Host:    r.cfg.Host,
		IP:      localIP(),
		Status:  status,
	}
	if err := r.deps.Bus.PublishJSON(bus.SubjectAgentsDiscovery, d); err != nil {
		r.logger.Warn("publishing discovery failed", "status", status, "error", err)
	}
}

// localIP returns the first non-loopback IPv4 address, or empty when the
// host has none.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func (r *Runtime) maxIterations() int {
	if r.cfg.MaxIterations > 0 {
		return r.cfg.MaxIterations
	}
	return defaultMaxIterations
}

func (r *Runtime) maxWallTime() time.Duration {
	if r.cfg.MaxWallTime > 0 {
		return r.cfg.MaxWallTime
	}
	return defaultMaxWallTime
}
