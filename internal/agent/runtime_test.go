package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

func TestNewValidation(t *testing.T) {
	deps := newTestRig(t, config.AgentConfig{}).rt.deps

	if _, err := New(config.AgentConfig{Role: models.RoleDev}, deps); err == nil {
		t.Error("missing id accepted")
	}
	if _, err := New(config.AgentConfig{ID: "a", Role: "janitor"}, deps); err == nil {
		t.Error("unknown role accepted")
	}
	bad := deps
	bad.Bus = nil
	if _, err := New(config.AgentConfig{ID: "a", Role: models.RoleDev}, bad); err == nil {
		t.Error("missing bus accepted")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{HeartbeatInterval: 20 * time.Millisecond})
	rec := &hookRecorder{}
	rec.attach(rig.hooks, hooks.AgentStart, hooks.AgentEnd)

	if err := rig.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rig.rt.Start(context.Background()); err == nil {
		t.Fatal("second start accepted")
	}

	var disc models.Discovery
	rig.bus.lastJSON(t, bus.SubjectAgentsDiscovery, &disc)
	if disc.Type != "discovery" || disc.AgentID != "agent-dev" || disc.Status != "online" {
		t.Fatalf("discovery = %+v", disc)
	}
	if disc.Role != models.RoleDev || disc.Host != "host-1" {
		t.Fatalf("discovery identity = %+v", disc)
	}

	for _, subject := range []string{
		bus.AgentTask("agent-dev"),
		bus.AgentDM("agent-dev"),
		bus.AgentHeartbeat("agent-dev"),
		bus.AgentExec("agent-dev"),
		bus.SubjectAgentsBroadcast,
	} {
		if rig.bus.handler(subject) == nil {
			t.Errorf("no subscription on %s", subject)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(rig.bus.sent(bus.AgentStatus("agent-dev"))) >= 2
	})
	var st models.AgentState
	rig.bus.lastJSON(t, bus.AgentStatus("agent-dev"), &st)
	if st.Identity.ID != "agent-dev" || st.Status != models.AgentIdle {
		t.Fatalf("heartbeat state = %+v", st)
	}
	if st.LastHeartbeat == 0 {
		t.Fatal("heartbeat timestamp unset")
	}

	// The roster hash mirrors the state for peers.
	waitFor(t, 2*time.Second, func() bool {
		raw, err := rig.kv.HGet(context.Background(), kv.AgentsKey, "agent-dev")
		return err == nil && len(raw) > 0
	})

	if rec.count(hooks.AgentStart) != 1 {
		t.Fatal("agent_start not fired")
	}

	if err := rig.rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rig.bus.lastJSON(t, bus.SubjectAgentsDiscovery, &disc)
	if disc.Status != "offline" {
		t.Fatalf("final discovery status = %s", disc.Status)
	}
	if rec.count(hooks.AgentEnd) != 1 {
		t.Fatal("agent_end not fired")
	}
	if err := rig.rt.Stop(context.Background()); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
}

func TestTaskAssignmentViaSubscription(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{HeartbeatInterval: time.Hour},
		fakeTurn{text: "assignment handled"})
	if err := rig.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.rt.Stop(context.Background())

	task := testTask()
	data, _ := json.Marshal(task)
	rig.bus.handler(bus.AgentTask("agent-dev"))(bus.NewMessage(bus.AgentTask("agent-dev"), "", data, nil))

	waitFor(t, 2*time.Second, func() bool {
		return len(rig.bus.sent(bus.AgentResult("agent-dev"))) > 0
	})
	var result models.Task
	rig.bus.lastJSON(t, bus.AgentResult("agent-dev"), &result)
	if result.Status != models.TaskCompleted || result.Result != "assignment handled" {
		t.Fatalf("result = %+v", result)
	}
}

func TestMalformedAssignmentDropped(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{HeartbeatInterval: time.Hour})
	if err := rig.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.rt.Stop(context.Background())

	h := rig.bus.handler(bus.AgentTask("agent-dev"))
	h(bus.NewMessage(bus.AgentTask("agent-dev"), "", []byte("{"), nil))
	h(bus.NewMessage(bus.AgentTask("agent-dev"), "", []byte(`{"title":"no id"}`), nil))

	time.Sleep(50 * time.Millisecond)
	if n := len(rig.bus.sent(bus.AgentResult("agent-dev"))); n != 0 {
		t.Fatalf("malformed assignments produced %d results", n)
	}
}

func TestExecRequestServed(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{HeartbeatInterval: time.Hour})
	if err := rig.tools.Register(tools.Descriptor{
		Name:        "echo",
		Description: "Echo params.",
		Execute: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return tools.TextResult(string(params)), nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := rig.rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.rt.Stop(context.Background())

	payload, _ := json.Marshal(tools.ExecRequest{Tool: "echo", Params: json.RawMessage(`{"v":1}`)})
	var (
		mu    sync.Mutex
		reply []byte
	)
	respond := func(data []byte) error {
		mu.Lock()
		reply = data
		mu.Unlock()
		return nil
	}
	subject := bus.AgentExec("agent-dev")
	rig.bus.handler(subject)(bus.NewMessage(subject, "inbox.1", payload, respond))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reply != nil
	})
	var res tools.Result
	mu.Lock()
	err := json.Unmarshal(reply, &res)
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != `{"v":1}` {
		t.Fatalf("exec result = %+v", res)
	}
}

func deliverHeartbeatPoll(rig *testRig) (get func() []byte) {
	var (
		mu    sync.Mutex
		reply []byte
	)
	respond := func(data []byte) error {
		mu.Lock()
		reply = data
		mu.Unlock()
		return nil
	}
	subject := bus.AgentHeartbeat("agent-dev")
	msg := bus.NewMessage(subject, "inbox.hb", nil, respond)
	rig.rt.handleHeartbeatPoll(msg)
	return func() []byte {
		mu.Lock()
		defer mu.Unlock()
		return reply
	}
}

func TestHeartbeatPollShortCircuits(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "HEARTBEAT_OK"})

	get := deliverHeartbeatPoll(rig)
	waitFor(t, 2*time.Second, func() bool { return get() != nil })

	var hb heartbeatReply
	if err := json.Unmarshal(get(), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.AgentID != "agent-dev" || hb.Reply != "HEARTBEAT_OK" {
		t.Fatalf("heartbeat reply = %+v", hb)
	}
	if n := len(rig.bus.sent(bus.SubjectBroadcastDashboard)); n != 0 {
		t.Fatalf("ok literal still broadcast %d messages", n)
	}
}

func TestHeartbeatPollBroadcastsStatus(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "All pipelines green."})

	get := deliverHeartbeatPoll(rig)
	waitFor(t, 2*time.Second, func() bool {
		return len(rig.bus.sent(bus.SubjectBroadcastDashboard)) > 0
	})

	var msg models.AgentMessage
	rig.bus.lastJSON(t, bus.SubjectBroadcastDashboard, &msg)
	if msg.From != "agent-dev" || msg.Content != "All pipelines green." {
		t.Fatalf("broadcast = %+v", msg)
	}
	var hb heartbeatReply
	if err := json.Unmarshal(get(), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Reply != "All pipelines green." {
		t.Fatalf("poll reply = %q", hb.Reply)
	}
}

func TestHeartbeatPollNoReplySuppressed(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "NO_REPLY"})

	get := deliverHeartbeatPoll(rig)
	waitFor(t, 2*time.Second, func() bool { return get() != nil })

	var hb heartbeatReply
	if err := json.Unmarshal(get(), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Reply != "HEARTBEAT_OK" {
		t.Fatalf("poll reply = %q, want short-circuit literal", hb.Reply)
	}
	if n := len(rig.bus.sent(bus.SubjectBroadcastDashboard)); n != 0 {
		t.Fatal("no-reply literal still broadcast")
	}
}

func TestHeartbeatPollWhileBusySkipsModel(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "should never run"})
	rig.rt.mu.Lock()
	rig.rt.current = &models.Task{ID: "task-busy"}
	rig.rt.mu.Unlock()

	get := deliverHeartbeatPoll(rig)
	waitFor(t, 2*time.Second, func() bool { return get() != nil })

	var hb heartbeatReply
	if err := json.Unmarshal(get(), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Reply != "HEARTBEAT_OK" || hb.TaskID != "task-busy" {
		t.Fatalf("busy reply = %+v", hb)
	}
	if rig.provider.callCount() != 0 {
		t.Fatal("busy poll ran a model turn")
	}
}

func TestHeartbeatPollIncludesInbox(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "HEARTBEAT_OK"})
	rig.rt.inbox.push(&models.AgentMessage{From: "agent-x", Type: "notification", Content: "build 42 failed"})

	get := deliverHeartbeatPoll(rig)
	waitFor(t, 2*time.Second, func() bool { return get() != nil })

	req := rig.provider.request(0)
	if !strings.Contains(req.Messages[0].Content, "build 42 failed") {
		t.Fatal("poll turn did not include queued messages")
	}
	if !strings.Contains(req.System, "HEARTBEAT_OK") || !strings.Contains(req.System, "NO_REPLY") {
		t.Fatal("heartbeat prompt does not name the control literals")
	}
	if rig.rt.inbox.len() != 0 {
		t.Fatal("poll did not drain the inbox")
	}
}

func TestDMQueryAnsweredWhenIdle(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "port 8080"})
	rec := &hookRecorder{}
	rec.attach(rig.hooks, hooks.MessageReceived)

	dm := models.AgentMessage{From: "agent-orchestrator", To: "agent-dev", Type: "query", Content: "which port does the hub use?"}
	data, _ := json.Marshal(dm)
	rig.rt.handleDM(bus.NewMessage(bus.AgentDM("agent-dev"), "", data, nil))

	waitFor(t, 2*time.Second, func() bool {
		return len(rig.bus.sent(bus.AgentDM("agent-orchestrator"))) > 0
	})
	var reply models.AgentMessage
	rig.bus.lastJSON(t, bus.AgentDM("agent-orchestrator"), &reply)
	if reply.From != "agent-dev" || reply.Type != "result" || reply.Content != "port 8080" {
		t.Fatalf("reply = %+v", reply)
	}
	if rec.count(hooks.MessageReceived) != 1 {
		t.Fatal("message_received not fired")
	}
}

func TestDMQueryNoReplySuppressed(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{}, fakeTurn{text: "NO_REPLY"})

	dm := models.AgentMessage{From: "agent-orchestrator", Type: "query", Content: "anything?"}
	data, _ := json.Marshal(dm)
	rig.rt.handleDM(bus.NewMessage(bus.AgentDM("agent-dev"), "", data, nil))

	waitFor(t, time.Second, func() bool { return rig.provider.callCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(rig.bus.sent(bus.AgentDM("agent-orchestrator"))); n != 0 {
		t.Fatalf("no-reply literal still sent %d messages", n)
	}
}

func TestDMQueuedWhileBusy(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{})
	rig.rt.mu.Lock()
	rig.rt.current = &models.Task{ID: "task-busy"}
	rig.rt.mu.Unlock()

	dm := models.AgentMessage{From: "agent-orchestrator", Type: "query", Content: "status?"}
	data, _ := json.Marshal(dm)
	rig.rt.handleDM(bus.NewMessage(bus.AgentDM("agent-dev"), "", data, nil))

	if rig.rt.inbox.len() != 1 {
		t.Fatalf("inbox len = %d, want 1", rig.rt.inbox.len())
	}
	if rig.provider.callCount() != 0 {
		t.Fatal("busy agent answered a query inline")
	}
}

func TestBroadcastHandling(t *testing.T) {
	rig := newTestRig(t, config.AgentConfig{})

	// Peer messages queue.
	peer, _ := json.Marshal(models.AgentMessage{From: "agent-x", Type: "notification", Content: "heads up"})
	rig.rt.handleBroadcast(bus.NewMessage(bus.SubjectAgentsBroadcast, "", peer, nil))
	if rig.rt.inbox.len() != 1 {
		t.Fatalf("inbox len = %d", rig.rt.inbox.len())
	}

	// Own messages and roster refreshes do not.
	own, _ := json.Marshal(models.AgentMessage{From: "agent-dev", Type: "notification", Content: "echo"})
	rig.rt.handleBroadcast(bus.NewMessage(bus.SubjectAgentsBroadcast, "", own, nil))
	rig.rt.handleBroadcast(bus.NewMessage(bus.SubjectAgentsBroadcast, "", []byte(`{"agents":[]}`), nil))
	if rig.rt.inbox.len() != 1 {
		t.Fatalf("inbox len after own/roster = %d", rig.rt.inbox.len())
	}
}

func TestInboxCapDropsOldest(t *testing.T) {
	ib := newInbox()
	for i := 0; i < inboxCap+5; i++ {
		ib.push(&models.AgentMessage{From: "a", Content: "m"})
	}
	if ib.len() != inboxCap {
		t.Fatalf("inbox len = %d, want %d", ib.len(), inboxCap)
	}
}
