package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const (
	agentResultWildcard  = "jarvis.agent.*.result"
	taskProgressWildcard = "jarvis.task.*.progress"
)

// Bridge relays bus traffic into the control plane: terminal results and
// progress feed the scheduler, streaming output and dashboard broadcasts
// fan out to connected clients.
type Bridge struct {
	bus       bus.Bus
	scheduler *Scheduler
	clients   *ClientRegistry
	metrics   *observability.Metrics
	logger    *slog.Logger

	subs []bus.Subscription
}

func NewBridge(b bus.Bus, scheduler *Scheduler, clients *ClientRegistry, metrics *observability.Metrics, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:       b,
		scheduler: scheduler,
		clients:   clients,
		metrics:   metrics,
		logger:    logger.With("component", "bridge"),
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	routes := []struct {
		subject string
		handler bus.Handler
	}{
		{agentResultWildcard, func(msg *bus.Message) { b.handleResult(ctx, msg) }},
		{taskProgressWildcard, func(msg *bus.Message) { b.handleProgress(ctx, msg) }},
		{bus.SubjectChatStream, b.handleChatStream},
		{bus.SubjectBroadcastDashboard, b.handleDashboard},
	}
	for _, r := range routes {
		sub, err := b.bus.Subscribe(r.subject, r.handler)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
}

func (b *Bridge) handleResult(ctx context.Context, msg *bus.Message) {
	b.countInbound("result")
	var task models.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		b.logger.Debug("dropping malformed result", "subject", msg.Subject)
		return
	}
	b.scheduler.HandleResult(ctx, &task)
}

func (b *Bridge) handleProgress(ctx context.Context, msg *bus.Message) {
	b.countInbound("progress")
	var progress models.TaskProgress
	if err := json.Unmarshal(msg.Data, &progress); err != nil {
		b.logger.Debug("dropping malformed progress", "subject", msg.Subject)
		return
	}
	b.scheduler.HandleProgress(ctx, progress)
	b.clients.Broadcast("task.progress", progress)
}

func (b *Bridge) handleChatStream(msg *bus.Message) {
	b.countInbound("chat")
	var ev models.ChatStreamEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	b.clients.Broadcast("chat.stream", ev)
}

func (b *Bridge) handleDashboard(msg *bus.Message) {
	b.countInbound("broadcast")
	var payload models.AgentMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return
	}
	b.clients.Broadcast("agent.message", payload)
}

func (b *Bridge) countInbound(class string) {
	if b.metrics != nil {
		b.metrics.RecordBusMessage(class, "inbound")
	}
}
