package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/providers"
	"github.com/jarvislabs/jarvis/internal/session"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// Coordination literals. A heartbeat turn answering exactly heartbeatOK
// produces no broadcast; noReply suppresses a dm response. Matching is
// exact after trimming whitespace.
const (
	heartbeatOK = "HEARTBEAT_OK"
	noReply     = "NO_REPLY"
)

const (
	inboxCap       = 100
	oneTurnTimeout = time.Minute
)

// inbox queues messages that arrive between reasoning turns. The next turn
// drains it into user-role messages.
type inbox struct {
	mu   sync.Mutex
	msgs []*models.AgentMessage
}

func newInbox() *inbox { return &inbox{} }

func (i *inbox) push(msg *models.AgentMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.msgs) >= inboxCap {
		i.msgs = i.msgs[1:]
	}
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) drain() []*models.AgentMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	msgs := i.msgs
	i.msgs = nil
	return msgs
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

// drainInbox turns queued peer messages into user-role journal entries so
// the next model call sees them.
func (r *Runtime) drainInbox(journal *session.Journal) {
	for _, m := range r.inbox.drain() {
		if err := journal.AppendMessage(models.ChatRoleUser, renderMessage(m), nil); err != nil {
			r.logger.Warn("journaling inbox message failed", "from", m.From, "error", err)
		}
	}
}

func renderMessage(m *models.AgentMessage) string {
	return fmt.Sprintf("Message from %s (%s): %s", m.From, m.Type, m.Content)
}

func (r *Runtime) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// handleDM receives a direct message. Queries to an idle agent get an
// immediate one-turn answer; everything else queues for the next turn.
func (r *Runtime) handleDM(msg *bus.Message) {
	var m models.AgentMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.logger.Warn("dropping malformed dm", "error", err)
		return
	}
	if m.From == "" || m.Content == "" {
		return
	}

	ev := hooks.NewEvent(hooks.MessageReceived, "", r.cfg.ID).WithMessage(&m)
	ev.Config = r.cfg
	if err := r.deps.Hooks.Fire(r.runCtx, ev); err != nil {
		r.logger.Warn("message_received hook failed", "from", m.From, "error", err)
	}

	// Model turns are too slow for the bus dispatch goroutine.
	if m.Type == "query" && !r.busy() {
		r.spawn(func() { r.answerQuery(r.runCtx, &m) })
		return
	}
	r.inbox.push(&m)
	r.logger.Debug("dm queued", "from", m.From, "type", m.Type, "pending", r.inbox.len())
}

// answerQuery runs one model turn for a peer question and dms the answer
// back, unless the model opts out with the no-reply literal.
func (r *Runtime) answerQuery(ctx context.Context, m *models.AgentMessage) {
	reply, err := r.oneTurn(ctx, r.queryPrompt(m.From), renderMessage(m))
	if err != nil {
		r.logger.Warn("answering query failed", "from", m.From, "error", err)
		return
	}
	if reply == "" || reply == noReply {
		return
	}
	out := models.AgentMessage{
		From:    r.cfg.ID,
		To:      m.From,
		Type:    "result",
		Content: reply,
		TaskID:  m.TaskID,
		SentAt:  time.Now().UnixMilli(),
	}
	if err := r.deps.Bus.PublishJSON(bus.AgentDM(m.From), out); err != nil {
		r.logger.Warn("sending query reply failed", "to", m.From, "error", err)
	}
}

// handleBroadcast consumes the shared broadcast subject. Peer messages
// queue like dms; roster refreshes from the hub need no action because the
// prompt builds its roster from KV.
func (r *Runtime) handleBroadcast(msg *bus.Message) {
	var m models.AgentMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.From == "" || m.Content == "" {
		r.logger.Debug("broadcast received")
		return
	}
	if m.From == r.cfg.ID {
		return
	}
	ev := hooks.NewEvent(hooks.MessageReceived, "", r.cfg.ID).WithMessage(&m)
	ev.Config = r.cfg
	if err := r.deps.Hooks.Fire(r.runCtx, ev); err != nil {
		r.logger.Warn("message_received hook failed", "from", m.From, "error", err)
	}
	r.inbox.push(&m)
}

// heartbeatReply answers a heartbeat poll request.
type heartbeatReply struct {
	AgentID string `json:"agentId"`
	Reply   string `json:"reply"`
	TaskID  string `json:"taskId,omitempty"`
	At      int64  `json:"at"` // unix ms
}

// handleHeartbeatPoll runs one model turn over the queued inbox. A reply
// of exactly the ok literal short-circuits; anything else is broadcast to
// the dashboard subject. Busy agents skip the model turn entirely, their
// reasoning loop is already reporting progress.
func (r *Runtime) handleHeartbeatPoll(msg *bus.Message) {
	if r.busy() {
		r.mu.Lock()
		taskID := ""
		if r.current != nil {
			taskID = r.current.ID
		}
		r.mu.Unlock()
		r.respondHeartbeat(msg, heartbeatOK, taskID)
		return
	}
	r.spawn(func() { r.heartbeatTurn(msg) })
}

func (r *Runtime) heartbeatTurn(msg *bus.Message) {
	var user strings.Builder
	user.WriteString("Heartbeat poll.")
	if len(msg.Data) > 0 {
		var poll struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(msg.Data, &poll); err == nil && poll.Content != "" {
			user.WriteString(" ")
			user.WriteString(poll.Content)
		}
	}
	pending := r.inbox.drain()
	for _, m := range pending {
		user.WriteString("\n")
		user.WriteString(renderMessage(m))
	}

	reply, err := r.oneTurn(r.runCtx, r.heartbeatPrompt(), user.String())
	if err != nil {
		r.logger.Warn("heartbeat turn failed", "error", err)
		r.respondHeartbeat(msg, heartbeatOK, "")
		return
	}
	if reply == "" || reply == heartbeatOK || reply == noReply {
		r.respondHeartbeat(msg, heartbeatOK, "")
		return
	}

	r.respondHeartbeat(msg, reply, "")
	out := models.AgentMessage{
		From:    r.cfg.ID,
		To:      "dashboard",
		Type:    "notification",
		Content: reply,
		SentAt:  time.Now().UnixMilli(),
	}
	if err := r.deps.Bus.PublishJSON(bus.SubjectBroadcastDashboard, out); err != nil {
		r.logger.Warn("broadcasting heartbeat reply failed", "error", err)
	}
}

func (r *Runtime) respondHeartbeat(msg *bus.Message, reply, taskID string) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(heartbeatReply{
		AgentID: r.cfg.ID,
		Reply:   reply,
		TaskID:  taskID,
		At:      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("responding to heartbeat poll failed", "error", err)
	}
}

// oneTurn runs a single non-streaming model call with failover and returns
// the trimmed text.
func (r *Runtime) oneTurn(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, oneTurnTimeout)
	defer cancel()
	resp, err := r.deps.Providers.ChatWithFailover(ctx, &providers.ChatRequest{
		Model:  r.cfg.Model,
		System: system,
		Messages: []models.ChatMessage{
			{Role: models.ChatRoleUser, Content: user},
		},
	}, r.cfg.FallbackModels)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.PlainText()), nil
}
