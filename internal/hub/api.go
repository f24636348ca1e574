package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/cron"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// registerMethods binds every hub method. Method names are hierarchical;
// dashboards discover them out of band.
func (s *Server) registerMethods() {
	s.methods.Register("tasks.create", s.methodTasksCreate)
	s.methods.Register("tasks.cancel", s.methodTasksCancel)
	s.methods.Register("tasks.list", s.methodTasksList)
	s.methods.Register("agents.list", s.methodAgentsList)
	s.methods.Register("agents.message", s.methodAgentsMessage)
	s.methods.Register("channels.list", s.methodChannelsList)
	s.methods.Register("channels.send", s.methodChannelsSend)
	s.methods.Register("channels.status", s.methodChannelsStatus)
	s.methods.Register("channels.messages", s.methodChannelsMessages)
	s.methods.Register("channels.config", s.methodChannelsConfig)
	s.methods.Register("sessions.list", s.methodSessionsList)
	s.methods.Register("cron.list", s.methodCronList)
	s.methods.Register("cron.add", s.methodCronAdd)
	s.methods.Register("cron.remove", s.methodCronRemove)
	s.methods.Register("system.metrics", s.methodSystemMetrics)

	// The imessage channel predates the generic channel methods; keep its
	// dedicated names as aliases.
	s.methods.Register("imessage.status", forceChannel("imessage", s.methodChannelsStatus))
	s.methods.Register("imessage.send", forceChannel("imessage", s.methodChannelsSend))
	s.methods.Register("imessage.messages", forceChannel("imessage", s.methodChannelsMessages))
}

type channelParams struct {
	Channel string          `json:"channel,omitempty"`
	To      string          `json:"to,omitempty"`
	Content string          `json:"content,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// forceChannel rewrites params so aliased methods always address one
// channel regardless of what the caller sent.
func forceChannel(channel string, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
		var p channelParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, Errf(CodeBadRequest, "invalid params: %v", err)
			}
		}
		p.Channel = channel
		rewritten, err := json.Marshal(p)
		if err != nil {
			return nil, Errf(CodeInternal, "rewrite params: %v", err)
		}
		return fn(ctx, clientID, rewritten)
	}
}

func (s *Server) methodTasksCreate(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var req TaskRequest
	if errp := decodeParams(params, &req); errp != nil {
		return nil, errp
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "dashboard"
	}
	task, err := s.scheduler.CreateTask(ctx, req)
	if err != nil {
		return nil, Errf(CodeBadRequest, "%v", err)
	}
	return task, nil
}

func (s *Server) methodTasksCancel(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.TaskID == "" {
		return nil, Errf(CodeBadRequest, "task_id is required")
	}
	task, err := s.scheduler.Cancel(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, Errf(CodeNotFound, "%v", err)
		}
		return nil, Errf(CodeBadRequest, "%v", err)
	}
	return task, nil
}

func (s *Server) methodTasksList(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p struct {
		Status models.TaskStatus `json:"status,omitempty"`
		Limit  int               `json:"limit,omitempty"`
	}
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	tasks, err := s.scheduler.ListTasks(ctx, p.Status, p.Limit)
	if err != nil {
		return nil, Errf(CodeInternal, "list tasks: %v", err)
	}
	return map[string]any{"tasks": tasks}, nil
}

func (s *Server) methodAgentsList(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	agents, err := s.monitor.Roster(ctx)
	if err != nil {
		return nil, Errf(CodeInternal, "list agents: %v", err)
	}
	return map[string]any{"agents": agents}, nil
}

func (s *Server) methodAgentsMessage(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p struct {
		To       string              `json:"to"`
		Type     string              `json:"type,omitempty"`
		Content  string              `json:"content"`
		Priority models.TaskPriority `json:"priority,omitempty"`
	}
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.To == "" {
		return nil, Errf(CodeBadRequest, "to is required")
	}
	if p.Content == "" {
		return nil, Errf(CodeBadRequest, "content is required")
	}
	if p.Type == "" {
		p.Type = "notification"
	}
	msg := models.AgentMessage{
		From:     "dashboard",
		To:       p.To,
		Type:     p.Type,
		Content:  p.Content,
		Priority: p.Priority,
		SentAt:   time.Now().UnixMilli(),
	}
	if err := s.bus.PublishJSON(bus.AgentDM(p.To), msg); err != nil {
		return nil, Errf(CodeInternal, "deliver message: %v", err)
	}
	return msg, nil
}

func (s *Server) methodChannelsList(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	return map[string]any{"channels": s.channels.List()}, nil
}

func (s *Server) methodChannelsSend(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p channelParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	msg, err := s.channels.Send(ctx, p.Channel, p.To, p.Content)
	if err != nil {
		return nil, Errf(CodeBadRequest, "%v", err)
	}
	return msg, nil
}

func (s *Server) methodChannelsStatus(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p channelParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.Channel == "" {
		return nil, Errf(CodeBadRequest, "channel is required")
	}
	st, ok := s.channels.Status(p.Channel)
	if !ok {
		return nil, Errf(CodeNotFound, "channel %s has never reported", p.Channel)
	}
	return st, nil
}

func (s *Server) methodChannelsMessages(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p channelParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.Channel == "" {
		return nil, Errf(CodeBadRequest, "channel is required")
	}
	msgs, err := s.channels.Messages(p.Channel, p.Limit)
	if err != nil {
		return nil, Errf(CodeInternal, "read history: %v", err)
	}
	return map[string]any{"messages": msgs}, nil
}

// methodChannelsConfig reads the channel's settings blob, or replaces it
// when params carry one.
func (s *Server) methodChannelsConfig(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p channelParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.Channel == "" {
		return nil, Errf(CodeBadRequest, "channel is required")
	}
	if len(p.Config) > 0 {
		if err := s.channels.SetConfig(ctx, p.Channel, p.Config); err != nil {
			return nil, Errf(CodeBadRequest, "%v", err)
		}
		audit.Default().Emit(audit.Record{
			Type:    audit.EventConfigChanged,
			Source:  clientID,
			Details: map[string]any{"channel": p.Channel},
		})
	}
	cfg, err := s.channels.Config(ctx, p.Channel)
	if err != nil {
		return nil, Errf(CodeInternal, "read config: %v", err)
	}
	return map[string]any{"channel": p.Channel, "config": cfg}, nil
}

func (s *Server) methodSessionsList(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p struct {
		AgentID string `json:"agent_id,omitempty"`
		Limit   int    `json:"limit,omitempty"`
	}
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.Limit <= 0 || p.Limit > listScanLimit {
		p.Limit = 50
	}
	entries, err := s.kv.HGetAll(ctx, kv.SessionsKey)
	if err != nil {
		return nil, Errf(CodeInternal, "list sessions: %v", err)
	}
	sessions := make([]models.SessionMeta, 0, len(entries))
	for _, raw := range entries {
		var meta models.SessionMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if p.AgentID != "" && meta.AgentID != p.AgentID {
			continue
		}
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	if len(sessions) > p.Limit {
		sessions = sessions[:p.Limit]
	}
	return map[string]any{"sessions": sessions}, nil
}

// cronJobView flattens a runtime job for API responses.
type cronJobView struct {
	cron.Spec
	NextRun    *time.Time `json:"nextRun,omitempty"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	LastTaskID string     `json:"lastTaskId,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

func cronView(job cron.Job) cronJobView {
	v := cronJobView{Spec: job.Spec, LastTaskID: job.LastTaskID, LastError: job.LastError}
	if !job.NextRun.IsZero() {
		t := job.NextRun
		v.NextRun = &t
	}
	if !job.LastRun.IsZero() {
		t := job.LastRun
		v.LastRun = &t
	}
	return v
}

func (s *Server) methodCronList(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	jobs := s.cron.Jobs()
	views := make([]cronJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, cronView(job))
	}
	return map[string]any{"jobs": views}, nil
}

func (s *Server) methodCronAdd(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var spec cron.Spec
	if errp := decodeParams(params, &spec); errp != nil {
		return nil, errp
	}
	job, err := s.cron.Add(spec)
	if err != nil {
		return nil, Errf(CodeBadRequest, "%v", err)
	}
	return cronView(*job), nil
}

func (s *Server) methodCronRemove(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	var p struct {
		ID string `json:"id"`
	}
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.ID == "" {
		return nil, Errf(CodeBadRequest, "id is required")
	}
	if err := s.cron.Remove(p.ID); err != nil {
		return nil, Errf(CodeNotFound, "%v", err)
	}
	return map[string]any{"removed": p.ID}, nil
}

func (s *Server) methodSystemMetrics(ctx context.Context, clientID string, params json.RawMessage) (any, *Error) {
	return map[string]any{
		"uptime_ms":         time.Since(s.startTime).Milliseconds(),
		"agents":            s.monitor.CountByStatus(ctx),
		"tasks":             s.scheduler.CountByStatus(ctx),
		"connected_clients": s.clients.Count(),
		"storage_fallback":  s.layout.Fallback,
		"audit_dropped":     audit.Default().Dropped(),
		"bus_connected":     s.bus.IsConnected(),
	}, nil
}
