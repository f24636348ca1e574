package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/providers"
	"github.com/jarvislabs/jarvis/internal/session"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// errBudgetExceeded marks loop terminations caused by any of the three
// budgets: wall clock, task tokens, or iteration count.
var errBudgetExceeded = errors.New("budget_exceeded")

// runTask drives one assignment through the reasoning loop to a terminal
// state. Tool errors feed back into the conversation as error results;
// only provider failure, journal failure or an exhausted budget fails the
// task.
func (r *Runtime) runTask(ctx context.Context, task *models.Task) {
	r.mu.Lock()
	r.status = models.AgentBusy
	r.current = task
	r.lastAssignment = time.Now().UnixMilli()
	r.mu.Unlock()
	r.publishState()

	if r.deps.Tracer != nil {
		var span trace.Span
		ctx, span = r.deps.Tracer.TraceTask(ctx, task.ID, r.cfg.ID)
		defer span.End()
	}

	ev := hooks.NewEvent(hooks.TaskAssigned, "", r.cfg.ID).WithTask(task)
	ev.Config = r.cfg
	if err := r.deps.Hooks.Fire(ctx, ev); err != nil {
		r.logger.Warn("task_assigned hook failed", "task", task.ID, "error", err)
	}

	journal, sessionID, err := r.openSession(ctx, task)
	if err != nil {
		r.logger.Error("opening session failed", "task", task.ID, "error", err)
		r.finishTask(ctx, nil, "", task, "", fmt.Sprintf("session setup failed: %v", err))
		return
	}

	sev := hooks.NewEvent(hooks.SessionStart, sessionID, r.cfg.ID).WithTask(task)
	sev.Config = r.cfg
	if err := r.deps.Hooks.Fire(ctx, sev); err != nil {
		r.logger.Warn("session_start hook failed", "session", sessionID, "error", err)
	}

	r.publishProgress(task, models.TaskInProgress, "started")
	r.logger.Info("task started", "task", task.ID, "title", task.Title, "session", sessionID)

	result, loopErr := r.reasonLoop(ctx, journal, sessionID, task)

	var errMsg string
	if loopErr != nil {
		if errors.Is(loopErr, errBudgetExceeded) {
			errMsg = "budget_exceeded"
		} else {
			errMsg = loopErr.Error()
		}
	}
	r.finishTask(ctx, journal, sessionID, task, result, errMsg)
}

func (r *Runtime) openSession(ctx context.Context, task *models.Task) (*session.Journal, string, error) {
	sessionID := session.NewSessionID(r.cfg.ID)
	path, err := r.deps.Layout.SessionFile(r.cfg.ID, sessionID)
	if err != nil {
		return nil, "", err
	}
	journal, err := session.Create(path, sessionID, r.cfg.ID, task.ID)
	if err != nil {
		return nil, "", err
	}
	if err := journal.AppendMessage(models.ChatRoleUser, taskPrompt(task), nil); err != nil {
		journal.Close()
		return nil, "", err
	}
	r.registerSession(ctx, &models.SessionMeta{
		SessionID: sessionID,
		AgentID:   r.cfg.ID,
		TaskID:    task.ID,
		Path:      path,
		StartedAt: time.Now().UnixMilli(),
	})
	return journal, sessionID, nil
}

// registerSession mirrors session metadata into KV so the hub can list
// sessions fleet-wide. Best effort: the journal on disk is authoritative.
func (r *Runtime) registerSession(ctx context.Context, meta *models.SessionMeta) {
	if r.deps.KV == nil {
		return
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := r.deps.KV.HSet(ctx, kv.SessionsKey, meta.SessionID, data); err != nil {
		r.logger.Debug("session metadata write failed", "session", meta.SessionID, "error", err)
	}
}

// closeSession stamps the end time on the KV session record.
func (r *Runtime) closeSession(ctx context.Context, sessionID string) {
	if r.deps.KV == nil || sessionID == "" {
		return
	}
	data, err := r.deps.KV.HGet(ctx, kv.SessionsKey, sessionID)
	if err != nil {
		return
	}
	var meta models.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}
	meta.EndedAt = time.Now().UnixMilli()
	if out, err := json.Marshal(&meta); err == nil {
		_ = r.deps.KV.HSet(ctx, kv.SessionsKey, sessionID, out)
	}
}

// reasonLoop runs model turns until the model stops asking for tools, a
// budget runs out, or the provider fails. It returns the final assistant
// text on success.
func (r *Runtime) reasonLoop(ctx context.Context, journal *session.Journal, sessionID string, task *models.Task) (string, error) {
	wallCtx, cancel := context.WithTimeout(ctx, r.maxWallTime())
	defer cancel()

	system := r.systemPrompt(wallCtx, task)
	var usedTokens int

	for iteration := 1; iteration <= r.maxIterations(); iteration++ {
		if wallCtx.Err() != nil {
			return "", fmt.Errorf("wall clock budget: %w", errBudgetExceeded)
		}

		r.drainInbox(journal)

		if iteration > 1 {
			if _, err := journal.Compact(); err != nil {
				r.logger.Warn("session compaction failed", "session", sessionID, "error", err)
			}
		}
		messages, err := session.Restore(journal.Path())
		if err != nil {
			return "", fmt.Errorf("restore session %s: %w", sessionID, err)
		}

		req := &providers.ChatRequest{
			Model:    r.cfg.Model,
			System:   system,
			Messages: messages,
			Tools:    r.deps.Tools.Specs(),
			Stream:   true,
		}
		turn, err := r.streamTurn(wallCtx, sessionID, task.ID, req)
		if err != nil {
			if wallCtx.Err() != nil {
				return "", fmt.Errorf("wall clock budget: %w", errBudgetExceeded)
			}
			return "", fmt.Errorf("model turn %d: %w", iteration, err)
		}

		if err := journal.AppendMessage(models.ChatRoleAssistant, turn.text, turn.blocks()); err != nil {
			return "", fmt.Errorf("journal assistant turn: %w", err)
		}
		if err := journal.AppendUsage(models.UsageEntry{
			InputTokens:  turn.usage.InputTokens,
			OutputTokens: turn.usage.OutputTokens,
			TotalTokens:  turn.usage.InputTokens + turn.usage.OutputTokens,
		}); err != nil {
			r.logger.Warn("journal usage failed", "session", sessionID, "error", err)
		}

		oev := hooks.NewEvent(hooks.LLMOutput, sessionID, r.cfg.ID).WithTask(task).WithOutput(turn.text)
		oev.Config = r.cfg
		if err := r.deps.Hooks.Fire(wallCtx, oev); err != nil {
			r.logger.Warn("llm_output hook failed", "session", sessionID, "error", err)
		}

		usedTokens += turn.usage.InputTokens + turn.usage.OutputTokens
		if r.cfg.MaxTaskTokens > 0 && usedTokens > r.cfg.MaxTaskTokens {
			return "", fmt.Errorf("token budget (%d used): %w", usedTokens, errBudgetExceeded)
		}

		if turn.stop != providers.StopToolUse || len(turn.toolUses) == 0 {
			return turn.text, nil
		}
		for _, use := range turn.toolUses {
			r.executeToolUse(wallCtx, journal, sessionID, task, use)
		}
	}
	return "", fmt.Errorf("iteration budget (%d turns): %w", r.maxIterations(), errBudgetExceeded)
}

func (r *Runtime) executeToolUse(ctx context.Context, journal *session.Journal, sessionID string, task *models.Task, use models.ContentBlock) {
	bev := hooks.NewEvent(hooks.BeforeToolCall, sessionID, r.cfg.ID).WithTask(task).WithTool(use.Name, use.ID)
	bev.Config = r.cfg
	if err := r.deps.Hooks.Fire(ctx, bev); err != nil {
		r.logger.Warn("before_tool_call hook failed", "tool", use.Name, "error", err)
	}

	if err := journal.AppendToolCall(use.Name, use.ID, use.Input); err != nil {
		r.logger.Warn("journal tool call failed", "tool", use.Name, "error", err)
	}

	start := time.Now()
	res := r.deps.Tools.Execute(tools.ContextWithTaskID(ctx, task.ID), r.cfg.ID, use.Name, use.Input)
	elapsed := time.Since(start)

	content := res.Content
	if content == "" && len(res.Blocks) > 0 {
		content = models.FlattenText(res.Blocks)
	}
	if err := journal.AppendToolResult(use.ID, content, res.IsError); err != nil {
		r.logger.Warn("journal tool result failed", "tool", use.Name, "error", err)
	}

	aev := hooks.NewEvent(hooks.AfterToolCall, sessionID, r.cfg.ID).WithTask(task).WithTool(use.Name, use.ID)
	aev.Config = r.cfg
	aev = aev.WithData("is_error", res.IsError).WithData("duration_ms", elapsed.Milliseconds())
	if err := r.deps.Hooks.Fire(ctx, aev); err != nil {
		r.logger.Warn("after_tool_call hook failed", "tool", use.Name, "error", err)
	}

	r.logger.Debug("tool executed",
		"tool", use.Name, "task", task.ID, "is_error", res.IsError,
		"duration", elapsed.Round(time.Millisecond))
}

// turn collects one streamed assistant message.
type turn struct {
	text     string
	toolUses []models.ContentBlock
	usage    providers.Usage
	stop     providers.StopReason
}

// blocks renders the turn as journal content blocks, text first so replays
// read in generation order.
func (t *turn) blocks() []models.ContentBlock {
	if len(t.toolUses) == 0 {
		return nil
	}
	blocks := make([]models.ContentBlock, 0, len(t.toolUses)+1)
	if t.text != "" {
		blocks = append(blocks, models.TextBlock(t.text))
	}
	return append(blocks, t.toolUses...)
}

// streamTurn consumes one model stream, republishing text deltas on the
// chat stream subject as they arrive.
func (r *Runtime) streamTurn(ctx context.Context, sessionID, taskID string, req *providers.ChatRequest) (*turn, error) {
	ch, err := r.deps.Providers.ChatStreamWithFailover(ctx, req, r.cfg.FallbackModels)
	if err != nil {
		return nil, err
	}

	var (
		text strings.Builder
		out  turn
	)
	for chunk := range ch {
		switch chunk.Type {
		case providers.ChunkTextDelta:
			text.WriteString(chunk.Text)
			r.publishStreamDelta(sessionID, taskID, chunk.Text)
		case providers.ChunkToolUseEnd:
			args := strings.TrimSpace(chunk.Args)
			if args == "" {
				args = "{}"
			}
			out.toolUses = append(out.toolUses, models.ToolUseBlock(chunk.ToolUseID, chunk.ToolName, json.RawMessage(args)))
		case providers.ChunkMessageEnd:
			out.stop = chunk.StopReason
			if chunk.Usage != nil {
				out.usage = *chunk.Usage
			}
		case providers.ChunkError:
			return nil, chunk.Err
		}
	}
	out.text = text.String()
	return &out, nil
}

func (r *Runtime) publishStreamDelta(sessionID, taskID, text string) {
	if text == "" {
		return
	}
	ev := models.ChatStreamEvent{
		AgentID:   r.cfg.ID,
		SessionID: sessionID,
		TaskID:    taskID,
		Text:      text,
		At:        time.Now().UnixMilli(),
	}
	if err := r.deps.Bus.PublishJSON(bus.SubjectChatStream, ev); err != nil {
		r.logger.Warn("publishing stream delta failed", "error", err)
	}
}

// finishTask settles the terminal state: publishes the result and final
// progress, updates counters, fires the terminal hooks and closes the
// session.
func (r *Runtime) finishTask(ctx context.Context, journal *session.Journal, sessionID string, task *models.Task, result, errMsg string) {
	now := time.Now()
	task.AssignedAgent = r.cfg.ID
	task.UpdatedAt = now
	if errMsg != "" {
		task.Status = models.TaskFailed
		task.Error = errMsg
	} else {
		task.Status = models.TaskCompleted
		task.Result = result
	}

	if err := r.deps.Bus.PublishJSON(bus.AgentResult(r.cfg.ID), task); err != nil {
		r.logger.Warn("publishing task result failed", "task", task.ID, "error", err)
	}
	note := "completed"
	if errMsg != "" {
		note = errMsg
	}
	r.publishProgress(task, task.Status, note)

	r.mu.Lock()
	if errMsg != "" {
		r.failed++
	} else {
		r.completed++
	}
	r.current = nil
	r.status = models.AgentIdle
	r.mu.Unlock()
	r.storeState(ctx)

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordTaskTransition(string(models.TaskInProgress), string(task.Status))
	}

	hook := hooks.TaskCompleted
	if errMsg != "" {
		hook = hooks.TaskFailed
	}
	tev := hooks.NewEvent(hook, sessionID, r.cfg.ID).WithTask(task)
	tev.Config = r.cfg
	if errMsg != "" {
		tev = tev.WithError(errors.New(errMsg))
	}
	if err := r.deps.Hooks.Fire(ctx, tev); err != nil {
		r.logger.Warn("terminal task hook failed", "task", task.ID, "error", err)
	}

	if journal != nil {
		eev := hooks.NewEvent(hooks.SessionEnd, sessionID, r.cfg.ID).WithTask(task)
		eev.Config = r.cfg
		if err := r.deps.Hooks.Fire(ctx, eev); err != nil {
			r.logger.Warn("session_end hook failed", "session", sessionID, "error", err)
		}
		if err := journal.Close(); err != nil {
			r.logger.Warn("closing session failed", "session", sessionID, "error", err)
		}
		r.closeSession(ctx, sessionID)
	}

	r.publishState()
	if errMsg != "" {
		r.logger.Warn("task failed", "task", task.ID, "error", errMsg)
	} else {
		r.logger.Info("task completed", "task", task.ID)
	}
}

func (r *Runtime) publishProgress(task *models.Task, status models.TaskStatus, note string) {
	update := models.TaskProgress{
		TaskID:  task.ID,
		AgentID: r.cfg.ID,
		Status:  status,
		Note:    note,
		At:      time.Now().UnixMilli(),
	}
	if err := r.deps.Bus.PublishJSON(bus.TaskProgress(task.ID), update); err != nil {
		r.logger.Warn("publishing progress failed", "task", task.ID, "error", err)
	}
}

// taskPrompt renders the assignment as the opening user message.
func taskPrompt(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if task.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s\n", task.Priority)
	}
	if task.CreatedBy != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", task.CreatedBy)
	}
	b.WriteString("\nWork the task with your tools and reply with a final summary when done.")
	return b.String()
}
