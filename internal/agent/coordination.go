package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// coordTimeout bounds the request round-trip to the hub for delegations
// and status checks.
const coordTimeout = 5 * time.Second

type messageAgentInput struct {
	To                   string   `json:"to,omitempty" jsonschema:"description=Recipient agent id. Required for query and notification and result messages"`
	Type                 string   `json:"type" jsonschema:"description=Message kind,enum=task,enum=delegation,enum=query,enum=notification,enum=result"`
	Content              string   `json:"content" jsonschema:"description=Message body. For delegations this becomes the task description"`
	Title                string   `json:"title,omitempty" jsonschema:"description=Task title for delegations. Defaults to the first line of content"`
	Priority             string   `json:"priority,omitempty" jsonschema:"description=Delegation priority: low or normal or high or critical,enum=low,enum=normal,enum=high,enum=critical"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" jsonschema:"description=Capabilities the executing agent must have (delegations only)"`
}

// MessageAgent is the inter-agent messaging tool. Task and delegation
// messages go through the hub, which creates a scheduled task and replies
// with its id; the other kinds go straight to the recipient's dm subject.
func MessageAgent(b bus.Bus, agentID string) tools.Descriptor {
	return tools.Descriptor{
		Name: "message_agent",
		Description: "Send a message to another agent. Use type delegation (or task) to hand off work " +
			"through the scheduler, query to ask a question, notification to share information, " +
			"and result to return an answer.",
		InputSchema: tools.SchemaFor(messageAgentInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			var in messageAgentInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode message_agent input: %w", err)
			}
			if strings.TrimSpace(in.Content) == "" {
				return nil, fmt.Errorf("content is required")
			}
			switch in.Type {
			case "task", "delegation":
				return delegate(ctx, b, agentID, in)
			case "query", "notification", "result":
				if in.To == "" {
					return nil, fmt.Errorf("to is required for %s messages", in.Type)
				}
				msg := models.AgentMessage{
					From:     agentID,
					To:       in.To,
					Type:     in.Type,
					Content:  in.Content,
					Priority: models.TaskPriority(in.Priority),
					SentAt:   time.Now().UnixMilli(),
				}
				if err := b.PublishJSON(bus.AgentDM(in.To), msg); err != nil {
					return nil, fmt.Errorf("send %s to %s: %w", in.Type, in.To, err)
				}
				return tools.TextResult(fmt.Sprintf("%s sent to %s", in.Type, in.To)), nil
			default:
				return nil, fmt.Errorf("unknown message type %q", in.Type)
			}
		},
	}
}

func delegate(ctx context.Context, b bus.Bus, agentID string, in messageAgentInput) (*tools.Result, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = firstLine(in.Content, 80)
	}
	priority := models.TaskPriority(in.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}
	req := models.CoordinationRequest{
		Type:                 "delegation",
		From:                 agentID,
		Title:                title,
		Description:          in.Content,
		Priority:             priority,
		RequiredCapabilities: in.RequiredCapabilities,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode delegation: %w", err)
	}
	replyData, err := b.Request(ctx, bus.SubjectCoordinationRequest, data, coordTimeout)
	if err != nil {
		return nil, fmt.Errorf("delegation request: %w", err)
	}
	var reply models.CoordinationReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return nil, fmt.Errorf("decode delegation reply: %w", err)
	}
	if reply.Error != "" {
		return tools.Errorf("delegation rejected: %s", reply.Error), nil
	}
	if reply.TaskID == "" {
		return nil, fmt.Errorf("delegation reply carries no task id")
	}
	return tools.TextResult(fmt.Sprintf(
		"delegated as task %s. Check it with check_delegated_task before reporting completion.",
		reply.TaskID)), nil
}

type checkDelegatedTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"description=Id of the delegated task to check"`
}

// CheckDelegatedTask is the delegation follow-up tool: it asks the hub for
// the current state of a task created through message_agent.
func CheckDelegatedTask(b bus.Bus) tools.Descriptor {
	return tools.Descriptor{
		Name:        "check_delegated_task",
		Description: "Check the status of a task you delegated. Always call this after delegating, before reporting results.",
		InputSchema: tools.SchemaFor(checkDelegatedTaskInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			var in checkDelegatedTaskInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode check_delegated_task input: %w", err)
			}
			if in.TaskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			req := models.CoordinationRequest{Type: "status", TaskID: in.TaskID}
			data, err := json.Marshal(req)
			if err != nil {
				return nil, fmt.Errorf("encode status check: %w", err)
			}
			replyData, err := b.Request(ctx, bus.SubjectCoordinationRequest, data, coordTimeout)
			if err != nil {
				return nil, fmt.Errorf("status check request: %w", err)
			}
			var reply models.CoordinationReply
			if err := json.Unmarshal(replyData, &reply); err != nil {
				return nil, fmt.Errorf("decode status reply: %w", err)
			}
			if reply.Error != "" {
				return tools.Errorf("status check failed: %s", reply.Error), nil
			}
			if reply.Task == nil {
				return nil, fmt.Errorf("status reply carries no task")
			}
			return tools.TextResult(formatTaskState(reply.Task)), nil
		},
	}
}

func formatTaskState(t *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s): %s", t.ID, t.Title, t.Status)
	if t.AssignedAgent != "" {
		fmt.Fprintf(&b, "\nassigned to: %s", t.AssignedAgent)
	}
	if t.Result != "" {
		fmt.Fprintf(&b, "\nresult: %s", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", t.Error)
	}
	return b.String()
}

// firstLine truncates content to its first line, capped at max runes.
func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return s
}
