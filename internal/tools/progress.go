package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/pkg/models"
)

type taskIDKey struct{}

// ContextWithTaskID stamps the active task onto a tool execution context so
// built-ins can publish against its progress subject.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFromContext returns the active task id, if any.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

type taskProgressInput struct {
	Note string `json:"note" jsonschema:"description=Short status note for observers of the current task"`
}

// TaskProgress lets an agent publish a progress note on its active task.
func TaskProgress(b bus.Bus, agentID string) Descriptor {
	return Descriptor{
		Name:        "task_progress",
		Description: "Publish a progress note on the task currently being worked.",
		InputSchema: SchemaFor(&taskProgressInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in taskProgressInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			if in.Note == "" {
				return nil, fmt.Errorf("note is required")
			}
			taskID := TaskIDFromContext(ctx)
			if taskID == "" {
				return nil, fmt.Errorf("no active task to report progress on")
			}
			update := models.TaskProgress{
				TaskID:  taskID,
				AgentID: agentID,
				Status:  models.TaskInProgress,
				Note:    in.Note,
				At:      time.Now().UnixMilli(),
			}
			if err := b.PublishJSON(bus.TaskProgress(taskID), update); err != nil {
				return nil, fmt.Errorf("publish progress: %w", err)
			}
			return TextResult("progress noted"), nil
		},
	}
}
