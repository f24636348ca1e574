package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// coordinationQueue shares coordination traffic across hub replicas so each
// request is answered once.
const coordinationQueue = "hub"

// Coordinator answers delegation and status requests from agents. It is
// the bus-facing twin of the tasks.create and task lookup methods.
type Coordinator struct {
	bus       bus.Bus
	scheduler *Scheduler
	logger    *slog.Logger

	sub bus.Subscription
}

func NewCoordinator(b bus.Bus, scheduler *Scheduler, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		bus:       b,
		scheduler: scheduler,
		logger:    logger.With("component", "coordination"),
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.bus.QueueSubscribe(bus.SubjectCoordinationRequest, coordinationQueue, func(msg *bus.Message) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *Coordinator) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *Coordinator) handle(ctx context.Context, msg *bus.Message) {
	var req models.CoordinationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Debug("dropping malformed coordination request", "error", err)
		return
	}

	var reply models.CoordinationReply
	switch req.Type {
	case "delegation":
		reply = c.delegate(ctx, &req)
	case "status":
		reply = c.status(ctx, &req)
	default:
		reply = models.CoordinationReply{Error: fmt.Sprintf("unknown coordination type %q", req.Type)}
	}

	// Fire-and-forget delegations are legal; only answer when asked.
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("coordination reply failed", "type", req.Type, "error", err)
	}
}

func (c *Coordinator) delegate(ctx context.Context, req *models.CoordinationRequest) models.CoordinationReply {
	task, err := c.scheduler.CreateTask(ctx, TaskRequest{
		Title:                req.Title,
		Description:          req.Description,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		CreatedBy:            req.From,
	})
	if err != nil {
		c.logger.Warn("delegation rejected", "from", req.From, "error", err)
		return models.CoordinationReply{Error: err.Error()}
	}
	c.logger.Info("delegation accepted", "task", task.ID, "from", req.From)
	return models.CoordinationReply{TaskID: task.ID}
}

func (c *Coordinator) status(ctx context.Context, req *models.CoordinationRequest) models.CoordinationReply {
	if req.TaskID == "" {
		return models.CoordinationReply{Error: "status request needs a task id"}
	}
	task, err := c.scheduler.GetTask(ctx, req.TaskID)
	if err != nil {
		return models.CoordinationReply{TaskID: req.TaskID, Error: err.Error()}
	}
	return models.CoordinationReply{TaskID: task.ID, Task: task}
}
