package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler processes one hook event. Handlers should be fast; long-running
// work belongs in a goroutine.
type Handler func(ctx context.Context, event *Event) error

type registration struct {
	id     string
	hook   Hook
	fn     Handler
	source string
}

// Runner dispatches events to subscribed handlers in registration order.
// A handler error or panic is logged and the remaining handlers still run.
type Runner struct {
	mu       sync.RWMutex
	handlers map[Hook][]*registration
	byID     map[string]*registration
	logger   *slog.Logger
}

// NewRunner creates an empty hook runner.
func NewRunner() *Runner {
	return &Runner{
		handlers: make(map[Hook][]*registration),
		byID:     make(map[string]*registration),
		logger:   slog.Default().With("component", "hooks"),
	}
}

// On subscribes fn to hook. Source names the subscriber for diagnostics
// (a plugin id, usually). The returned id unsubscribes via Off.
func (r *Runner) On(hook Hook, fn Handler, source string) string {
	reg := &registration{
		id:     uuid.NewString(),
		hook:   hook,
		fn:     fn,
		source: source,
	}

	r.mu.Lock()
	r.handlers[hook] = append(r.handlers[hook], reg)
	r.byID[reg.id] = reg
	r.mu.Unlock()

	r.logger.Debug("hook registered", "hook", hook, "source", source, "id", reg.id)
	return reg.id
}

// Off removes a subscription by id.
func (r *Runner) Off(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	regs := r.handlers[reg.hook]
	for i, candidate := range regs {
		if candidate.id == id {
			r.handlers[reg.hook] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	return true
}

// Fire dispatches event to every handler subscribed to its hook, in the
// order they registered. It returns the first handler error for tests and
// diagnostics; the loop itself never treats it as fatal.
func (r *Runner) Fire(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("hook event is nil")
	}

	r.mu.RLock()
	regs := make([]*registration, len(r.handlers[event.Hook]))
	copy(regs, r.handlers[event.Hook])
	r.mu.RUnlock()

	var firstErr error
	for _, reg := range regs {
		if err := r.call(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler failed",
				"hook", event.Hook,
				"source", reg.source,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) call(ctx context.Context, reg *registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.fn(ctx, event)
}

// FireAsync dispatches in a goroutine and returns immediately.
func (r *Runner) FireAsync(ctx context.Context, event *Event) {
	go func() {
		if err := r.Fire(ctx, event); err != nil {
			r.logger.Warn("async hook dispatch", "hook", event.Hook, "error", err)
		}
	}()
}

// Count reports how many handlers are subscribed to hook.
func (r *Runner) Count(hook Hook) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[hook])
}
