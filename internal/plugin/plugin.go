// Package plugin wires compile-time extensions into an agent runtime:
// extra tools, hook subscriptions, prompt sections, and background
// services, all contributed through one API at startup.
package plugin

import (
	"context"

	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/tools"
)

// Plugin extends an agent runtime. Register is called once during startup
// and receives the API scoped to this plugin.
type Plugin struct {
	ID       string
	Name     string
	Register func(api API) error
}

// Service is a background worker owned by a plugin. Start launches it and
// returns the stop function invoked at shutdown; services stop in reverse
// start order.
type Service struct {
	Name  string
	Start func(ctx context.Context) (stop func(), err error)
}

// Section is a block of system prompt text contributed by a plugin.
// Sections are assembled ascending by priority, registration order for
// ties.
type Section struct {
	Title    string
	Content  string
	Priority int
}

// API is everything a plugin may do to the runtime during registration.
type API interface {
	RegisterTool(d tools.Descriptor) error
	On(hook hooks.Hook, h hooks.Handler)
	RegisterService(svc Service) error
	RegisterPromptSection(sec Section)
}
