package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/tools"
)

// Host loads plugins into a runtime and owns the lifecycle of their
// services.
type Host struct {
	tools  *tools.Registry
	hooks  *hooks.Runner
	logger *slog.Logger

	mu       sync.Mutex
	loaded   map[string]bool
	sections []Section
	services []serviceEntry
	stops    []serviceEntry
	started  bool
}

type serviceEntry struct {
	pluginID string
	svc      Service
	stop     func()
}

func NewHost(tr *tools.Registry, hr *hooks.Runner) *Host {
	return &Host{
		tools:  tr,
		hooks:  hr,
		logger: slog.Default().With("component", "plugins"),
		loaded: make(map[string]bool),
	}
}

// Load registers each plugin. Registration is all-or-nothing per plugin:
// the first plugin whose Register fails aborts the load.
func (h *Host) Load(plugins ...Plugin) error {
	for _, p := range plugins {
		if p.ID == "" {
			return errors.New("plugin id is required")
		}
		if p.Register == nil {
			return fmt.Errorf("plugin %s has no register function", p.ID)
		}

		h.mu.Lock()
		if h.loaded[p.ID] {
			h.mu.Unlock()
			return fmt.Errorf("plugin %s already loaded", p.ID)
		}
		h.mu.Unlock()

		if err := p.Register(&hostAPI{host: h, pluginID: p.ID}); err != nil {
			return fmt.Errorf("register plugin %s: %w", p.ID, err)
		}

		h.mu.Lock()
		h.loaded[p.ID] = true
		h.mu.Unlock()
		h.logger.Info("plugin loaded", "plugin", p.ID, "name", p.Name)
	}
	return nil
}

// Loaded reports whether a plugin id has been loaded.
func (h *Host) Loaded(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded[id]
}

// PromptSections returns the contributed sections ascending by priority,
// registration order for ties.
func (h *Host) PromptSections() []Section {
	h.mu.Lock()
	out := make([]Section, len(h.sections))
	copy(out, h.sections)
	h.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// StartServices starts every registered service in registration order. If
// one fails, the ones already running are stopped and the error returned.
func (h *Host) StartServices(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("services already started")
	}
	h.started = true
	services := make([]serviceEntry, len(h.services))
	copy(services, h.services)
	h.mu.Unlock()

	for _, entry := range services {
		stop, err := entry.svc.Start(ctx)
		if err != nil {
			h.StopServices()
			return fmt.Errorf("start service %s (plugin %s): %w", entry.svc.Name, entry.pluginID, err)
		}
		h.mu.Lock()
		h.stops = append(h.stops, serviceEntry{pluginID: entry.pluginID, svc: entry.svc, stop: stop})
		h.mu.Unlock()
		h.logger.Info("plugin service started", "plugin", entry.pluginID, "service", entry.svc.Name)
	}
	return nil
}

// StopServices stops running services in reverse start order. Safe to call
// more than once.
func (h *Host) StopServices() {
	h.mu.Lock()
	stops := h.stops
	h.stops = nil
	h.started = false
	h.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		entry := stops[i]
		if entry.stop != nil {
			entry.stop()
		}
		h.logger.Info("plugin service stopped", "plugin", entry.pluginID, "service", entry.svc.Name)
	}
}

// hostAPI is the per-plugin view of the host. The plugin id rides along so
// hook subscriptions and log lines name their contributor.
type hostAPI struct {
	host     *Host
	pluginID string
}

func (a *hostAPI) RegisterTool(d tools.Descriptor) error {
	if err := a.host.tools.Register(d); err != nil {
		return fmt.Errorf("plugin %s: %w", a.pluginID, err)
	}
	return nil
}

func (a *hostAPI) On(hook hooks.Hook, h hooks.Handler) {
	a.host.hooks.On(hook, h, a.pluginID)
}

func (a *hostAPI) RegisterService(svc Service) error {
	if svc.Name == "" {
		return fmt.Errorf("plugin %s: service name is required", a.pluginID)
	}
	if svc.Start == nil {
		return fmt.Errorf("plugin %s: service %s has no start function", a.pluginID, svc.Name)
	}

	a.host.mu.Lock()
	defer a.host.mu.Unlock()
	if a.host.started {
		return fmt.Errorf("plugin %s: services already started", a.pluginID)
	}
	a.host.services = append(a.host.services, serviceEntry{pluginID: a.pluginID, svc: svc})
	return nil
}

func (a *hostAPI) RegisterPromptSection(sec Section) {
	a.host.mu.Lock()
	defer a.host.mu.Unlock()
	a.host.sections = append(a.host.sections, sec)
}
