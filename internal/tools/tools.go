// Package tools is the executable tool surface of an agent: descriptor
// registration, input validation against JSON Schemas, rate limiting, and
// route overrides that bridge execution to a peer agent over the bus.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/ratelimit"
	"github.com/jarvislabs/jarvis/internal/security"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// ExecTimeout bounds a single tool execution, local or routed.
const ExecTimeout = 2 * time.Minute

// Descriptor declares one tool: what the model sees and how it runs.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Spec returns the provider-facing view of the descriptor.
func (d Descriptor) Spec() models.ToolSpec {
	return models.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
}

// Result is a tool outcome. IsError results flow back to the model as
// failed tool calls rather than aborting the turn.
type Result struct {
	Content string                `json:"content,omitempty"`
	Blocks  []models.ContentBlock `json:"blocks,omitempty"`
	IsError bool                  `json:"is_error,omitempty"`

	// blocked marks a security policy refusal, for metric classification.
	blocked bool
}

// TextResult wraps plain text in a successful result.
func TextResult(text string) *Result {
	return &Result{Content: text}
}

// Errorf builds an error result the model can read and react to.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ExecRequest is the payload of a routed execution request on the agent
// exec subject. The remote runtime answers with a serialized Result.
type ExecRequest struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry holds the tools available to one agent runtime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	routes  map[string]string

	bus     bus.Bus
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		routes:  make(map[string]string),
		logger:  slog.Default().With("component", "tools"),
	}
}

// SetBus provides the transport for routed executions.
func (r *Registry) SetBus(b bus.Bus) { r.bus = b }

// SetLimiter installs a per-agent-and-tool rate limit.
func (r *Registry) SetLimiter(l *ratelimit.Limiter) { r.limiter = l }

// SetMetrics enables execution metrics.
func (r *Registry) SetMetrics(m *observability.Metrics) { r.metrics = m }

// SetTracer enables a span per execution.
func (r *Registry) SetTracer(t *observability.Tracer) { r.tracer = t }

// Register adds a tool. The input schema is compiled here so malformed
// schemas fail at wiring time, not at first use.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if d.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", d.Name)
	}

	schemaJSON := d.InputSchema
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
		d.InputSchema = schemaJSON
	}
	compiled, err := jsonschema.CompileString(d.Name+".schema.json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.entries[d.Name] = &entry{desc: d, schema: compiled}
	return nil
}

// Get returns a registered descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns the provider-facing tool list sorted by name.
func (r *Registry) Specs() []models.ToolSpec {
	list := r.List()
	out := make([]models.ToolSpec, len(list))
	for i, d := range list {
		out[i] = d.Spec()
	}
	return out
}

// SetRoute redirects a tool's execution to another agent. The descriptor
// contract is unchanged: callers and the model see the same tool, the
// work happens on the remote runtime.
func (r *Registry) SetRoute(toolName, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID == "" {
		delete(r.routes, toolName)
		return
	}
	r.routes[toolName] = agentID
}

// Route returns the agent a tool is routed to, if any.
func (r *Registry) Route(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.routes[toolName]
	return agentID, ok
}

// Execute runs a tool and always returns a Result: unknown tools, invalid
// input, rate limits, and execution failures all come back as error
// results so the reasoning loop never aborts on a tool problem. agentID
// scopes the rate limit key.
func (r *Registry) Execute(ctx context.Context, agentID, name string, params json.RawMessage) *Result {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	if r.limiter != nil && !r.limiter.Allow(agentID+":"+name) {
		audit.Default().RateLimited(name, agentID)
		r.recordExecution(name, "blocked", 0)
		return Errorf("rate limit exceeded for tool %s, retry later", name)
	}

	r.mu.RLock()
	e, registered := r.entries[name]
	routedTo, routed := r.routes[name]
	r.mu.RUnlock()

	if registered {
		if res := r.validate(e, name, params); res != nil {
			return res
		}
	} else if !routed {
		r.recordExecution(name, "error", 0)
		return Errorf("unknown tool: %s", name)
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceToolExecution(ctx, name)
		defer span.End()
	}

	start := time.Now()
	var res *Result
	if routed {
		res = r.executeRouted(ctx, routedTo, name, params)
	} else {
		res = r.executeLocal(ctx, e, params)
	}

	status := "success"
	if res.IsError {
		status = "error"
	}
	if res.blocked {
		status = "blocked"
	}
	r.recordExecution(name, status, time.Since(start).Seconds())
	return res
}

func (r *Registry) validate(e *entry, name string, params json.RawMessage) *Result {
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return Errorf("input for %s is not valid JSON: %v", name, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return Errorf("invalid input for %s: %v", name, err)
	}
	return nil
}

func (r *Registry) executeLocal(ctx context.Context, e *entry, params json.RawMessage) *Result {
	ctx, cancel := context.WithTimeout(ctx, ExecTimeout)
	defer cancel()

	res, err := e.desc.Execute(ctx, params)
	if err != nil {
		out := Errorf("%v", err)
		var blocked *security.BlockedError
		if errors.As(err, &blocked) {
			out.blocked = true
		}
		return out
	}
	if res == nil {
		return TextResult("")
	}
	return res
}

func (r *Registry) executeRouted(ctx context.Context, agentID, name string, params json.RawMessage) *Result {
	if r.bus == nil {
		return Errorf("tool %s is routed to %s but no bus is configured", name, agentID)
	}
	payload, err := json.Marshal(ExecRequest{Tool: name, Params: params})
	if err != nil {
		return Errorf("encode routed request for %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ExecTimeout)
	defer cancel()

	reply, err := r.bus.Request(ctx, bus.AgentExec(agentID), payload, ExecTimeout)
	if err != nil {
		return Errorf("remote execution of %s on %s failed: %v", name, agentID, err)
	}
	var res Result
	if err := json.Unmarshal(reply, &res); err != nil {
		return Errorf("remote execution of %s on %s returned malformed result: %v", name, agentID, err)
	}
	return &res
}

func (r *Registry) recordExecution(tool, status string, seconds float64) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordToolExecution(tool, status, seconds)
}
