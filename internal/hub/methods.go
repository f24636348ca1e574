package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/ratelimit"
)

// HandlerFunc serves one hub method call.
type HandlerFunc func(ctx context.Context, clientID string, params json.RawMessage) (any, *Error)

// MethodRegistry maps hierarchical method names (tasks.create,
// system.metrics) to handlers and applies the per-client rate limit in
// front of every call.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc

	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

func NewMethodRegistry(limiter *ratelimit.Limiter, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]HandlerFunc),
		limiter: limiter,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// Register binds a method name. Later registrations replace earlier ones.
func (m *MethodRegistry) Register(name string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = fn
}

// Names returns registered method names, sorted.
func (m *MethodRegistry) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch resolves and runs one method call.
func (m *MethodRegistry) Dispatch(ctx context.Context, clientID, method string, params json.RawMessage) (any, *Error) {
	m.mu.RLock()
	fn, ok := m.methods[method]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMethodNotFound
	}

	if m.limiter != nil && !m.limiter.Allow(clientID) {
		audit.Default().RateLimited(clientID, method)
		if m.metrics != nil {
			m.metrics.RecordMethodCall(method, "error", 0)
		}
		return nil, Errf(CodeRateLimited, "rate limit exceeded")
	}

	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.TraceMethod(ctx, method, clientID)
	}

	start := time.Now()
	result, merr := fn(ctx, clientID, params)
	elapsed := time.Since(start)

	status := "ok"
	if merr != nil {
		status = "error"
		m.logger.Debug("method failed", "method", method, "client", clientID,
			"code", merr.Code, "error", merr.Message)
	}
	if m.metrics != nil {
		m.metrics.RecordMethodCall(method, status, elapsed.Seconds())
	}
	if span != nil {
		if merr != nil {
			m.tracer.RecordError(span, merr)
		}
		span.End()
	}
	return result, merr
}

// decodeParams unmarshals method params, mapping failures to 400.
func decodeParams(params json.RawMessage, v any) *Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return Errf(CodeBadRequest, "invalid params: %v", err)
	}
	return nil
}
