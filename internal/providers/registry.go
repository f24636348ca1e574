package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jarvislabs/jarvis/internal/backoff"
	"github.com/jarvislabs/jarvis/internal/observability"
)

// Registry routes chat requests to providers by model id. Models reported
// by ListModels at registration map exactly; anything else falls back to
// prefix rules so unlisted models (new releases, local pulls) still route.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	models    map[string]string

	cache    *ResponseCache
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	usage    *UsageAccumulator
	failover backoff.Policy
	logger   *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
		usage:     NewUsageAccumulator(),
		// Short waits between failover attempts: fallbacks often share a
		// backend with the primary, and a shared rate limit needs room.
		failover: backoff.Policy{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1},
		logger:   slog.Default().With("component", "providers"),
	}
}

// SetCache enables the KV response cache for non-streaming calls.
func (r *Registry) SetCache(cache *ResponseCache) { r.cache = cache }

// SetMetrics enables per-request metric recording.
func (r *Registry) SetMetrics(m *observability.Metrics) { r.metrics = m }

// SetTracer enables a span per LLM request.
func (r *Registry) SetTracer(t *observability.Tracer) { r.tracer = t }

// Usage returns the accumulator shared by all calls through this registry.
func (r *Registry) Usage() *UsageAccumulator { return r.usage }

// Register adds a provider and indexes its model list.
func (r *Registry) Register(ctx context.Context, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.providers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.providers[id] = p

	infos, err := p.ListModels(ctx)
	if err != nil {
		r.logger.Warn("listing models failed", "provider", id, "error", err)
		return
	}
	for _, info := range infos {
		r.models[info.ID] = id
	}
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns all providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Models returns every known model in provider registration order.
func (r *Registry) Models(ctx context.Context) []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelInfo
	for _, id := range r.order {
		infos, err := r.providers[id].ListModels(ctx)
		if err != nil {
			continue
		}
		out = append(out, infos...)
	}
	return out
}

// Resolve maps a model id to its provider.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.models[model]
	if !ok {
		id = providerIDForModel(model)
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("no provider registered for model %q (wanted %s)", model, id)
	}
	return p, nil
}

// providerIDForModel applies routing rules for models absent from the
// index. Namespaced ids ("anthropic/claude-3.5-sonnet") belong to
// OpenRouter; unrecognized bare ids are assumed to be local Ollama pulls.
func providerIDForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "openai"
	case strings.HasPrefix(model, "gemini-"):
		return "google"
	case strings.Contains(model, "/"):
		return "openrouter"
	default:
		return "ollama"
	}
}

// Chat resolves the model and forwards. Cacheable requests are served from
// KV when possible.
func (r *Registry) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("provider %s is not configured", p.ID())
	}

	if r.cache != nil {
		if resp, ok := r.cache.Get(ctx, req); ok {
			r.logger.Debug("llm cache hit", "model", req.Model)
			return resp, nil
		}
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceLLMRequest(ctx, p.ID(), req.Model)
		defer span.End()
	}

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	if err != nil {
		r.record(p.ID(), req.Model, "error", time.Since(start), Usage{})
		return nil, err
	}
	r.record(p.ID(), req.Model, "success", time.Since(start), resp.Usage)
	r.usage.Record(req.Model, resp.Usage)

	if r.cache != nil {
		r.cache.Put(ctx, req, resp)
	}
	return resp, nil
}

// ChatStream resolves the model and forwards, recording request metrics
// when the stream finishes.
func (r *Registry) ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("provider %s is not configured", p.ID())
	}

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.TraceLLMRequest(ctx, p.ID(), req.Model)
	}

	start := time.Now()
	chunks, err := p.ChatStream(ctx, req)
	if err != nil {
		if span != nil {
			r.tracer.RecordError(span, err)
			span.End()
		}
		r.record(p.ID(), req.Model, "error", time.Since(start), Usage{})
		return nil, err
	}

	out := make(chan ChatChunk)
	go func() {
		defer close(out)
		if span != nil {
			defer span.End()
		}
		for chunk := range chunks {
			switch chunk.Type {
			case ChunkMessageEnd:
				var u Usage
				if chunk.Usage != nil {
					u = *chunk.Usage
				}
				r.record(p.ID(), req.Model, "success", time.Since(start), u)
				r.usage.Record(req.Model, u)
			case ChunkError:
				r.record(p.ID(), req.Model, "error", time.Since(start), Usage{})
			}
			if !emit(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}

// ChatWithFailover tries the requested model, then each fallback in order.
// The returned error aggregates every attempt when all fail.
func (r *Registry) ChatWithFailover(ctx context.Context, req *ChatRequest, fallbacks []string) (*ChatResponse, error) {
	var errs []error
	for i, model := range modelChain(req.Model, fallbacks) {
		if i > 0 {
			if err := r.failover.Sleep(ctx, i); err != nil {
				break
			}
		}
		attempt := *req
		attempt.Model = model
		resp, err := r.Chat(ctx, &attempt)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("model failed, trying next", "model", model, "error", err)
	}
	return nil, fmt.Errorf("all models failed: %w", errors.Join(errs...))
}

// ChatStreamWithFailover opens a stream and inspects its first chunk before
// committing: a stream that errors immediately falls through to the next
// model. Once output has flowed, failures surface to the consumer as error
// chunks since emitted text cannot be retracted.
func (r *Registry) ChatStreamWithFailover(ctx context.Context, req *ChatRequest, fallbacks []string) (<-chan ChatChunk, error) {
	var errs []error
	for i, model := range modelChain(req.Model, fallbacks) {
		if i > 0 {
			if err := r.failover.Sleep(ctx, i); err != nil {
				break
			}
		}
		attempt := *req
		attempt.Model = model

		chunks, err := r.ChatStream(ctx, &attempt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		first, ok := <-chunks
		if !ok {
			errs = append(errs, fmt.Errorf("%s: stream closed without output", model))
			continue
		}
		if first.Type == ChunkError {
			errs = append(errs, fmt.Errorf("%s: %w", model, first.Err))
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("model failed, trying next", "model", model, "error", first.Err)
			continue
		}

		out := make(chan ChatChunk)
		go func() {
			defer close(out)
			if !emit(ctx, out, first) {
				return
			}
			for chunk := range chunks {
				if !emit(ctx, out, chunk) {
					return
				}
			}
		}()
		return out, nil
	}
	return nil, fmt.Errorf("all models failed: %w", errors.Join(errs...))
}

func modelChain(primary string, fallbacks []string) []string {
	chain := make([]string, 0, 1+len(fallbacks))
	chain = append(chain, primary)
	for _, m := range fallbacks {
		if m != primary {
			chain = append(chain, m)
		}
	}
	return chain
}

func (r *Registry) record(provider, model, status string, d time.Duration, u Usage) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordLLMRequest(provider, model, status, d.Seconds(), u.InputTokens, u.OutputTokens)
}
