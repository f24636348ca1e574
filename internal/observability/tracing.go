package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides distributed tracing over OpenTelemetry. Task execution,
// LLM calls, and tool invocations each get a span; context propagation
// carries traces across the bus between hub and agents.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "jarvis-hub",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures tracing behavior.
type TraceConfig struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion identifies the build.
	ServiceVersion string

	// Environment is the deployment environment (production, staging, dev).
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	// Empty disables tracing.
	Endpoint string

	// SamplingRate is the fraction of traces recorded (0.0 to 1.0).
	// Defaults to 1.0.
	SamplingRate float64

	// Insecure disables TLS on the OTLP connection.
	Insecure bool
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer creates a tracer and returns it with a shutdown function.
// Without an endpoint the tracer records nothing and exports nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "jarvis"
	}
	if config.Endpoint == "" {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(opts...),
	)
	if err != nil {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	return t, provider.Shutdown
}

// Start creates a span and returns a context carrying it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		opt := opts[0]
		if opt.Kind != 0 {
			options = append(options, trace.WithSpanKind(opt.Kind))
		}
		if len(opt.Attributes) > 0 {
			options = append(options, trace.WithAttributes(opt.Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError records err on the span and marks the span failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceTask creates a span covering one task execution on an agent.
func (t *Tracer) TraceTask(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return t.Start(ctx, "task.execute", SpanOptions{
		Kind: trace.SpanKindConsumer,
		Attributes: []attribute.KeyValue{
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		},
	})
}

// TraceMethod creates a span for one hub method call.
func (t *Tracer) TraceMethod(ctx context.Context, method, clientID string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("hub.method.%s", method), SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("method", method),
			attribute.String("client.id", clientID),
		},
	})
}

// TraceLLMRequest creates a span for one LLM API request.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", provider), SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		},
	})
}

// TraceToolExecution creates a span for one tool invocation.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("tool.name", toolName),
		},
	})
}

// InjectContext writes the active trace context into a carrier, for
// embedding in bus message headers.
func (t *Tracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext reads trace context from a carrier.
func (t *Tracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// WithSpan runs fn inside a span, recording any returned error.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx, span)
	if err != nil {
		tracer.RecordError(span, err)
	}
	return err
}

// GetTraceID returns the active trace id, or "" when none.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the active span id, or "" when none.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// MapCarrier is a map-based carrier for trace propagation through bus
// message payloads.
type MapCarrier map[string]string

func (m MapCarrier) Get(key string) string { return m[key] }

func (m MapCarrier) Set(key, value string) { m[key] = value }

func (m MapCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
