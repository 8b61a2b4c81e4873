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

const instrumentationName = "pygpt"

// Tracer starts the spans of agent runs, bridge calls, model requests and
// tool executions. A nil *Tracer uses the global provider, which is a no-op
// unless an exporter was configured.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures span export over OTLP/gRPC.
type TraceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Endpoint is the collector address, e.g. "localhost:4317". Empty
	// disables export.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of runs recorded, 0..1. 0 records all.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Attributes are added to the resource of every span.
	Attributes map[string]string `yaml:"attributes"`

	// EnableInsecure disables TLS towards the collector.
	EnableInsecure bool `yaml:"insecure"`
}

// NewTracer creates a tracer and the shutdown function flushing it. Without
// an endpoint, or when the exporter cannot be created, spans are not
// exported.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = instrumentationName
	}
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(config)),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}, provider.Shutdown
}

func traceResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Start opens a span of the given kind with keyvals as attributes. The
// caller ends it.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, keyvals ...any) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if attrs := attributes(keyvals); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets keyvals, alternating keys and values, on span.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	span.SetAttributes(attributes(keyvals)...)
}

// AddEvent records a named event on the span carried by ctx. It does
// nothing when ctx carries no recording span.
func (t *Tracer) AddEvent(ctx context.Context, name string, keyvals ...any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attributes(keyvals)...))
}

// TraceAgentRun opens the span of one runner invocation.
func (t *Tracer) TraceAgentRun(ctx context.Context, mode, provider string) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.run", trace.SpanKindInternal, "agent.mode", mode, "agent.provider", provider)
}

// TraceAgentCall opens the span of a full agent call, evaluation rounds
// included.
func (t *Tracer) TraceAgentCall(ctx context.Context, mode string, loop bool) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.call", trace.SpanKindInternal, "agent.mode", mode, "agent.loop", loop)
}

// TraceBridgeCall opens the span of a bridge dispatch.
func (t *Tracer) TraceBridgeCall(ctx context.Context, mode, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "bridge.call", trace.SpanKindInternal, "bridge.mode", mode, "bridge.model", model)
}

// TraceLLMRequest opens the span of a model request.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.request", trace.SpanKindClient, "llm.provider", provider, "llm.model", model)
}

// TraceToolExecution opens the span of a plugin command.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute", trace.SpanKindInternal, "tool.name", toolName)
}

// TraceID returns the id of the trace carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// attributes converts alternating keys and values. Pairs with a non-string
// key are skipped.
func attributes(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attributeOf(key, keyvals[i+1]))
	}
	return attrs
}

func attributeOf(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
