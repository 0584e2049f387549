// Package observability provides OpenTelemetry tracing for the two
// outbound-call concerns in this module: LLM provider streaming calls and
// tool execution. Spans export over OTLP/HTTP to whatever collector
// endpoint the standard OTEL_EXPORTER_OTLP_* environment variables point
// at; with none set, the exporter targets localhost and simply fails to
// flush, which is harmless in development.
package observability

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/chatbranch"
)

const scopeName = "github.com/nevindra/chatbranch/observability"

// Init installs a TracerProvider exporting spans over OTLP/HTTP and
// returns a Tracer plus a shutdown function the caller must invoke on
// exit to flush any buffered spans.
func Init(ctx context.Context) (trace.Tracer, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("chatbranch")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return otel.Tracer(scopeName), tp.Shutdown, nil
}

// --- Provider ---

// WrapProvider returns a chatbranch.Provider that traces every Stream call
// as a single "llm.stream" span, kept open for the lifetime of the
// returned event channel — the same decorator shape retry.go's
// WithRetry uses to wrap a Provider.
func WrapProvider(inner chatbranch.Provider, model string, tracer trace.Tracer) chatbranch.Provider {
	return &tracedProvider{inner: inner, model: model, tracer: tracer}
}

type tracedProvider struct {
	inner  chatbranch.Provider
	model  string
	tracer trace.Tracer
}

func (p *tracedProvider) Name() string { return p.inner.Name() }

func (p *tracedProvider) Stream(ctx context.Context, req chatbranch.GenerateRequest) (<-chan chatbranch.Event, error) {
	ctx, span := p.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.model", p.model),
		attribute.String("llm.provider", p.inner.Name()),
	))
	start := time.Now()

	in, err := p.inner.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan chatbranch.Event)
	go func() {
		defer close(out)
		defer span.End()
		status := codes.Ok
		for ev := range in {
			if ev.Type == chatbranch.EventError && ev.Err != nil {
				span.RecordError(ev.Err)
				status = codes.Error
			}
			out <- ev
		}
		span.SetAttributes(attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()))
		span.SetStatus(status, "")
	}()
	return out, nil
}

// --- Tool ---

// WrapTool returns a chatbranch.ToolHandler that traces every Execute call
// as a "tool.execute" span. If inner implements chatbranch.AsyncTool, the
// wrapper preserves that by delegating Async() to it; otherwise the
// wrapped tool behaves as a synchronous ToolHandler, same as inner.
func WrapTool(inner chatbranch.ToolHandler, tracer trace.Tracer) chatbranch.ToolHandler {
	return &tracedTool{inner: inner, tracer: tracer}
}

type tracedTool struct {
	inner  chatbranch.ToolHandler
	tracer trace.Tracer
}

func (t *tracedTool) Definition() chatbranch.ToolDefinition { return t.inner.Definition() }

func (t *tracedTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	name := t.inner.Definition().Name
	ctx, span := t.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", name),
	))
	defer span.End()
	start := time.Now()

	result, err := t.inner.Execute(ctx, args)

	span.SetAttributes(
		attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()),
		attribute.Int("tool.result_length", len(result)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// Async reports the same value as the wrapped tool when it implements
// AsyncTool, and false otherwise — matching the default a plain
// ToolHandler gets in ToolRegistry.DispatchAll.
func (t *tracedTool) Async() bool {
	if at, ok := t.inner.(chatbranch.AsyncTool); ok {
		return at.Async()
	}
	return false
}
