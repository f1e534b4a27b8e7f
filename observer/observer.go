// Package observer provides OTEL-based observability for the scheduler: a
// span-emitting Tracer plus a metric Instruments set, both exported via
// OTLP over HTTP using standard OTEL_EXPORTER_OTLP_* environment variables
// — the same bootstrap shape the teacher's observer package used for its
// LLM-cost/embedding instrumentation, repointed here at scheduler events
// (iterations, budget exhaustion, sandbox executions, bridge calls) since
// this scheduler has no per-token cost model of its own to report.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	reploop "github.com/arcloop/reploop"
)

const scopeName = "github.com/arcloop/reploop/observer"

// Instruments holds the OTEL metric instruments created by Init for
// scheduler events. Nothing in package reploop records to them.
type Instruments struct {
	Meter metric.Meter

	IterationsTotal      metric.Int64Counter
	LLMRequestsTotal     metric.Int64Counter
	SandboxExecsTotal    metric.Int64Counter
	BridgeCallsTotal     metric.Int64Counter
	BudgetExhaustedTotal metric.Int64Counter
	WarningsTotal        metric.Int64Counter

	IterationDuration metric.Float64Histogram
	SandboxDuration    metric.Float64Histogram
}

// Init sets up an OTLP/HTTP trace exporter and a metric reader for the
// running process, returning a reploop.Tracer adapter and an Instruments
// set. The returned shutdown function must be called on process exit.
func Init(ctx context.Context) (reploop.Tracer, *Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("reploop")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return &otelTracer{tracer: otel.Tracer(scopeName)}, inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	iterationsTotal, err := meter.Int64Counter("reploop.iterations.total",
		metric.WithDescription("GenerateStep iterations dispatched"), metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}
	llmRequestsTotal, err := meter.Int64Counter("reploop.llm_requests.total",
		metric.WithDescription("Model generation calls issued"), metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	sandboxExecsTotal, err := meter.Int64Counter("reploop.sandbox_executions.total",
		metric.WithDescription("Code blocks executed in a sandbox worker"), metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	bridgeCallsTotal, err := meter.Int64Counter("reploop.bridge_calls.total",
		metric.WithDescription("Bridge calls raised from sandboxed code"), metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	budgetExhaustedTotal, err := meter.Int64Counter("reploop.budget_exhausted.total",
		metric.WithDescription("Calls terminated by budget exhaustion, by resource"), metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	warningsTotal, err := meter.Int64Counter("reploop.warnings.total",
		metric.WithDescription("SchedulerWarning events published, by code"), metric.WithUnit("{warning}"))
	if err != nil {
		return nil, err
	}
	iterationDuration, err := meter.Float64Histogram("reploop.iteration.duration",
		metric.WithDescription("Wall time per GenerateStep iteration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sandboxDuration, err := meter.Float64Histogram("reploop.sandbox.duration",
		metric.WithDescription("Wall time per sandbox code execution"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Meter:                meter,
		IterationsTotal:      iterationsTotal,
		LLMRequestsTotal:     llmRequestsTotal,
		SandboxExecsTotal:    sandboxExecsTotal,
		BridgeCallsTotal:     bridgeCallsTotal,
		BudgetExhaustedTotal: budgetExhaustedTotal,
		WarningsTotal:        warningsTotal,
		IterationDuration:    iterationDuration,
		SandboxDuration:      sandboxDuration,
	}, nil
}

// otelTracer adapts an OTEL trace.Tracer to reploop.Tracer.
type otelTracer struct {
	tracer trace.Tracer
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...reploop.SpanAttr) (context.Context, reploop.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	span.SetAttributes(toOTELAttrs(attrs)...)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttr(attrs ...reploop.SpanAttr) {
	s.span.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...reploop.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.span.RecordError(err)
}

func toOTELAttrs(attrs []reploop.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, ""))
		}
	}
	return out
}

// compile-time checks
var _ reploop.Tracer = (*otelTracer)(nil)
var _ reploop.Span = (*otelSpan)(nil)
