// Package obs provides observability for the modelkit pipeline. It includes
// OpenTelemetry-based tracing, metrics, and usage accounting with zero
// overhead when observability is not configured.
package obs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// tracer is the global tracer instance
	tracer trace.Tracer
	// tracerOnce ensures tracer is initialized only once
	tracerOnce sync.Once
	// noopTracer is used when tracing is disabled
	noopTracer = trace.NewNoopTracerProvider().Tracer("")
)

// Tracer returns the configured tracer or a noop tracer if not configured.
// This ensures zero overhead when tracing is disabled.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		provider := otel.GetTracerProvider()
		if provider == nil {
			tracer = noopTracer
		} else {
			tracer = provider.Tracer(
				"github.com/recera/modelkit",
				trace.WithInstrumentationVersion("1.0.0"),
			)
		}
	})
	return tracer
}

// RequestSpanOptions contains options for creating a request span.
type RequestSpanOptions struct {
	Provider     string
	Model        string
	CallType     string
	MaxTokens    int
	Stream       bool
	MessageCount int
	Metadata     map[string]any
}

// StartRequestSpan starts a new span for a model call.
func StartRequestSpan(ctx context.Context, opts RequestSpanOptions) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "llm.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", opts.Provider),
			attribute.String("llm.model", opts.Model),
			attribute.String("llm.call_type", opts.CallType),
			attribute.Int("llm.max_tokens", opts.MaxTokens),
			attribute.Bool("llm.stream", opts.Stream),
			attribute.Int("llm.messages.count", opts.MessageCount),
		),
	)

	for k, v := range opts.Metadata {
		span.SetAttributes(attribute.String(fmt.Sprintf("metadata.%s", k), fmt.Sprint(v)))
	}

	return ctx, span
}

// RecordUsage adds usage metrics to a span.
func RecordUsage(span trace.Span, inputTokens, outputTokens, totalTokens int) {
	if span != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("usage.input_tokens", inputTokens),
			attribute.Int("usage.output_tokens", outputTokens),
			attribute.Int("usage.total_tokens", totalTokens),
		)
	}
}

// RecordError records an error on a span with proper status.
func RecordError(span trace.Span, err error, description string) {
	if span != nil && span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, description)
		span.SetAttributes(
			attribute.String("error.type", fmt.Sprintf("%T", err)),
			attribute.String("error.message", err.Error()),
		)
	}
}

// RecordCacheLookup adds cache-related attributes to a span.
func RecordCacheLookup(span trace.Span, hit bool, key string) {
	if span != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Bool("cache.hit", hit),
			attribute.String("cache.key", key),
		)
	}
}

// RecordRepair adds structured-output repair attributes to a span.
func RecordRepair(span trace.Span, attempts int, succeeded bool) {
	if span != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("object.repair_attempts", attempts),
			attribute.Bool("object.repair_succeeded", succeeded),
		)
	}
}

// RecordStreamingMetrics adds streaming metrics to an existing span.
func RecordStreamingMetrics(span trace.Span, eventCount, bytesCount int, duration time.Duration) {
	if span != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("streaming.event_count", eventCount),
			attribute.Int("streaming.bytes_count", bytesCount),
			attribute.Float64("streaming.duration_ms", float64(duration.Milliseconds())),
		)
	}
}

// WithSpan is a helper to execute a function within a span.
func WithSpan(ctx context.Context, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := Tracer().Start(ctx, name)
	defer span.End()

	err := fn(ctx, span)
	if err != nil {
		RecordError(span, err, name+" failed")
	}
	return err
}

// SpanFromContext retrieves the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// IsEnabled returns true if tracing is enabled.
func IsEnabled() bool {
	return Tracer() != noopTracer
}

// SetGlobalTracerProvider sets the global tracer provider.
// This should be called once at application startup.
func SetGlobalTracerProvider(provider trace.TracerProvider) {
	otel.SetTracerProvider(provider)
	// Reset the tracer to pick up the new provider
	tracerOnce = sync.Once{}
}
