package obs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// meter is the global meter instance
	meter metric.Meter
	// meterOnce ensures meter is initialized only once
	meterOnce sync.Once

	// Pre-created instruments for performance
	requestCounter     metric.Int64Counter
	requestDuration    metric.Float64Histogram
	tokenCounter       metric.Int64Counter
	errorCounter       metric.Int64Counter
	streamEventCounter metric.Int64Counter
	activeRequests     metric.Int64UpDownCounter
	cacheHitRatio      metric.Float64Histogram
	repairCounter      metric.Int64Counter
)

// Meter returns the configured meter or a noop meter if not configured.
func Meter() metric.Meter {
	meterOnce.Do(func() {
		provider := otel.GetMeterProvider()
		if provider == nil {
			noopProvider := noop.NewMeterProvider()
			meter = noopProvider.Meter("")
		} else {
			meter = provider.Meter(
				"github.com/recera/modelkit",
				metric.WithInstrumentationVersion("1.0.0"),
			)
			initializeInstruments()
		}
	})
	return meter
}

// initializeInstruments creates all metric instruments.
func initializeInstruments() {
	requestCounter, _ = meter.Int64Counter(
		"llm.requests.total",
		metric.WithDescription("Total number of model requests"),
		metric.WithUnit("1"),
	)

	requestDuration, _ = meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("Duration of model requests in milliseconds"),
		metric.WithUnit("ms"),
	)

	tokenCounter, _ = meter.Int64Counter(
		"llm.tokens.total",
		metric.WithDescription("Total number of tokens processed"),
		metric.WithUnit("1"),
	)

	errorCounter, _ = meter.Int64Counter(
		"llm.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("1"),
	)

	streamEventCounter, _ = meter.Int64Counter(
		"llm.stream.events",
		metric.WithDescription("Total number of stream events"),
		metric.WithUnit("1"),
	)

	activeRequests, _ = meter.Int64UpDownCounter(
		"llm.requests.active",
		metric.WithDescription("Number of active model requests"),
		metric.WithUnit("1"),
	)

	cacheHitRatio, _ = meter.Float64Histogram(
		"llm.cache.hit_ratio",
		metric.WithDescription("Cache hit ratio"),
		metric.WithUnit("1"),
	)

	repairCounter, _ = meter.Int64Counter(
		"llm.object.repairs",
		metric.WithDescription("Total number of structured-output repair attempts"),
		metric.WithUnit("1"),
	)
}

// RecordRequest records metrics for a model request.
func RecordRequest(ctx context.Context, provider, model string, success bool, duration time.Duration) {
	if requestCounter == nil || requestDuration == nil {
		return // Metrics not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Bool("success", success),
	}

	requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordTokens records token usage metrics.
func RecordTokens(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	if tokenCounter == nil {
		return
	}

	if inputTokens > 0 {
		tokenCounter.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("type", "input"),
		))
	}

	if outputTokens > 0 {
		tokenCounter.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("type", "output"),
		))
	}
}

// RecordErrorMetric records an error metric.
func RecordErrorMetric(ctx context.Context, errorType, provider, model string) {
	if errorCounter == nil {
		return
	}

	errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", errorType),
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}

// RecordStreamEvent records a streaming event metric.
func RecordStreamEvent(ctx context.Context, eventType, provider string) {
	if streamEventCounter == nil {
		return
	}

	streamEventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("provider", provider),
	))
}

// IncrementActiveRequests increments the active requests counter.
func IncrementActiveRequests(ctx context.Context, provider string) {
	if activeRequests == nil {
		return
	}

	activeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// DecrementActiveRequests decrements the active requests counter.
func DecrementActiveRequests(ctx context.Context, provider string) {
	if activeRequests == nil {
		return
	}

	activeRequests.Add(ctx, -1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCacheHit records cache hit/miss metrics.
func RecordCacheHit(ctx context.Context, cacheType string, hit bool) {
	if cacheHitRatio == nil {
		return
	}

	ratio := 0.0
	if hit {
		ratio = 1.0
	}

	cacheHitRatio.Record(ctx, ratio, metric.WithAttributes(
		attribute.String("type", cacheType),
	))
}

// RecordRepairAttempt records a structured-output repair attempt.
// Repair frequency is a model-quality signal worth watching.
func RecordRepairAttempt(ctx context.Context, provider, model string, succeeded bool) {
	if repairCounter == nil {
		return
	}

	repairCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Bool("success", succeeded),
	))
}

// RequestMetrics provides a convenient way to record all metrics for a request.
type RequestMetrics struct {
	StartTime    time.Time
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Success      bool
	ErrorType    string
}

// Record records all metrics for a request.
func (m *RequestMetrics) Record(ctx context.Context) {
	duration := time.Since(m.StartTime)

	RecordRequest(ctx, m.Provider, m.Model, m.Success, duration)
	RecordTokens(ctx, m.Provider, m.Model, m.InputTokens, m.OutputTokens)

	if !m.Success && m.ErrorType != "" {
		RecordErrorMetric(ctx, m.ErrorType, m.Provider, m.Model)
	}
}

// SetGlobalMeterProvider sets the global meter provider.
// This should be called once at application startup.
func SetGlobalMeterProvider(provider metric.MeterProvider) {
	otel.SetMeterProvider(provider)
	// Reset the meter to pick up the new provider
	meterOnce = sync.Once{}
}
