// Package observe provides application-wide observability primitives for
// chatrelay: OpenTelemetry metrics, tracing, context-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// the /metrics endpoint through the Prometheus exporter set up by
// [InitTelemetry]. [DefaultMetrics] is backed by the global meter provider;
// tests should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chatrelay metrics.
const meterName = "github.com/MrWong99/chatrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// CompletionDuration tracks completion API latency, including any
	// truncate-and-retry rounds.
	CompletionDuration metric.Float64Histogram

	// TranscriptionDuration tracks voice transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// TokensUsed counts billed tokens. Attributes: source ("completion" or
	// "voice"), mode.
	TokensUsed metric.Int64Counter

	// MessagesHandled counts inbound updates. Attributes: platform, kind.
	MessagesHandled metric.Int64Counter

	// DialogsStarted counts new dialogs. Attribute: reason.
	DialogsStarted metric.Int64Counter

	// TruncatedMessages counts dialog turns dropped to fit the context window.
	TruncatedMessages metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// provider, state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCompletions tracks in-flight completion calls.
	ActiveCompletions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// completion and transcription calls.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// instruments creates instruments on one meter and keeps the first error, so
// NewMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) histogram(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name, append([]metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}, opts...)...)
	in.err = errors.Join(in.err, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	buckets := metric.WithExplicitBucketBoundaries(latencyBuckets...)

	m := &Metrics{
		CompletionDuration:    in.histogram("chatrelay.completion.duration", "Latency of completion requests.", buckets),
		TranscriptionDuration: in.histogram("chatrelay.transcription.duration", "Latency of voice transcription.", buckets),
		HTTPRequestDuration:   in.histogram("chatrelay.http.request.duration", "HTTP request latency by method, path and status."),

		ProviderRequests:   in.counter("chatrelay.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     in.counter("chatrelay.provider.errors", "Provider errors by provider and kind."),
		TokensUsed:         in.counter("chatrelay.tokens.used", "Billed tokens by source and chat mode."),
		MessagesHandled:    in.counter("chatrelay.messages.handled", "Inbound updates by platform and kind."),
		DialogsStarted:     in.counter("chatrelay.dialogs.started", "New dialogs by reason."),
		TruncatedMessages:  in.counter("chatrelay.dialog.truncated_messages", "Dialog turns dropped to fit the model context window."),
		BreakerTransitions: in.counter("chatrelay.breaker.transitions", "Circuit breaker state changes by provider and new state."),

		ActiveCompletions: in.gauge("chatrelay.active_completions", "Completion requests in flight."),
	}
	if in.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", in.err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokens adds n billed tokens.
func (m *Metrics) RecordTokens(ctx context.Context, source, mode string, n int64) {
	if n <= 0 {
		return
	}
	m.TokensUsed.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("mode", mode),
		),
	)
}

// RecordMessage counts one inbound update.
func (m *Metrics) RecordMessage(ctx context.Context, platform, kind string) {
	m.MessagesHandled.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("kind", kind),
		),
	)
}

// RecordDialogStarted counts one new dialog.
func (m *Metrics) RecordDialogStarted(ctx context.Context, reason string) {
	m.DialogsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
