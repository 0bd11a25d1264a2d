// Package observe provides observability primitives for Trunkline:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so everything is scrapeable
// from the standard /metrics endpoint. Tests should use [NewMetrics] with a
// private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/avernakis/trunkline"

// Relay directions, used as the "direction" attribute on frame counters.
const (
	DirectionCallerToAI = "caller_to_ai"
	DirectionAIToCaller = "ai_to_caller"
)

// Metrics holds all OpenTelemetry metric instruments for the bridge. All
// fields are safe for concurrent use.
type Metrics struct {
	// CallsStarted counts bridged calls registered with the manager.
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls, with a "reason" attribute.
	CallsEnded metric.Int64Counter

	// ActiveCalls tracks the number of live bridged calls.
	ActiveCalls metric.Int64UpDownCounter

	// FramesForwarded counts relayed audio frames, with a "direction"
	// attribute of DirectionCallerToAI or DirectionAIToCaller.
	FramesForwarded metric.Int64Counter

	// BargeIns counts caller interruptions of AI speech.
	BargeIns metric.Int64Counter

	// StaleDeltasDropped counts audio deltas discarded because they belong
	// to a response interrupted before they arrived.
	StaleDeltasDropped metric.Int64Counter

	// ProtocolErrors counts discarded malformed or unrecognised frames,
	// with a "transport" attribute of "twilio" or "openai".
	ProtocolErrors metric.Int64Counter

	// SendFailures counts actions that could not be written to a socket,
	// with a "transport" attribute.
	SendFailures metric.Int64Counter

	// BootstrapDuration tracks the time from call registration to ACTIVE.
	BootstrapDuration metric.Float64Histogram

	// CallDuration tracks full call lifetimes.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request latency, with "method" and
	// "path" attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// bootstrapBuckets are histogram boundaries (seconds) for the bootstrap
// rendezvous, which normally completes well under a second.
var bootstrapBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// callBuckets are histogram boundaries (seconds) for call lifetimes.
var callBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// meter provider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsStarted, err = m.Int64Counter("trunkline.calls.started",
		metric.WithDescription("Total bridged calls registered."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("trunkline.calls.ended",
		metric.WithDescription("Total bridged calls torn down, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.calls.active",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("trunkline.relay.frames",
		metric.WithDescription("Total relayed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.relay.barge_ins",
		metric.WithDescription("Total caller interruptions of AI speech."),
	); err != nil {
		return nil, err
	}
	if met.StaleDeltasDropped, err = m.Int64Counter("trunkline.relay.stale_deltas",
		metric.WithDescription("Audio deltas dropped after their response was interrupted."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("trunkline.protocol.errors",
		metric.WithDescription("Discarded malformed or unrecognised frames by transport."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("trunkline.send.failures",
		metric.WithDescription("Actions that could not be written to a socket, by transport."),
	); err != nil {
		return nil, err
	}
	if met.BootstrapDuration, err = m.Float64Histogram("trunkline.bootstrap.duration",
		metric.WithDescription("Time from call registration to ACTIVE."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bootstrapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("trunkline.call.duration",
		metric.WithDescription("Full call lifetime from registration to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrame records one relayed audio frame in the given direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordProtocolError records one discarded frame for the given transport.
func (m *Metrics) RecordProtocolError(ctx context.Context, transport string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordSendFailure records one failed socket write for the given transport.
func (m *Metrics) RecordSendFailure(ctx context.Context, transport string) {
	m.SendFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordCallEnded records one call teardown with its reason.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
