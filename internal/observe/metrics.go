// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging helpers,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the relay can serve them
// on /metrics. A package-level default [Metrics] instance ([DefaultMetrics])
// is provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/etiquettestartshere/effectivetray"

// Outcome labels for [Metrics.RecordEffectApplied].
const (
	OutcomeCreated   = "created"
	OutcomeRefreshed = "refreshed"
	OutcomeDeleted   = "deleted"
	OutcomeVetoed    = "vetoed"
	OutcomeFailed    = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// EffectApplications counts effect engine runs. Attribute: outcome.
	EffectApplications metric.Int64Counter

	// ConcentrationLinks counts dependent link writes. Attribute: status
	// (local, delegated, received, dropped, failed).
	ConcentrationLinks metric.Int64Counter

	// DamageApplications counts damage applicator calls. Attribute: route
	// (local, delegated, skipped, failed).
	DamageApplications metric.Int64Counter

	// DelegationsSent counts outgoing delegation envelopes. Attributes:
	// kind, status (sent, no_authority, error).
	DelegationsSent metric.Int64Counter

	// DelegationsReceived counts incoming envelopes. Attributes: kind,
	// status (executed, ignored, failed).
	DelegationsReceived metric.Int64Counter

	// DelegationDuration tracks how long the authority spends executing a
	// delegated request. Attribute: kind.
	DelegationDuration metric.Float64Histogram

	// RelayParticipants tracks participants connected to the relay.
	RelayParticipants metric.Int64UpDownCounter

	// RelayFrames counts frames relayed by the hub. Attribute: kind.
	RelayFrames metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// document round-trips.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EffectApplications, err = m.Int64Counter("effectiv.effect.applications",
		metric.WithDescription("Effect applications by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConcentrationLinks, err = m.Int64Counter("effectiv.concentration.links",
		metric.WithDescription("Concentration dependent link writes by status."),
	); err != nil {
		return nil, err
	}
	if met.DamageApplications, err = m.Int64Counter("effectiv.damage.applications",
		metric.WithDescription("Damage applications by route."),
	); err != nil {
		return nil, err
	}
	if met.DelegationsSent, err = m.Int64Counter("effectiv.delegations.sent",
		metric.WithDescription("Outgoing delegation envelopes by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.DelegationsReceived, err = m.Int64Counter("effectiv.delegations.received",
		metric.WithDescription("Incoming delegation envelopes by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.DelegationDuration, err = m.Float64Histogram("effectiv.delegation.duration",
		metric.WithDescription("Time spent executing a delegated request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RelayParticipants, err = m.Int64UpDownCounter("effectiv.relay.participants",
		metric.WithDescription("Participants connected to the relay."),
	); err != nil {
		return nil, err
	}
	if met.RelayFrames, err = m.Int64Counter("effectiv.relay.frames",
		metric.WithDescription("Frames relayed by kind."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("effectiv.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordEffectApplied counts one effect engine run.
func (m *Metrics) RecordEffectApplied(ctx context.Context, outcome string) {
	m.EffectApplications.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordLink counts one concentration link attempt.
func (m *Metrics) RecordLink(ctx context.Context, status string) {
	m.ConcentrationLinks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordDamage counts one damage application.
func (m *Metrics) RecordDamage(ctx context.Context, route string) {
	m.DamageApplications.Add(ctx, 1, metric.WithAttributes(Attr("route", route)))
}

// RecordDelegationSent counts one outgoing delegation.
func (m *Metrics) RecordDelegationSent(ctx context.Context, kind, status string) {
	m.DelegationsSent.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}

// RecordDelegationReceived counts one incoming delegation and, when executed,
// records its execution time.
func (m *Metrics) RecordDelegationReceived(ctx context.Context, kind, status string, seconds float64) {
	m.DelegationsReceived.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
	if status != "ignored" {
		m.DelegationDuration.Record(ctx, seconds, metric.WithAttributes(Attr("kind", kind)))
	}
}

// RecordRelayFrame counts one relayed frame.
func (m *Metrics) RecordRelayFrame(ctx context.Context, kind string) {
	m.RelayFrames.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}
