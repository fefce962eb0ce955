package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Roles a process plays in a session, reported as [AttrRole].
const (
	RoleAuthority   = "authority"
	RoleParticipant = "participant"
	RoleRelay       = "relay"
)

// Resource attribute keys identifying a process within a session.
const (
	AttrParticipantID = attribute.Key("effectiv.participant.id")
	AttrRole          = attribute.Key("effectiv.role")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "effectivetray".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// ParticipantID is the session participant this process runs as. Empty
	// for the relay.
	ParticipantID string

	// Role is one of [RoleAuthority], [RoleParticipant] or [RoleRelay].
	// Default: [RoleParticipant] when ParticipantID is set, else [RoleRelay].
	Role string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported, so delegated envelopes still carry trace
	// context between nodes.
	TraceExporter sdktrace.SpanExporter
}

// RoleFor returns the role of a participant node.
func RoleFor(authority bool) string {
	if authority {
		return RoleAuthority
	}
	return RoleParticipant
}

// Resource returns the resource describing the process in cfg: service
// name and version plus participant ID and role, so metrics scraped from
// several nodes of one session can be told apart.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "effectivetray"
	}
	if cfg.Role == "" {
		cfg.Role = RoleRelay
		if cfg.ParticipantID != "" {
			cfg.Role = RoleParticipant
		}
	}
	switch cfg.Role {
	case RoleAuthority, RoleParticipant, RoleRelay:
	default:
		return nil, fmt.Errorf("observe: unknown role %q", cfg.Role)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		AttrRole.String(cfg.Role),
	}
	if cfg.ParticipantID != "" {
		attrs = append(attrs, AttrParticipantID.String(cfg.ParticipantID))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider registers global meter and tracer providers for the process
// described by cfg. Metrics are exported through a Prometheus reader, so
// the relay's /metrics handler serves them; traces go to cfg.TraceExporter
// when one is set.
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
