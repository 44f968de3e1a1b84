// Package observability provides OpenTelemetry tracing and metrics for
// the governance control plane.
//
// Every governance decision emits a span plus counters labeled by
// outcome, so operators can tell "blocked by policy" apart from "blocked
// by infrastructure" on a dashboard, not just in the audit chain.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegis-control-plane",
		ServiceVersion: "1.4.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// governance-specific instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter    metric.Int64Counter
	breakerTripCounter metric.Int64Counter
	killSwitchCounter  metric.Int64Counter
	tamperCounter      metric.Int64Counter
	decisionDuration   metric.Float64Histogram
	activeDecisions    metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("aegis.component", "control-plane"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("aegis.control-plane",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("aegis.control-plane",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initGovernanceMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init governance metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initGovernanceMetrics() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter("aegis.decisions.total",
		metric.WithDescription("Governance decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.breakerTripCounter, err = p.meter.Int64Counter("aegis.breaker.trips.total",
		metric.WithDescription("Circuit breaker trips by cause"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return err
	}

	p.killSwitchCounter, err = p.meter.Int64Counter("aegis.killswitch.activations.total",
		metric.WithDescription("Kill switch activations"),
		metric.WithUnit("{activation}"),
	)
	if err != nil {
		return err
	}

	p.tamperCounter, err = p.meter.Int64Counter("aegis.tamper.signals.total",
		metric.WithDescription("Scope redemptions that looked like grant misuse"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return err
	}

	p.decisionDuration, err = p.meter.Float64Histogram("aegis.decision.duration",
		metric.WithDescription("Governance decision latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	p.activeDecisions, err = p.meter.Int64UpDownCounter("aegis.decisions.active",
		metric.WithDescription("Governance decisions currently in flight"),
		metric.WithUnit("{decision}"),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("aegis.control-plane")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("aegis.control-plane")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDecision counts one governance decision labeled by outcome,
// e.g. "allowed", "blocked_policy", "blocked_infrastructure".
func (p *Provider) RecordDecision(ctx context.Context, outcome string, attrs ...attribute.KeyValue) {
	if p.decisionCounter != nil {
		all := append(attrs, attribute.String("aegis.outcome", outcome))
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// RecordBreakerTrip counts one breaker trip labeled by cause.
func (p *Provider) RecordBreakerTrip(ctx context.Context, targetID, cause string) {
	if p.breakerTripCounter != nil {
		p.breakerTripCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aegis.target_id", targetID),
			attribute.String("aegis.trip_cause", cause),
		))
	}
}

// RecordKillSwitch counts one kill switch activation.
func (p *Provider) RecordKillSwitch(ctx context.Context, tenantID, trigger string) {
	if p.killSwitchCounter != nil {
		p.killSwitchCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aegis.tenant_id", tenantID),
			attribute.String("aegis.trigger", trigger),
		))
	}
}

// RecordTamperSignal counts one suspected grant misuse.
func (p *Provider) RecordTamperSignal(ctx context.Context, tenantID, code string) {
	if p.tamperCounter != nil {
		p.tamperCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aegis.tenant_id", tenantID),
			attribute.String("aegis.code", code),
		))
	}
}

// TrackDecision wraps one governance decision in a span, in-flight gauge
// and latency histogram. The returned func must be called with the
// decision's outcome and terminal error.
func (p *Provider) TrackDecision(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(outcome string, err error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeDecisions != nil {
		p.activeDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(outcome string, err error) {
		duration := time.Since(start)
		if p.activeDecisions != nil {
			p.activeDecisions.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.decisionDuration != nil {
			all := append(attrs, attribute.String("aegis.outcome", outcome))
			p.decisionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(all...))
		}
		p.RecordDecision(ctx, outcome, attrs...)
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("aegis.outcome", outcome))
		span.End()
	}
}
