// Package observability provides OpenTelemetry tracing and metrics for
// the mediation core: approval throughput, decision latency, bridge
// call outcomes, and fallback counts.
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
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bridgegate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submissions  metric.Int64Counter
	decisions    metric.Int64Counter
	bridgeCalls  metric.Int64Counter
	fallbacks    metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
}

// New creates an observability provider. With Enabled false the
// provider is inert and every record call is a no-op.
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
			attribute.String("bridgegate.component", "core"),
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

	p.tracer = otel.Tracer("bridgegate.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("bridgegate.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
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

func (p *Provider) initMetrics() error {
	var err error

	p.submissions, err = p.meter.Int64Counter("bridgegate.actions.submitted",
		metric.WithDescription("Actions submitted to the gate engine"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("bridgegate.decisions.recorded",
		metric.WithDescription("Approver decisions recorded"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}
	p.bridgeCalls, err = p.meter.Int64Counter("bridgegate.bridge.calls",
		metric.WithDescription("Bridge call attempts against legacy adapters"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}
	p.fallbacks, err = p.meter.Int64Counter("bridgegate.bridge.fallbacks",
		metric.WithDescription("Bridge outcomes that fell back to manual handling"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("bridgegate.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("bridgegate.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	return nil
}

// ObservePending registers a callback reporting how many approval
// requests are awaiting decisions. The gauge is read at export time, so
// expiry and escalation are reflected without explicit decrements.
func (p *Provider) ObservePending(f func() int64) error {
	if p.meter == nil {
		return nil
	}
	_, err := p.meter.Int64ObservableGauge("bridgegate.approvals.pending",
		metric.WithDescription("Approval requests currently awaiting decisions"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(f())
			return nil
		}),
	)
	return err
}

// Shutdown flushes and stops the providers.
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
		return otel.Tracer("bridgegate.core")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("bridgegate.core")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordSubmission counts one submitted action.
func (p *Provider) RecordSubmission(ctx context.Context, actionType, outcome string) {
	if p.submissions != nil {
		p.submissions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action_type", actionType),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordDecision counts one approver decision.
func (p *Provider) RecordDecision(ctx context.Context, verdict, state string) {
	if p.decisions != nil {
		p.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", verdict),
			attribute.String("state", state),
		))
	}
}

// RecordBridgeCall counts one bridge outcome, tracking fallbacks
// separately.
func (p *Provider) RecordBridgeCall(ctx context.Context, adapter, status string) {
	attrs := metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("status", status),
	)
	if p.bridgeCalls != nil {
		p.bridgeCalls.Add(ctx, 1, attrs)
	}
	if status == "fallback_to_manual" && p.fallbacks != nil {
		p.fallbacks.Add(ctx, 1, attrs)
	}
}

// RecordError counts one error.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and returns a completion function that
// records duration and any error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}
