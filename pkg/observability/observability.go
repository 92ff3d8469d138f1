// Package observability provides OpenTelemetry tracing and metrics for the
// match pipeline: move throughput and rollbacks, reconciliation outcomes,
// batch anchoring progress, and verification verdicts. Every recorder is
// safe to call on a nil or disabled provider, so tests and library users
// pay nothing for instrumentation they did not configure.
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

const scopeName = "provenplay.matchproof"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext OTLP, dev only
}

// DefaultConfig returns development defaults with telemetry disabled.
// Exporting requires opting in, so library consumers and tests never dial
// a collector by accident.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "matchproof",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric pipelines plus the domain
// instruments for the match lifecycle.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	// RED metrics.
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Match pipeline metrics.
	movesApplied        metric.Int64Counter
	movesConfirmed      metric.Int64Counter
	movesRolledBack     metric.Int64Counter
	reconciliations     metric.Int64Counter
	stateConflicts      metric.Int64Counter
	checkpointsAnchored metric.Int64Counter
	batchesFlushed      metric.Int64Counter
	batchLeaves         metric.Int64Counter
	batchesAnchored     metric.Int64Counter
	anchorRetries       metric.Int64Counter
	verifications       metric.Int64Counter
}

// New creates a provider. With cfg.Enabled false (or cfg nil) the provider
// is inert: recorders no-op and nothing is exported.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
		// SLO tracking is in-process and costs nothing to export, so it
		// runs even when OTLP export is disabled.
		slo: NewSLOTracker(),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
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

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("matchproof.requests.total",
		metric.WithDescription("Operations processed"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("matchproof.errors.total",
		metric.WithDescription("Operation errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("matchproof.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0))
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("matchproof.operations.active",
		metric.WithDescription("Currently active operations"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}

	p.movesApplied, err = p.meter.Int64Counter("matchproof.moves.applied",
		metric.WithDescription("Moves applied optimistically"),
		metric.WithUnit("{move}"))
	if err != nil {
		return err
	}
	p.movesConfirmed, err = p.meter.Int64Counter("matchproof.moves.confirmed",
		metric.WithDescription("Moves confirmed on chain"),
		metric.WithUnit("{move}"))
	if err != nil {
		return err
	}
	p.movesRolledBack, err = p.meter.Int64Counter("matchproof.moves.rolled_back",
		metric.WithDescription("Moves rolled back after timeout or rejection"),
		metric.WithUnit("{move}"))
	if err != nil {
		return err
	}
	p.reconciliations, err = p.meter.Int64Counter("matchproof.reconciliations.total",
		metric.WithDescription("Reconciliation syncs by outcome"),
		metric.WithUnit("{sync}"))
	if err != nil {
		return err
	}
	p.stateConflicts, err = p.meter.Int64Counter("matchproof.state_conflicts.total",
		metric.WithDescription("Matches paused on off-chain/on-chain divergence"),
		metric.WithUnit("{conflict}"))
	if err != nil {
		return err
	}
	p.checkpointsAnchored, err = p.meter.Int64Counter("matchproof.checkpoints.anchored",
		metric.WithDescription("Intra-match checkpoints anchored"),
		metric.WithUnit("{checkpoint}"))
	if err != nil {
		return err
	}
	p.batchesFlushed, err = p.meter.Int64Counter("matchproof.batches.flushed",
		metric.WithDescription("Batch manifests persisted"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return err
	}
	p.batchLeaves, err = p.meter.Int64Counter("matchproof.batches.leaves",
		metric.WithDescription("Match hashes included in flushed batches"),
		metric.WithUnit("{hash}"))
	if err != nil {
		return err
	}
	p.batchesAnchored, err = p.meter.Int64Counter("matchproof.batches.anchored",
		metric.WithDescription("Batch roots anchored on chain"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return err
	}
	p.anchorRetries, err = p.meter.Int64Counter("matchproof.anchor.retries",
		metric.WithDescription("Anchor transaction retries"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return err
	}
	p.verifications, err = p.meter.Int64Counter("matchproof.verifications.total",
		metric.WithDescription("Record verifications by verdict"),
		metric.WithUnit("{verification}"))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest counts one processed operation.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.requestCounter == nil {
		return
	}
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordError counts one failed operation, tagged with the error type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p == nil || p.errorCounter == nil {
		return
	}
	all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
}

// RecordDuration records one operation latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p == nil || p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// TrackOperation opens a span and the RED bookkeeping for one operation.
// The returned func closes both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		p.slo.Record(SLOObservation{Operation: name, Latency: time.Since(start), Success: err == nil})
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// SLO returns the provider's objective tracker.
func (p *Provider) SLO() *SLOTracker {
	if p == nil {
		return nil
	}
	return p.slo
}

// CountMoveApplied records one optimistic move apply.
func (p *Provider) CountMoveApplied(ctx context.Context, action string) {
	if p == nil || p.movesApplied == nil {
		return
	}
	p.movesApplied.Add(ctx, 1, metric.WithAttributes(AttrMoveAction.String(action)))
}

// CountMoveConfirmed records one on-chain move confirmation.
func (p *Provider) CountMoveConfirmed(ctx context.Context) {
	if p == nil || p.movesConfirmed == nil {
		return
	}
	p.movesConfirmed.Add(ctx, 1)
}

// CountMoveRolledBack records one rollback, tagged with its cause.
func (p *Provider) CountMoveRolledBack(ctx context.Context, cause string) {
	if p == nil || p.movesRolledBack == nil {
		return
	}
	p.movesRolledBack.Add(ctx, 1, metric.WithAttributes(AttrRollbackCause.String(cause)))
}

// CountReconciliation records one sync, tagged matched or conflict.
func (p *Provider) CountReconciliation(ctx context.Context, outcome string) {
	if p == nil || p.reconciliations == nil {
		return
	}
	p.reconciliations.Add(ctx, 1, metric.WithAttributes(AttrSyncOutcome.String(outcome)))
}

// CountStateConflict records one paused match.
func (p *Provider) CountStateConflict(ctx context.Context) {
	if p == nil || p.stateConflicts == nil {
		return
	}
	p.stateConflicts.Add(ctx, 1)
}

// CountCheckpointAnchored records one anchored checkpoint.
func (p *Provider) CountCheckpointAnchored(ctx context.Context) {
	if p == nil || p.checkpointsAnchored == nil {
		return
	}
	p.checkpointsAnchored.Add(ctx, 1)
}

// CountBatchFlushed records one flushed batch and its leaf count.
func (p *Provider) CountBatchFlushed(ctx context.Context, leaves int) {
	if p == nil || p.batchesFlushed == nil {
		return
	}
	p.batchesFlushed.Add(ctx, 1)
	p.batchLeaves.Add(ctx, int64(leaves))
}

// CountBatchAnchored records one anchored batch root.
func (p *Provider) CountBatchAnchored(ctx context.Context) {
	if p == nil || p.batchesAnchored == nil {
		return
	}
	p.batchesAnchored.Add(ctx, 1)
}

// CountAnchorRetry records one anchor retry.
func (p *Provider) CountAnchorRetry(ctx context.Context) {
	if p == nil || p.anchorRetries == nil {
		return
	}
	p.anchorRetries.Add(ctx, 1)
}

// CountVerification records one verification verdict.
func (p *Provider) CountVerification(ctx context.Context, verdict string) {
	if p == nil || p.verifications == nil {
		return
	}
	p.verifications.Add(ctx, 1, metric.WithAttributes(AttrVerifyVerdict.String(verdict)))
}
