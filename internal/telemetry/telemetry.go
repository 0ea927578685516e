package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	namespace    = "geoip_updater"
	pushInterval = 15 * time.Second
)

// Telemetry holds all telemetry instruments and providers. The zero value
// and a nil *Telemetry are valid and record nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry
	textfile       string

	// Business Metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadBytes    metric.Int64Counter
	validationsTotal metric.Int64Counter
	runsTotal        metric.Int64Counter

	// RED Metrics (Rate, Errors, Duration)
	httpAttemptsTotal metric.Int64Counter
}

// Config holds telemetry configuration. Telemetry is enabled when at least
// one sink is configured.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint pushes metrics over gRPC, as host:port or a URL.
	OTLPEndpoint string
	// TextfilePath writes metrics for the node_exporter textfile collector
	// on Shutdown.
	TextfilePath string
}

func (c Config) Enabled() bool {
	return c.OTLPEndpoint != "" || c.TextfilePath != ""
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled() {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	t := &Telemetry{textfile: cfg.TextfilePath}

	if cfg.TextfilePath != "" {
		t.registry = promclient.NewRegistry()

		exporter, err := prometheus.New(
			prometheus.WithRegisterer(t.registry),
			prometheus.WithNamespace(namespace),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := newOTLPExporter(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(pushInterval)),
		))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(opts...)
	t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(t.meterProvider)
	otel.SetTracerProvider(t.tracerProvider)

	t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)
	t.meter = t.meterProvider.Meter(cfg.ServiceName)

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(t.meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
	if strings.Contains(endpoint, "://") {
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(endpoint))
	}

	return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
}

// Enabled reports whether any sink is configured.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.meterProvider != nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(namespace)
	}

	return t.tracer
}

// WrapTransport decorates rt with request IDs, debug logging and, when
// enabled, OpenTelemetry client instrumentation.
func (t *Telemetry) WrapTransport(rt http.RoundTripper) http.RoundTripper {
	rt = NewRequestIDTransport(NewLoggingTransport(rt))

	if !t.Enabled() {
		return rt
	}

	return otelhttp.NewTransport(rt,
		otelhttp.WithMeterProvider(t.meterProvider),
		otelhttp.WithTracerProvider(t.tracerProvider),
	)
}

// DownloadStarted increments active downloads.
func (t *Telemetry) DownloadStarted(ctx context.Context) {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(ctx, 1)
}

// DownloadFinished records one finished download.
func (t *Telemetry) DownloadFinished(ctx context.Context, status string, bytes int64, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsActive.Add(ctx, -1)
	t.downloadsTotal.Add(ctx, 1, attrs)
	t.downloadDuration.Record(ctx, duration.Seconds(), attrs)

	if bytes > 0 {
		t.downloadBytes.Add(ctx, bytes, attrs)
	}
}

// ValidationObserved records a validation outcome.
func (t *Telemetry) ValidationObserved(ctx context.Context, class, result string) {
	if t == nil || t.validationsTotal == nil {
		return
	}

	t.validationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("result", result),
	))
}

// ObserveAttempt records one HTTP attempt.
func (t *Telemetry) ObserveAttempt(ctx context.Context, operation, outcome string) {
	if t == nil || t.httpAttemptsTotal == nil {
		return
	}

	t.httpAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordRun records the final status of a run.
func (t *Telemetry) RecordRun(ctx context.Context, status string) {
	if t == nil || t.runsTotal == nil {
		return
	}

	t.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Shutdown writes the textfile, flushes pending exports and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	var errs []error

	if t.textfile != "" {
		if err := promclient.WriteToTextfile(t.textfile, t.registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics textfile: %w", err))
		}
	}

	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down meter provider: %w", err))
	}

	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %w", err))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeREDMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpAttemptsTotal, err = t.meter.Int64Counter(
		"http_attempts_total",
		metric.WithDescription("Total number of HTTP attempts by operation and outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_attempts_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of database downloads"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of active downloads"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.downloadBytes, err = t.meter.Int64Counter(
		"download_bytes_total",
		metric.WithDescription("Total bytes downloaded"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes_total counter: %w", err)
	}

	t.validationsTotal, err = t.meter.Int64Counter(
		"validations_total",
		metric.WithDescription("Total number of validated files by class and result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create validations_total counter: %w", err)
	}

	t.runsTotal, err = t.meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of sync runs by status"),
	)
	if err != nil {
		return fmt.Errorf("failed to create runs_total counter: %w", err)
	}

	return nil
}
