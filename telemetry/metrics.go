// Package telemetry exposes OpenTelemetry counters for the refresh
// pipeline. Metrics are optional: every Record function is a no-op until
// InitMetrics has been called, so library code can record unconditionally.
package telemetry

import (
	"context"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/snapshot-sync"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Writer receives the exported metrics on shutdown. If nil, metrics
	// are collected but never exported.
	Writer io.Writer

	// FlushInterval is how often to export metrics (default: 30s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal          metric.Int64Counter
	runDuration        metric.Float64Histogram
	fetchAttemptsTotal metric.Int64Counter
	decryptTotal       metric.Int64Counter
	fallbacksTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on process exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "snapshot-sync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var reader sdkmetric.Reader
	if cfg.Writer != nil {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return err
		}
		reader = sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		)
	} else {
		reader = sdkmetric.NewManualReader()
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	runsTotal, err := meter.Int64Counter(
		"snapshot_sync_runs_total",
		metric.WithDescription("Total number of refresh pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	runDuration, err := meter.Float64Histogram(
		"snapshot_sync_run_duration_seconds",
		metric.WithDescription("Refresh pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	fetchAttemptsTotal, err := meter.Int64Counter(
		"snapshot_sync_fetch_attempts_total",
		metric.WithDescription("Total number of upstream fetch attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	decryptTotal, err := meter.Int64Counter(
		"snapshot_sync_decrypt_total",
		metric.WithDescription("Total number of decrypt-and-verify operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	fallbacksTotal, err := meter.Int64Counter(
		"snapshot_sync_fallbacks_total",
		metric.WithDescription("Total number of stale-snapshot fallbacks by cause"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		fetchAttemptsTotal: fetchAttemptsTotal,
		decryptTotal:       decryptTotal,
		fallbacksTotal:     fallbacksTotal,
		meterProvider:      mp,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordRun records a completed pipeline run.
func RecordRun(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.runsTotal.Add(ctx, 1, attrs)
	globalMetrics.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFetchAttempt records a single upstream fetch attempt.
func RecordFetchAttempt(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.fetchAttemptsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDecrypt records a decrypt-and-verify operation.
func RecordDecrypt(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.decryptTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFallback records a stale-snapshot fallback with its cause.
func RecordFallback(ctx context.Context, cause string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.fallbacksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)))
}
