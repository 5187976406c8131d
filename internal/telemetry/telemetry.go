package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the meter provider and every instrument the blackhole
// records. All record methods are safe on a zero-value (disabled) instance.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	submissionsTotal  metric.Int64Counter
	statusChecksTotal metric.Int64Counter
	itemsTracked      metric.Int64UpDownCounter
	itemsDroppedTotal metric.Int64Counter
	fetchesTotal      metric.Int64Counter
	fetchDuration     metric.Float64Histogram
	downloadedBytes   metric.Int64Counter
	clientOpsTotal    metric.Int64Counter
	clientErrors      metric.Int64Counter
	uptime            metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
}

// New creates a telemetry instance with a Prometheus pull exporter and,
// when OTLPEndpoint is set, an additional OTLP gRPC push reader.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		pushExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(pushExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.trackUptime(ctx)

	return t, nil
}

// RecordSubmission counts one watcher submission attempt.
func (t *Telemetry) RecordSubmission(kind, status string) {
	if t != nil && t.submissionsTotal != nil {
		t.submissionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			),
		)
	}
}

// RecordStatusCheck counts one poller status query.
func (t *Telemetry) RecordStatusCheck(status string) {
	if t != nil && t.statusChecksTotal != nil {
		t.statusChecksTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// ItemTracked adjusts the tracked-items gauge by delta.
func (t *Telemetry) ItemTracked(delta int64) {
	if t != nil && t.itemsTracked != nil {
		t.itemsTracked.Add(context.Background(), delta)
	}
}

// RecordItemDropped counts one item removed for exceeding the failure ceiling.
func (t *Telemetry) RecordItemDropped(kind string) {
	if t != nil && t.itemsDroppedTotal != nil {
		t.itemsDroppedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordFetch records one fetch/extract attempt for a completed item.
func (t *Telemetry) RecordFetch(status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.fetchesTotal != nil {
		t.fetchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}

	if t.fetchDuration != nil {
		t.fetchDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordDownloadedBytes counts content bytes written to disk.
func (t *Telemetry) RecordDownloadedBytes(n int64) {
	if t != nil && t.downloadedBytes != nil {
		t.downloadedBytes.Add(context.Background(), n)
	}
}

// RecordClientOperation records one remote service call.
func (t *Telemetry) RecordClientOperation(service, operation, status string) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.clientOpsTotal != nil {
		t.clientOpsTotal.Add(context.Background(), 1, attrs)
	}

	if status == "error" && t.clientErrors != nil {
		t.clientErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("service", service),
				attribute.String("operation", operation),
			),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.submissionsTotal, err = t.meter.Int64Counter(
		"blackhole_submissions_total",
		metric.WithDescription("Total number of watch-file submissions"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.statusChecksTotal, err = t.meter.Int64Counter(
		"blackhole_status_checks_total",
		metric.WithDescription("Total number of remote status checks"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.itemsTracked, err = t.meter.Int64UpDownCounter(
		"blackhole_items_tracked",
		metric.WithDescription("Number of items currently tracked"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.itemsDroppedTotal, err = t.meter.Int64Counter(
		"blackhole_items_dropped_total",
		metric.WithDescription("Items dropped after exceeding the consecutive failure ceiling"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.fetchesTotal, err = t.meter.Int64Counter(
		"blackhole_fetches_total",
		metric.WithDescription("Total number of fetch attempts for completed items"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.fetchDuration, err = t.meter.Float64Histogram(
		"blackhole_fetch_duration_seconds",
		metric.WithDescription("Fetch and extraction duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.downloadedBytes, err = t.meter.Int64Counter(
		"blackhole_downloaded_bytes_total",
		metric.WithDescription("Content bytes written to the download directories"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if t.clientOpsTotal, err = t.meter.Int64Counter(
		"blackhole_client_operations_total",
		metric.WithDescription("Total number of remote service operations"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.clientErrors, err = t.meter.Int64Counter(
		"blackhole_client_errors_total",
		metric.WithDescription("Total number of remote service errors"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.uptime, err = t.meter.Float64Gauge(
		"blackhole_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

func (t *Telemetry) trackUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.uptime != nil {
				t.uptime.Record(context.Background(), time.Since(start).Seconds())
			}
		}
	}
}
