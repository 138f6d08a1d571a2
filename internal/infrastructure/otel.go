package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
)

const (
	ServiceName    = "vapulse"
	ServiceVersion = "1.0.0"
	MeterName      = "vapulse"
)

// TelemetryProviders holds the metric provider and its Prometheus scrape
// handler, exposed on the HTTP router at /metrics.
type TelemetryProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	logger         *slog.Logger
}

// InitTelemetry sets up the OpenTelemetry meter provider with a Prometheus
// exporter and installs it globally.
func InitTelemetry(logger *slog.Logger) (*TelemetryProviders, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	logger.Info("telemetry initialized",
		slog.String("service", ServiceName),
		slog.String("exporter", "prometheus"))

	return &TelemetryProviders{
		MeterProvider:  mp,
		Meter:          mp.Meter(MeterName, metric.WithInstrumentationVersion(ServiceVersion)),
		PrometheusHTTP: promhttp.Handler(),
		logger:         logger,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *TelemetryProviders) Shutdown(ctx context.Context) error {
	if p.MeterProvider == nil {
		return nil
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	p.logger.InfoContext(ctx, "telemetry shutdown complete")
	return nil
}

// Metrics holds the ingestion pipeline instruments. A nil *Metrics is valid
// and records nothing, so wiring stays optional in one-shot commands.
type Metrics struct {
	runDuration   metric.Float64Histogram
	fetchTotal    metric.Int64Counter
	duplicates    metric.Int64Counter
	reportsStored metric.Int64Counter
	rowsExtracted metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runDuration, err := meter.Float64Histogram(
		"ingestion_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of one ingestion run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	fetchTotal, err := meter.Int64Counter(
		"ingestion_fetches_total",
		metric.WithDescription("Report fetch attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	duplicates, err := meter.Int64Counter(
		"ingestion_duplicates_total",
		metric.WithDescription("Reports skipped because their content was already stored"),
	)
	if err != nil {
		return nil, err
	}

	reportsStored, err := meter.Int64Counter(
		"ingestion_reports_stored_total",
		metric.WithDescription("New reports persisted"),
	)
	if err != nil {
		return nil, err
	}

	rowsExtracted, err := meter.Int64Counter(
		"ingestion_rows_extracted_total",
		metric.WithDescription("Typed rows extracted from stored reports"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runDuration:   runDuration,
		fetchTotal:    fetchTotal,
		duplicates:    duplicates,
		reportsStored: reportsStored,
		rowsExtracted: rowsExtracted,
	}, nil
}

// ObserveRunDuration records how long one ingestion run took.
func (m *Metrics) ObserveRunDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, d.Seconds())
}

// CountFetch counts one fetch attempt with its outcome ("success" or
// "failure").
func (m *Metrics) CountFetch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.fetchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CountDuplicate counts one duplicate-content verdict.
func (m *Metrics) CountDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

// CountReportStored counts one stored report and the rows extracted from it.
func (m *Metrics) CountReportStored(ctx context.Context, rows int) {
	if m == nil {
		return
	}
	m.reportsStored.Add(ctx, 1)
	m.rowsExtracted.Add(ctx, int64(rows))
}
