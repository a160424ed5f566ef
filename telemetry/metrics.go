// Package telemetry provides OpenTelemetry metrics for the action log.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/actionlog"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	appendsTotal    metric.Int64Counter
	payloadSize     metric.Float64Histogram
	promotionsTotal metric.Int64Counter
	violationsTotal metric.Int64Counter

	pruneRunsTotal     metric.Int64Counter
	prunedActionsTotal metric.Int64Counter
	prunedBytesTotal   metric.Int64Counter
	pruneDuration      metric.Float64Histogram

	storeRows  metric.Int64Gauge
	storeBytes metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
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
		cfg.ServiceName = "actionlog"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	appendsTotal, err := meter.Int64Counter(
		"actionlog_appends_total",
		metric.WithDescription("Total actions appended, by partition"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	payloadSize, err := meter.Float64Histogram(
		"actionlog_payload_size_bytes",
		metric.WithDescription("Size of action payloads appended to the log"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576),
	)
	if err != nil {
		return err
	}

	promotionsTotal, err := meter.Int64Counter(
		"actionlog_promotions_total",
		metric.WithDescription("Total sent actions promoted to shared"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	violationsTotal, err := meter.Int64Counter(
		"actionlog_protocol_violations_total",
		metric.WithDescription("Total rejected operations, by operation"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return err
	}

	pruneRunsTotal, err := meter.Int64Counter(
		"actionlog_prune_runs_total",
		metric.WithDescription("Total retention prune runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	prunedActionsTotal, err := meter.Int64Counter(
		"actionlog_pruned_actions_total",
		metric.WithDescription("Total actions removed by retention pruning"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	prunedBytesTotal, err := meter.Int64Counter(
		"actionlog_pruned_bytes_total",
		metric.WithDescription("Total bytes reclaimed by retention pruning"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	pruneDuration, err := meter.Float64Histogram(
		"actionlog_prune_duration_seconds",
		metric.WithDescription("Duration of retention prune runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeRows, err := meter.Int64Gauge(
		"actionlog_store_rows",
		metric.WithDescription("Current stored action rows"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	storeBytes, err := meter.Int64Gauge(
		"actionlog_store_bytes",
		metric.WithDescription("Current stored encoded bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		appendsTotal:       appendsTotal,
		payloadSize:        payloadSize,
		promotionsTotal:    promotionsTotal,
		violationsTotal:    violationsTotal,
		pruneRunsTotal:     pruneRunsTotal,
		prunedActionsTotal: prunedActionsTotal,
		prunedBytesTotal:   prunedBytesTotal,
		pruneDuration:      pruneDuration,
		storeRows:          storeRows,
		storeBytes:         storeBytes,
		meterProvider:      mp,
		promHandler:        promHandler,
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

// RecordAppend records an appended action and its payload size.
// partition is "unsent" or "shared".
func RecordAppend(ctx context.Context, partition string, payloadBytes int) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("partition", partition),
	}
	globalMetrics.appendsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.payloadSize.Record(ctx, float64(payloadBytes), metric.WithAttributes(attrs...))
}

// RecordPromotion records a sent action promoted to shared.
func RecordPromotion(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.promotionsTotal.Add(ctx, 1)
}

// RecordProtocolViolation records a rejected operation.
// op is the public operation name, e.g. "mark_as_sent".
func RecordProtocolViolation(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.violationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordPruneRun records one retention prune run.
func RecordPruneRun(ctx context.Context, prunedRows int, prunedBytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pruneRunsTotal.Add(ctx, 1)
	globalMetrics.prunedActionsTotal.Add(ctx, int64(prunedRows))
	globalMetrics.prunedBytesTotal.Add(ctx, prunedBytes)
	globalMetrics.pruneDuration.Record(ctx, duration.Seconds())
}

// UpdateStoreState updates the store-footprint gauges. Called at the end
// of each prune run.
func UpdateStoreState(ctx context.Context, rows int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeRows.Record(ctx, int64(rows))
	globalMetrics.storeBytes.Record(ctx, bytes)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
