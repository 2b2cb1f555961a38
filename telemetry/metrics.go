// Package telemetry wires OpenTelemetry metrics for the artifact cache daemon.
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
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/artifact-cache"
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
	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	payloadBytesTotal  metric.Int64Counter
	droppedTotal       metric.Int64Counter
	inflightRequests   metric.Int64UpDownCounter
	blobWriteSize      metric.Float64Histogram
	backendDuration    metric.Float64Histogram
	backendTotal       metric.Int64Counter
	backendBytesTotal  metric.Int64Counter
	indexOpDuration    metric.Float64Histogram
	indexOpsTotal      metric.Int64Counter
	touchesFlushed     metric.Int64Counter
	touchFlushDuration metric.Float64Histogram

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
		cfg.ServiceName = "artifact-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
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

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

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

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	m.requestsTotal, err = meter.Int64Counter(
		"artifact_cache_requests_total",
		metric.WithDescription("Total number of requests handled, by op and response status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"artifact_cache_request_duration_seconds",
		metric.WithDescription("Request handling duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.payloadBytesTotal, err = meter.Int64Counter(
		"artifact_cache_payload_bytes_total",
		metric.WithDescription("Payload bytes received and sent"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.droppedTotal, err = meter.Int64Counter(
		"artifact_cache_datagrams_dropped_total",
		metric.WithDescription("Datagrams that could not be dispatched or answered"),
		metric.WithUnit("{datagram}"),
	)
	if err != nil {
		return nil, err
	}

	m.inflightRequests, err = meter.Int64UpDownCounter(
		"artifact_cache_inflight_requests",
		metric.WithDescription("Requests dispatched and not yet answered"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.blobWriteSize, err = meter.Float64Histogram(
		"artifact_cache_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to the content store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536),
	)
	if err != nil {
		return nil, err
	}

	m.backendDuration, err = meter.Float64Histogram(
		"artifact_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.backendTotal, err = meter.Int64Counter(
		"artifact_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.backendBytesTotal, err = meter.Int64Counter(
		"artifact_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.indexOpDuration, err = meter.Float64Histogram(
		"artifact_cache_index_op_duration_seconds",
		metric.WithDescription("Duration of entries index operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.indexOpsTotal, err = meter.Int64Counter(
		"artifact_cache_index_ops_total",
		metric.WithDescription("Total number of entries index operations"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.touchesFlushed, err = meter.Int64Counter(
		"artifact_cache_index_touches_flushed_total",
		metric.WithDescription("Coalesced access-time updates written to the index"),
		metric.WithUnit("{touch}"),
	)
	if err != nil {
		return nil, err
	}

	m.touchFlushDuration, err = meter.Float64Histogram(
		"artifact_cache_index_touch_flush_duration_seconds",
		metric.WithDescription("Duration of access-time flushes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
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

// Meter returns the daemon's meter, or a no-op meter before InitMetrics.
func Meter() metric.Meter {
	if globalMetrics == nil {
		return noop.NewMeterProvider().Meter(meterName)
	}
	return globalMetrics.meterProvider.Meter(meterName)
}

// RecordRequest records a handled request.
func RecordRequest(ctx context.Context, op, status string, duration time.Duration, bytesIn, bytesOut int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesIn > 0 {
		globalMetrics.payloadBytesTotal.Add(ctx, bytesIn, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("direction", "in"),
		))
	}
	if bytesOut > 0 {
		globalMetrics.payloadBytesTotal.Add(ctx, bytesOut, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("direction", "out"),
		))
	}
}

// RecordDropped records a datagram that was received but not answered.
func RecordDropped(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddInFlight adjusts the in-flight request gauge.
func AddInFlight(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.inflightRequests.Add(ctx, delta)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendTotal.Add(ctx, 1, attrs)
	globalMetrics.backendDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// RecordIndexOp records an entries index operation.
func RecordIndexOp(ctx context.Context, engine, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.indexOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.indexOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTouchFlush records a flush of coalesced access times.
func RecordTouchFlush(ctx context.Context, touches int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.touchesFlushed.Add(ctx, int64(touches))
	globalMetrics.touchFlushDuration.Record(ctx, duration.Seconds())
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
