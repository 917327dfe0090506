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
	meterName = "github.com/fieldworks/agrihub"
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
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	signedURLRequestsTotal metric.Int64Counter
	signedURLCacheEntries  metric.Int64Gauge
	weatherRequestsTotal   metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	blobWriteSize          metric.Float64Histogram
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram
	jobRunsTotal      metric.Int64Counter

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
		cfg.ServiceName = "agrihub"
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
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
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

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"agrihub_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"agrihub_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"agrihub_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	signedURLRequestsTotal, err := meter.Int64Counter(
		"agrihub_signed_url_cache_requests_total",
		metric.WithDescription("Signed URL cache lookups by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	signedURLCacheEntries, err := meter.Int64Gauge(
		"agrihub_signed_url_cache_entries",
		metric.WithDescription("Current number of cached signed URLs"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	weatherRequestsTotal, err := meter.Int64Counter(
		"agrihub_weather_cache_requests_total",
		metric.WithDescription("Weather alerts cache reads by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"agrihub_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"agrihub_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"agrihub_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstreams"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"agrihub_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"agrihub_backend_request_duration_seconds",
		metric.WithDescription("Duration of blob backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"agrihub_backend_requests_total",
		metric.WithDescription("Total number of blob backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"agrihub_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in blob backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"agrihub_sweep_deleted_total",
		metric.WithDescription("Total entries removed by periodic sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"agrihub_sweep_duration_seconds",
		metric.WithDescription("Duration of periodic sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	jobRunsTotal, err := meter.Int64Counter(
		"agrihub_job_runs_total",
		metric.WithDescription("Total background job runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		signedURLRequestsTotal:  signedURLRequestsTotal,
		signedURLCacheEntries:   signedURLCacheEntries,
		weatherRequestsTotal:    weatherRequestsTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		blobWriteSize:           blobWriteSize,
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		backendBytesTotal:       backendBytesTotal,
		sweepDeletedTotal:       sweepDeletedTotal,
		sweepDuration:           sweepDuration,
		jobRunsTotal:            jobRunsTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := "unknown"
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSignedURLLookup records a signed URL cache lookup.
// result is "hit", "miss", "forced" or "error".
func RecordSignedURLLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.signedURLRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// UpdateSignedURLCacheSize updates the signed URL cache entry gauge.
func UpdateSignedURLCacheSize(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.signedURLCacheEntries.Record(ctx, int64(entries))
}

// RecordWeatherRead records a weather alerts cache read.
// result is "fresh", "stale", "fetched" or "error".
func RecordWeatherRead(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.weatherRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordUpstreamFetch records an upstream fetch request.
// upstream names the remote service ("weather", "oauth").
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
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

	globalMetrics.blobWriteSize.Record(ctx, float64(size),
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordBackendOp records blob backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordSweep records one sweep cycle's removed count and duration.
// sweeper is "signed_url" or "sessions". Called unconditionally per cycle.
func RecordSweep(ctx context.Context, sweeper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sweeper", sweeper))
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordJobRun records a background job run.
// job is "cache_cleanup" or "alerts_refresh"; outcome is "ok" or "error".
func RecordJobRun(ctx context.Context, job, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("job", job),
		attribute.String("outcome", outcome),
	}
	globalMetrics.jobRunsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
