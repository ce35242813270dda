package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests    metric.Int64Counter
	HTTPDuration    metric.Float64Histogram
	ReconcilePasses metric.Int64Counter
	OrphansRemoved  metric.Int64Counter
	HolesFilled     metric.Int64Counter
	FeedRequests    metric.Int64Counter
	FeedErrors      metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	WSConnections   metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"fln_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"fln_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcilePasses, err = meter.Int64Counter(
		"fln_reconcile_passes_total",
		metric.WithDescription("Total number of reconciliation passes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrphansRemoved, err = meter.Int64Counter(
		"fln_orphans_removed_total",
		metric.WithDescription("Entries deleted because their external post disappeared"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HolesFilled, err = meter.Int64Counter(
		"fln_holes_filled_total",
		metric.WithDescription("External posts moved into earlier canonical slots"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FeedRequests, err = meter.Int64Counter(
		"fln_feed_requests_total",
		metric.WithDescription("Requests issued to the external scheduling service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FeedErrors, err = meter.Int64Counter(
		"fln_feed_errors_total",
		metric.WithDescription("Failed requests to the external scheduling service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"fln_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"fln_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter(
		"fln_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordReconcile(ctx context.Context, orphans, holes int) {
	m.ReconcilePasses.Add(ctx, 1)
	if orphans > 0 {
		m.OrphansRemoved.Add(ctx, int64(orphans))
	}
	if holes > 0 {
		m.HolesFilled.Add(ctx, int64(holes))
	}
}

func (m *Metrics) RecordFeedRequest(ctx context.Context, op string, err error) {
	labels := metric.WithAttributes(attribute.String("op", op))
	m.FeedRequests.Add(ctx, 1, labels)
	if err != nil {
		m.FeedErrors.Add(ctx, 1, labels)
	}
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.WSConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.WSConnections.Add(ctx, -1)
}
