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
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	HTTPRequests metric.Int64Counter
	HTTPDuration metric.Float64Histogram
	CacheHits    metric.Int64Counter
	CacheMisses  metric.Int64Counter

	Scans               metric.Int64Counter
	ScanDuration        metric.Float64Histogram
	ObligationsScanned  metric.Int64Counter
	UnhealthyFound      metric.Int64Counter
	IntentsEmitted      metric.Int64Counter
	IntentsFailed       metric.Int64Counter
	DecodeErrors        metric.Int64Counter
	AccountUpdates      metric.Int64Counter
	AccrualCatchUpSteps metric.Int64Counter
	ActiveSubscriptions metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewNoop returns instruments that discard every measurement.
func NewNoop() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "lqd_http_requests_total", "Total number of HTTP requests"},
		{&m.CacheHits, "lqd_cache_hits_total", "Total number of cache hits"},
		{&m.CacheMisses, "lqd_cache_misses_total", "Total number of cache misses"},
		{&m.Scans, "lqd_scans_total", "Completed obligation scans"},
		{&m.ObligationsScanned, "lqd_obligations_scanned_total", "Obligations evaluated by scans"},
		{&m.UnhealthyFound, "lqd_unhealthy_obligations_total", "Obligations found below the minimum collateral ratio"},
		{&m.IntentsEmitted, "lqd_liquidation_intents_total", "Liquidation intents handed to the sink"},
		{&m.IntentsFailed, "lqd_liquidation_intents_failed_total", "Liquidation intents the sink rejected"},
		{&m.DecodeErrors, "lqd_decode_errors_total", "Account updates dropped because they did not decode"},
		{&m.AccountUpdates, "lqd_account_updates_total", "Account updates applied to the snapshot"},
		{&m.AccrualCatchUpSteps, "lqd_accrual_catchup_steps_total", "Reserve refresh steps submitted"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"lqd_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.ScanDuration, err = meter.Float64Histogram(
		"lqd_scan_duration_seconds",
		metric.WithDescription("Duration of one obligation scan in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubscriptions, err = meter.Int64UpDownCounter(
		"lqd_account_subscriptions",
		metric.WithDescription("Number of live account subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordScan(ctx context.Context, scanned, unhealthy int, duration time.Duration) {
	if m == nil {
		return
	}
	m.Scans.Add(ctx, 1)
	m.ScanDuration.Record(ctx, duration.Seconds())
	m.ObligationsScanned.Add(ctx, int64(scanned))
	m.UnhealthyFound.Add(ctx, int64(unhealthy))
}

func (m *Metrics) RecordIntent(ctx context.Context, sink string, err error) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("sink", sink))
	if err != nil {
		m.IntentsFailed.Add(ctx, 1, labels)
		return
	}
	m.IntentsEmitted.Add(ctx, 1, labels)
}

func (m *Metrics) RecordDecodeError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordAccountUpdate(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.AccountUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordCatchUpStep(ctx context.Context, reserve string, ok bool) {
	if m == nil {
		return
	}
	m.AccrualCatchUpSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reserve", reserve),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) IncrementSubscriptions(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Add(ctx, 1)
}

func (m *Metrics) DecrementSubscriptions(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Add(ctx, -1)
}
