// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ReconcileRuns        prometheus.Counter
	ReconcileFailures    prometheus.Counter
	AssetResolveAttempts prometheus.Counter
	AssetResolveReady    prometheus.Counter
	InvariantViolations  prometheus.Counter
	UpstreamErrors       prometheus.Counter

	// Histograms (seconds)
	UpstreamRequestDuration prometheus.Observer
	ReconcileDuration       prometheus.Observer

	// Gauges
	LiveStreamsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_reconcile_runs_total", Help: "Number of stream reconciliation passes"})
		ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_reconcile_failures_total", Help: "Number of reconciliation passes that hit an error"})
		AssetResolveAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_asset_resolve_attempts_total", Help: "Number of recording-asset resolution attempts"})
		AssetResolveReady = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_asset_resolve_ready_total", Help: "Number of resolutions that produced a ready asset"})
		InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_invariant_violations_total", Help: "Asset playback id collided with stream playback id"})
		UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "upstream_errors_total", Help: "Number of failed upstream video platform calls"})
		UpstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "upstream_request_duration_seconds", Help: "Upstream video platform request duration seconds", Buckets: prometheus.DefBuckets})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stream_reconcile_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: prometheus.DefBuckets})
		LiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streams_live", Help: "Current number of streams marked live"})
	})
}

// SetLiveStreams records the current number of live streams.
func SetLiveStreams(n int) {
	if LiveStreamsGauge != nil {
		LiveStreamsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
