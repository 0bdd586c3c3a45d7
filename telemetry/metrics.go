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
	CrawlsStarted     prometheus.Counter
	CrawlsFailed      prometheus.Counter
	CrawlsSucceeded   prometheus.Counter
	SessionsCreated   prometheus.Counter
	SessionsExtended  prometheus.Counter
	ReconcileFailures prometheus.Counter

	// Histograms (seconds)
	CrawlDuration     prometheus.Observer
	ReconcileDuration prometheus.Observer

	// Gauges
	ObservationsGauge   prometheus.Gauge
	ActiveTrackersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CrawlsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_crawls_started_total", Help: "Number of follower crawls started"})
		CrawlsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_crawls_failed_total", Help: "Number of follower crawls failed"})
		CrawlsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_crawls_succeeded_total", Help: "Number of follower crawls succeeded"})
		SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_sessions_created_total", Help: "Number of new presence sessions inserted"})
		SessionsExtended = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_sessions_extended_total", Help: "Number of presence sessions extended in place"})
		ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_reconcile_failures_total", Help: "Number of reconcile calls rolled back"})
		CrawlDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "presence_crawl_duration_seconds", Help: "Crawl duration seconds", Buckets: []float64{1, 5, 15, 60, 300, 900, 1800}})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "presence_reconcile_duration_seconds", Help: "Reconcile duration seconds", Buckets: prometheus.DefBuckets})
		ObservationsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "presence_last_observations", Help: "Observation count from the most recent successful crawl"})
		ActiveTrackersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "presence_active_trackers", Help: "Number of channels currently being polled"})
	})
}

// AddSessionsCreated records n inserted sessions.
func AddSessionsCreated(n int) {
	if SessionsCreated != nil && n > 0 {
		SessionsCreated.Add(float64(n))
	}
}

// AddSessionsExtended records n extended sessions.
func AddSessionsExtended(n int) {
	if SessionsExtended != nil && n > 0 {
		SessionsExtended.Add(float64(n))
	}
}

// IncReconcileFailures counts one rolled-back reconcile call.
func IncReconcileFailures() {
	if ReconcileFailures != nil {
		ReconcileFailures.Inc()
	}
}

// ObserveReconcileDuration records one reconcile call's duration.
func ObserveReconcileDuration(d time.Duration) {
	if ReconcileDuration != nil {
		ReconcileDuration.Observe(d.Seconds())
	}
}

// IncCrawlsStarted counts one crawl kickoff.
func IncCrawlsStarted() {
	if CrawlsStarted != nil {
		CrawlsStarted.Inc()
	}
}

// CrawlFinished records the outcome and duration of one crawl.
func CrawlFinished(d time.Duration, observations int, err error) {
	if err != nil {
		if CrawlsFailed != nil {
			CrawlsFailed.Inc()
		}
		return
	}
	if CrawlsSucceeded != nil {
		CrawlsSucceeded.Inc()
	}
	if CrawlDuration != nil {
		CrawlDuration.Observe(d.Seconds())
	}
	if ObservationsGauge != nil {
		ObservationsGauge.Set(float64(observations))
	}
}

// SetActiveTrackers records how many channel poll loops are running.
func SetActiveTrackers(n int) {
	if ActiveTrackersGauge != nil {
		ActiveTrackersGauge.Set(float64(n))
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
