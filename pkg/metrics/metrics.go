// Package metrics holds the prometheus collectors of the feed engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_generations_total",
		Help: "Generations by surface and result",
	}, []string{"surface", "result"})
	TriggerSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_trigger_skips_total",
		Help: "Triggers skipped by surface and reason",
	}, []string{"surface", "reason"})
	StaleLocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_stale_locks_total",
		Help: "Single-flight leases force-cleared by the watchdog",
	}, []string{"surface"})
	DecodeWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_decode_warnings_total",
		Help: "Malformed protocol tokens skipped while decoding",
	}, []string{"surface"})
	GenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_generation_duration_seconds",
		Help:    "Generator call duration seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"surface"})
	MergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedsync_merge_duration_seconds",
		Help:    "Decode, merge and encode duration seconds",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedsync_queue_events",
		Help: "Work queue events by status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(Generations, TriggerSkips, StaleLocks, DecodeWarnings,
		GenerationDuration, MergeDuration, QueueDepth)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveGeneration records one generator call.
func ObserveGeneration(surface, result string, start time.Time) {
	Generations.WithLabelValues(surface, result).Inc()
	GenerationDuration.WithLabelValues(surface).Observe(time.Since(start).Seconds())
}

// ObserveMerge records a read-merge-write duration.
func ObserveMerge(start time.Time) { MergeDuration.Observe(time.Since(start).Seconds()) }

// IncSkip counts a skipped trigger.
func IncSkip(surface, reason string) { TriggerSkips.WithLabelValues(surface, reason).Inc() }

// IncStaleLock counts a force-cleared lease.
func IncStaleLock(surface string) { StaleLocks.WithLabelValues(surface).Inc() }

// AddDecodeWarnings counts skipped tokens.
func AddDecodeWarnings(surface string, n int) {
	if n > 0 {
		DecodeWarnings.WithLabelValues(surface).Add(float64(n))
	}
}

// SetQueueDepth publishes per-status queue sizes.
func SetQueueDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
