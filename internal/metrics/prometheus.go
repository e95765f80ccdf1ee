// Package metrics exposes the ETL's Prometheus collectors: claim/
// completion/failure/recovery counters, a queue backlog gauge, per-stage
// duration histograms, and an image-materialization counter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	registry *prometheus.Registry

	claimedTotal        prometheus.Counter
	completedTotal       prometheus.Counter
	failedTotal          *prometheus.CounterVec
	staleRecoveredTotal  prometheus.Counter
	imagesMaterialized   prometheus.Counter

	queueBacklog prometheus.Gauge

	stageDuration *prometheus.HistogramVec
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var m *collectors

// Init registers the ETL collectors under namespace ("etl" by default)
// and a fresh registry. Calling Init more than once is a no-op beyond the
// first call within a process.
func Init(namespace string) {
	if m != nil {
		return
	}
	if namespace == "" {
		namespace = "etl"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &collectors{
		registry: registry,

		claimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_total",
			Help:      "Total queue rows claimed by a worker.",
		}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_total",
			Help:      "Total executions committed successfully.",
		}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Total execution failures, by whether the failure was permanent.",
		}, []string{"permanent"}),
		staleRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_recovered_total",
			Help:      "Total processing rows returned to pending by stale-claim recovery.",
		}),
		imagesMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_materialized_total",
			Help:      "Total executions for which an image row was written.",
		}),
		queueBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_backlog",
			Help:      "Current pending+processing count on the stage2 queue.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of a named processing stage.",
			Buckets:   defaultBuckets,
		}, []string{"stage"}),
	}

	registry.MustRegister(
		c.claimedTotal,
		c.completedTotal,
		c.failedTotal,
		c.staleRecoveredTotal,
		c.imagesMaterialized,
		c.queueBacklog,
		c.stageDuration,
	)

	m = c
}

// Handler returns an HTTP handler for Prometheus scraping. Returns 503
// when Init hasn't run yet.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func RecordClaimed(n int) {
	if m == nil {
		return
	}
	m.claimedTotal.Add(float64(n))
}

func RecordCompleted() {
	if m == nil {
		return
	}
	m.completedTotal.Inc()
}

// RecordFailed records one failure; permanent distinguishes a row that
// exhausted its retries from one still eligible for re-claim.
func RecordFailed(permanent bool) {
	if m == nil {
		return
	}
	label := "false"
	if permanent {
		label = "true"
	}
	m.failedTotal.WithLabelValues(label).Inc()
}

func RecordStaleRecovered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.staleRecoveredTotal.Add(float64(n))
}

func RecordImageMaterialized() {
	if m == nil {
		return
	}
	m.imagesMaterialized.Inc()
}

func SetQueueBacklog(n int64) {
	if m == nil {
		return
	}
	m.queueBacklog.Set(float64(n))
}

// ObserveStageDuration records a stage's wall-clock duration in seconds.
func ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}
