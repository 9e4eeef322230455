// Package metrics exposes Prometheus collectors for the orchestration
// engine. All record helpers are nil-guarded so callers never need to check
// whether the subsystem was initialized.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	rejectionsTotal  prometheus.Counter
	tokensIssued     prometheus.Counter
	callsCompleted   *prometheus.CounterVec
	cleanupsTotal    *prometheus.CounterVec

	invokeLatency *prometheus.HistogramVec

	pendingDepth  prometheus.Gauge
	ongoing       prometheus.Gauge
	activeJobs    prometheus.Gauge
	uptimeSeconds prometheus.GaugeFunc
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var (
	m         *Metrics
	startTime = time.Now()
)

// Init initializes the metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	mm := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total call invocations by dispatch path and outcome",
			},
			[]string{"path", "outcome"},
		),

		rejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocation_rejections_total",
				Help:      "Invocations the backend refused admission for (re-enqueued)",
			},
		),

		tokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_issued_total",
				Help:      "Dispatch tokens issued by completion monitors",
			},
		),

		callsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_completed_total",
				Help:      "Calls observed complete by final state",
			},
			[]string{"state"},
		),

		cleanupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_cleanups_total",
				Help:      "Job artifact cleanup attempts by result",
			},
			[]string{"result"},
		),

		invokeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_roundtrip_milliseconds",
				Help:      "Round-trip latency of backend invoke calls in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"path"},
		),

		pendingDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_queue_depth",
				Help:      "Calls waiting in the pending queue",
			},
		),

		ongoing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ongoing_activations",
				Help:      "Activations currently counted against the worker budget",
			},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Jobs with a running completion monitor",
			},
		),
	}

	mm.uptimeSeconds = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the engine started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		mm.invocationsTotal,
		mm.rejectionsTotal,
		mm.tokensIssued,
		mm.callsCompleted,
		mm.cleanupsTotal,
		mm.invokeLatency,
		mm.pendingDepth,
		mm.ongoing,
		mm.activeJobs,
		mm.uptimeSeconds,
	)

	m = mm
}

// RecordInvocation records one backend invoke attempt.
// path is "direct", "queued" or "remote"; outcome is "ok" or "error".
func RecordInvocation(path, outcome string, durationMs int64) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(path, outcome).Inc()
	m.invokeLatency.WithLabelValues(path).Observe(float64(durationMs))
}

// RecordRejection records an admission rejection (call re-enqueued).
func RecordRejection() {
	if m == nil {
		return
	}
	m.rejectionsTotal.Inc()
}

// RecordTokenIssued records one token issued by a completion monitor.
func RecordTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

// RecordCallCompleted records a call reaching a terminal state.
func RecordCallCompleted(state string) {
	if m == nil {
		return
	}
	m.callsCompleted.WithLabelValues(state).Inc()
}

// RecordCleanup records a job artifact cleanup attempt.
func RecordCleanup(result string) {
	if m == nil {
		return
	}
	m.cleanupsTotal.WithLabelValues(result).Inc()
}

// SetPendingDepth sets the pending-queue depth gauge.
func SetPendingDepth(depth int) {
	if m == nil {
		return
	}
	m.pendingDepth.Set(float64(depth))
}

// SetOngoingActivations sets the ongoing-activations gauge.
func SetOngoingActivations(n int64) {
	if m == nil {
		return
	}
	m.ongoing.Set(float64(n))
}

// SetActiveJobs sets the active-jobs gauge.
func SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry, or nil when uninitialized.
func Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
