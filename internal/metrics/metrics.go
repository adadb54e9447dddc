// Package metrics provides Prometheus instrumentation for the togglr server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only togglr metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the togglr server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	SnapshotFeatures    *prometheus.GaugeVec
	SnapshotLoadsTotal  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	ScheduleRunsTotal   *prometheus.CounterVec
	TriggerFiresTotal   prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all togglr metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "togglr_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		SnapshotFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "togglr_snapshot_features",
			Help: "Number of features in the in-memory snapshot.",
		}, []string{"environment_id"}),

		SnapshotLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_snapshot_loads_total",
			Help: "Total number of snapshot rebuilds from the database.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_flag_evaluations_total",
			Help: "Total number of flag evaluations by decision reason.",
		}, []string{"reason"}),

		ScheduleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_schedule_runs_total",
			Help: "Total number of scheduled flag changes applied, by outcome.",
		}, []string{"status"}),

		TriggerFiresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_trigger_fires_total",
			Help: "Total number of webhook trigger fires.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SnapshotFeatures,
		m.SnapshotLoadsTotal,
		m.EvaluationsTotal,
		m.ScheduleRunsTotal,
		m.TriggerFiresTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request count and latency for each route. The route
// label is the mux pattern that matched, keeping cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// RecordEvaluation increments the evaluation counter for a decision reason.
func (m *Metrics) RecordEvaluation(reason string) {
	m.EvaluationsTotal.WithLabelValues(reason).Inc()
}

// RecordSnapshotLoad notes a snapshot rebuild and its feature count.
func (m *Metrics) RecordSnapshotLoad(environmentID string, featureCount int) {
	m.SnapshotLoadsTotal.Inc()
	m.SnapshotFeatures.WithLabelValues(environmentID).Set(float64(featureCount))
}

// RecordScheduleRun increments the schedule run counter with the outcome.
func (m *Metrics) RecordScheduleRun(status string) {
	m.ScheduleRunsTotal.WithLabelValues(status).Inc()
}

// RecordTriggerFire increments the webhook trigger fire counter.
func (m *Metrics) RecordTriggerFire() {
	m.TriggerFiresTotal.Inc()
}

// RecordAuthFailure increments the failed authentication counter.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailuresTotal.Inc()
}
