// Package metrics exposes Prometheus metrics for signing, timestamping
// and the HTTP bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qsign"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	signTotal    *prometheus.CounterVec
	signDuration prometheus.Histogram
	tsaAttempts  *prometheus.CounterVec
	tsaDuration  *prometheus.HistogramVec
	tsaAlive     *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers every collector, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_signed_total",
			Help:      "Signing operations by result, failing stage and timestamp presence.",
		}, []string{"result", "stage", "timestamped"}),
		signDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_duration_seconds",
			Help:      "Duration of the signing pipeline.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		tsaAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tsa_attempts_total",
			Help:      "Timestamp requests by authority and result.",
		}, []string{"authority", "result"}),
		tsaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tsa_attempt_duration_seconds",
			Help:      "Latency of single timestamp requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"authority"}),
		tsaAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tsa_alive",
			Help:      "Result of the last liveness probe (1 alive, 0 unavailable).",
		}, []string{"authority"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP bridge requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP bridge latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.signTotal, m.signDuration,
		m.tsaAttempts, m.tsaDuration, m.tsaAlive,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DocumentSigned records one signing pipeline run. stage is empty on
// success.
func (m *Metrics) DocumentSigned(ok bool, stage string, timestamped bool, d time.Duration) {
	m.signTotal.WithLabelValues(result(ok), stage, strconv.FormatBool(timestamped)).Inc()
	m.signDuration.Observe(d.Seconds())
}

// TSAAttempt records one timestamp request.
func (m *Metrics) TSAAttempt(authority string, ok bool, d time.Duration) {
	m.tsaAttempts.WithLabelValues(authority, result(ok)).Inc()
	m.tsaDuration.WithLabelValues(authority).Observe(d.Seconds())
}

// TSAProbe records a liveness probe result.
func (m *Metrics) TSAProbe(authority string, alive bool) {
	v := 0.0
	if alive {
		v = 1
	}
	m.tsaAlive.WithLabelValues(authority).Set(v)
}

// HTTPRequest records one bridge request. route is the route pattern,
// not the raw path.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
