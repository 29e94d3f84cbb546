// Package observability owns the Prometheus collectors for the proxy.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec

	settlements    *prometheus.CounterVec
	settledMsat    *prometheus.CounterVec
	reservations   prometheus.Counter
	refunds        *prometheus.CounterVec
	oracleFailures prometheus.Counter
	oracleAge      prometheus.Gauge
}

// NewMetrics builds the collector set under the satgate namespace.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed by the proxy.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "satgate",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "settlements_total",
			Help:      "Settlement outcomes by kind.",
		}, []string{"kind"}),
		settledMsat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "settled_msat_total",
			Help:      "Millisatoshis charged, by settlement kind.",
		}, []string{"kind"}),
		reservations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "reservations_total",
			Help:      "Successful balance reservations.",
		}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "refunds_total",
			Help:      "Refund outcomes.",
		}, []string{"outcome"}),
		oracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satgate",
			Name:      "oracle_refresh_failures_total",
			Help:      "Price refresh rounds where every source failed.",
		}),
		oracleAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "satgate",
			Name:      "oracle_sample_age_seconds",
			Help:      "Age of the last-known-good price sample.",
		}),
	}
	registry.MustRegister(m.requests, m.durations, m.settlements, m.settledMsat,
		m.reservations, m.refunds, m.oracleFailures, m.oracleAge)
	return m
}

// Handler exposes the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.durations.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObserveReservation records one successful reserve.
func (m *Metrics) ObserveReservation() {
	if m == nil {
		return
	}
	m.reservations.Inc()
}

// ObserveSettlement records the outcome of one settle-or-release.
func (m *Metrics) ObserveSettlement(kind string, amountMsat int64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
	if amountMsat > 0 {
		m.settledMsat.WithLabelValues(kind).Add(float64(amountMsat))
	}
}

// ObserveRefund records one refund outcome.
func (m *Metrics) ObserveRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

// ObserveOracleFailure records a refresh round with no successful source.
func (m *Metrics) ObserveOracleFailure() {
	if m == nil {
		return
	}
	m.oracleFailures.Inc()
}

// SetOracleAge publishes the age of the current price sample.
func (m *Metrics) SetOracleAge(age time.Duration) {
	if m == nil {
		return
	}
	m.oracleAge.Set(age.Seconds())
}
