package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
)

// Metrics owns its registry so several instances can live in one process
// (tests, the api server and the release worker).
type Metrics struct {
	reg *prometheus.Registry

	reservations         *prometheus.CounterVec
	reservationDuration  *prometheus.HistogramVec
	releases             *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec
	capacityDrift        prometheus.Gauge
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

var _ booking.Recorder = (*Metrics)(nil)

func New(namespace string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome and error code.",
		}, []string{"outcome", "code"}),
		reservationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_duration_seconds",
			Help:      "Time from reservation request to resolved outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Capacity release attempts by result.",
		}, []string{"result"}),
		compensationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Compensating writes that failed and need reconciliation.",
		}, []string{"op"}),
		capacityDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_drift_slots",
			Help:      "Slots whose booking counter disagrees with active appointments at the last audit.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.reg.MustRegister(
		m.reservations,
		m.reservationDuration,
		m.releases,
		m.compensationFailures,
		m.capacityDrift,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveReservation(outcome booking.Outcome, code string, elapsed time.Duration) {
	if code == "" {
		code = "none"
	}
	m.reservations.WithLabelValues(string(outcome), code).Inc()
	m.reservationDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRelease(result string) {
	m.releases.WithLabelValues(result).Inc()
}

func (m *Metrics) CompensationFailed(op string) {
	m.compensationFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) CapacityDrift(slots int) {
	m.capacityDrift.Set(float64(slots))
}

// ObserveHTTP records one request. route is the matched pattern, not the raw
// path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
