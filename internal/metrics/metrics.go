// Package metrics holds the Prometheus collectors for polyalert. All methods
// are safe to call on a nil *Registry, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all polyalert metrics.
type Registry struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	Phase         *prometheus.GaugeVec
	Events        *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	SendAttempts  *prometheus.CounterVec
	Pruned        *prometheus.CounterVec
	Orders        *prometheus.CounterVec
}

// New creates a registry with every collector registered, plus the Go and
// process collectors.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_poll_cycles_total",
				Help: "Completed poll cycles by domain and outcome",
			},
			[]string{"domain", "outcome"},
		),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyalert_poll_cycle_duration_seconds",
				Help:    "Duration of poll cycles in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"domain"},
		),

		Phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyalert_poll_phase",
				Help: "Current scheduler phase per domain (0 idle, 1 fetching, 2 detecting, 3 committing, 4 dispatching)",
			},
			[]string{"domain"},
		),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_alert_events_total",
				Help: "Alert events detected by domain",
			},
			[]string{"domain"},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_deliveries_total",
				Help: "Alert deliveries by channel and result",
			},
			[]string{"channel", "result"},
		),

		SendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_send_attempts_total",
				Help: "Sink send attempts by channel",
			},
			[]string{"channel"},
		),

		Pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_subscriptions_pruned_total",
				Help: "Subscriptions removed automatically by reason",
			},
			[]string{"reason"},
		),

		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyalert_orders_total",
				Help: "Order submissions by outcome",
			},
			[]string{"outcome"},
		),
	}

	r.registry.MustRegister(
		r.Cycles, r.CycleDuration, r.Phase, r.Events,
		r.Deliveries, r.SendAttempts, r.Pruned, r.Orders,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveCycle(domain, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.Cycles.WithLabelValues(domain, outcome).Inc()
	r.CycleDuration.WithLabelValues(domain).Observe(d.Seconds())
}

func (r *Registry) SetPhase(domain string, phase int) {
	if r == nil {
		return
	}
	r.Phase.WithLabelValues(domain).Set(float64(phase))
}

func (r *Registry) AddEvents(domain string, n int) {
	if r == nil {
		return
	}
	r.Events.WithLabelValues(domain).Add(float64(n))
}

func (r *Registry) RecordDelivery(channel, result string) {
	if r == nil {
		return
	}
	r.Deliveries.WithLabelValues(channel, result).Inc()
}

func (r *Registry) RecordSendAttempt(channel string) {
	if r == nil {
		return
	}
	r.SendAttempts.WithLabelValues(channel).Inc()
}

func (r *Registry) AddPruned(reason string, n int) {
	if r == nil {
		return
	}
	r.Pruned.WithLabelValues(reason).Add(float64(n))
}

func (r *Registry) RecordOrder(outcome string) {
	if r == nil {
		return
	}
	r.Orders.WithLabelValues(outcome).Inc()
}
