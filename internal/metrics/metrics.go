// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Messaging
	MessagesTotal    *prometheus.CounterVec
	UnknownReceivers prometheus.Counter

	// Routing
	Recalculations *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec

	// Signals
	PhaseChanges *prometheus.CounterVec
	QueueLength  *prometheus.GaugeVec

	// Coordination
	Negotiations *prometheus.CounterVec
	Incidents    *prometheus.CounterVec

	// Engine
	Ticks        prometheus.Counter
	ActiveAgents *prometheus.GaugeVec
	Failures     *prometheus.CounterVec
	TravelTime   prometheus.Histogram
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_messages_total",
				Help: "Envelopes delivered by the bus",
			},
			[]string{"performative"},
		),
		UnknownReceivers: f.NewCounter(prometheus.CounterOpts{
			Name: "trafficmesh_unknown_receiver_total",
			Help: "Sends addressed to an unregistered agent",
		}),

		Recalculations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_route_recalculations_total",
				Help: "Vehicle route recalculations",
			},
			[]string{"reason"}, // no_route, periodic, congestion, incident
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_route_cache_lookups_total",
				Help: "Route cache lookups",
			},
			[]string{"result"}, // hit, miss, stale
		),

		PhaseChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_phase_changes_total",
				Help: "Committed signal phase changes",
			},
			[]string{"intersection"},
		),
		QueueLength: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trafficmesh_queue_length",
				Help: "Total queued vehicles at an intersection",
			},
			[]string{"intersection"},
		),

		Negotiations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_negotiations_total",
				Help: "Closed Contract-Net conversations",
			},
			[]string{"outcome"}, // awarded, no_proposals, timeout
		),
		Incidents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_incidents_total",
				Help: "Incident lifecycle transitions",
			},
			[]string{"state"},
		),

		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "trafficmesh_ticks_total",
			Help: "Completed simulation ticks",
		}),
		ActiveAgents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trafficmesh_active_agents",
				Help: "Registered agents by role",
			},
			[]string{"role"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficmesh_failures_total",
				Help: "Failures by kind",
			},
			[]string{"kind"},
		),
		TravelTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trafficmesh_trip_travel_ticks",
			Help:    "Ticks from spawn to arrival for completed trips",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}
}

func (m *Metrics) Message(performative string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(performative).Inc()
}

func (m *Metrics) UnknownReceiver() {
	if m == nil {
		return
	}
	m.UnknownReceivers.Inc()
}

func (m *Metrics) Recalculation(reason string) {
	if m == nil {
		return
	}
	m.Recalculations.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) PhaseChange(intersection string) {
	if m == nil {
		return
	}
	m.PhaseChanges.WithLabelValues(intersection).Inc()
}

func (m *Metrics) Queue(intersection string, total int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(intersection).Set(float64(total))
}

func (m *Metrics) Negotiation(outcome string) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Incident(state string) {
	if m == nil {
		return
	}
	m.Incidents.WithLabelValues(state).Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

func (m *Metrics) Agents(role string, n int) {
	if m == nil {
		return
	}
	m.ActiveAgents.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Trip(ticks int) {
	if m == nil {
		return
	}
	m.TravelTime.Observe(float64(ticks))
}
