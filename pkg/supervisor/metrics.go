package supervisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-stack/pkg/units"
)

// Metrics tracks supervisor activity on a private registry, served on the
// status API's /metrics endpoint.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	probes      *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	unitUp      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stack_unit_transitions_total",
			Help: "Unit state transitions by target state.",
		}, []string{"unit", "to"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stack_unit_probes_total",
			Help: "Completed health probes by result.",
		}, []string{"unit", "result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stack_unit_restarts_total",
			Help: "Unit restarts requeued by restart policy.",
		}, []string{"unit"}),
		unitUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stack_unit_up",
			Help: "1 while the unit is healthy, 0 otherwise.",
		}, []string{"unit"}),
	}

	m.registry.MustRegister(m.transitions, m.probes, m.restarts, m.unitUp)
	return m
}

func (m *Metrics) ObserveTransition(unit string, to units.UnitState) {
	m.transitions.WithLabelValues(unit, string(to)).Inc()
	if to == units.UnitStateHealthy {
		m.unitUp.WithLabelValues(unit).Set(1)
	} else {
		m.unitUp.WithLabelValues(unit).Set(0)
	}
}

func (m *Metrics) ObserveProbe(unit string, healthy bool) {
	result := "failure"
	if healthy {
		result = "success"
	}
	m.probes.WithLabelValues(unit, result).Inc()
}

func (m *Metrics) ObserveRestart(unit string) {
	m.restarts.WithLabelValues(unit).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
