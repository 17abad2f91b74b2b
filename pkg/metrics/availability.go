package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphkeep/graphkeep/pkg/availability"
)

var _ availability.Observer = (*Manager)(nil)

func (m *Manager) initAvailabilityMetrics() {
	m.availabilityRequirements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "availability_requirements",
			Help:      "Number of distinct reasons currently keeping the node unavailable",
		},
	)

	m.healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_health_transitions_total",
			Help:      "Membership health transitions of this node by target state",
		},
		[]string{"state"},
	)

	m.registry.MustRegister(m.availabilityRequirements)
	m.registry.MustRegister(m.healthTransitions)
}

// SetAvailabilityRequirements records the number of raised requirements.
func (m *Manager) SetAvailabilityRequirements(count int) {
	if !m.enabled {
		return
	}
	m.availabilityRequirements.Set(float64(count))
}

// RecordHealthTransition records a membership health change of this node.
func (m *Manager) RecordHealthTransition(state string) {
	if !m.enabled {
		return
	}
	m.healthTransitions.WithLabelValues(state).Inc()
}
