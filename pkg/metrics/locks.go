package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/slave"
)

var (
	_ master.LockObserver = (*Manager)(nil)
	_ slave.Observer      = (*Manager)(nil)
)

func (m *Manager) initLockMetrics() {
	m.lockRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_requests_total",
			Help:      "Lock requests by serving side (master, slave) and result",
		},
		[]string{"side", "result"},
	)

	m.fencingRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_fencing_retries_total",
			Help:      "Slave lock requests retried after a stale epoch or out of order answer",
		},
	)

	m.shadowLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shadow_locks",
			Help:      "Master-granted locks mirrored by the slave lock manager",
		},
	)

	m.registry.MustRegister(m.lockRequests)
	m.registry.MustRegister(m.fencingRetries)
	m.registry.MustRegister(m.shadowLocks)
}

// ObserveLockRequest records one lock request.
func (m *Manager) ObserveLockRequest(side, result string) {
	if !m.enabled {
		return
	}
	m.lockRequests.WithLabelValues(side, result).Inc()
}

// IncFencingRetries records a fenced slave request being retried.
func (m *Manager) IncFencingRetries() {
	if !m.enabled {
		return
	}
	m.fencingRetries.Inc()
}

// SetShadowLocks records the number of shadow locks.
func (m *Manager) SetShadowLocks(count int) {
	if !m.enabled {
		return
	}
	m.shadowLocks.Set(float64(count))
}
