package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

var _ switcher.Observer = (*Manager)(nil)

var trackedRoles = []ha.Role{ha.RolePending, ha.RoleMaster, ha.RoleSlave, ha.RoleDetached}

func (m *Manager) initSwitchMetrics(cfg Config) {
	m.roleSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_switches_total",
			Help:      "Total number of role switches by subsystem, target role and result",
		},
		[]string{"subsystem", "role", "result"},
	)

	m.roleSwitchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "role_switch_duration_seconds",
			Help:      "Time spent building and publishing a role implementation",
			Buckets:   cfg.SwitchDurationBuckets,
		},
		[]string{"subsystem", "role"},
	)

	m.currentRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_role",
			Help:      "1 for the role a subsystem currently serves, 0 otherwise",
		},
		[]string{"subsystem", "role"},
	)

	m.registry.MustRegister(m.roleSwitches)
	m.registry.MustRegister(m.roleSwitchDuration)
	m.registry.MustRegister(m.currentRole)
}

// ObserveSwitch records the outcome of one role switch.
func (m *Manager) ObserveSwitch(subsystem string, role ha.Role, result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.roleSwitches.WithLabelValues(subsystem, role.String(), result).Inc()
	if result == switcher.ResultNoop {
		return
	}
	m.roleSwitchDuration.WithLabelValues(subsystem, role.String()).Observe(duration.Seconds())
	if result == switcher.ResultSwitched {
		m.SetRole(subsystem, role)
	}
}

// SetRole marks role as the one subsystem currently serves.
func (m *Manager) SetRole(subsystem string, role ha.Role) {
	if !m.enabled {
		return
	}
	for _, r := range trackedRoles {
		v := 0.0
		if r == role {
			v = 1
		}
		m.currentRole.WithLabelValues(subsystem, r.String()).Set(v)
	}
}
