package fshost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/thinkparq/fshost/pkg/block"
)

// Metrics is optional. All methods are safe to call on a nil *Metrics.
type Metrics struct {
	devices           *prometheus.CounterVec
	mounts            *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	roleMounted       *prometheus.GaugeVec
}

// NewMetrics registers the fshost metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		devices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fshost_devices_total",
			Help: "Block devices handled, by detected format.",
		}, []string{"format"}),
		mounts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fshost_mounts_total",
			Help: "Mount attempts by role and result.",
		}, []string{"role", "result"}),
		integrityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fshost_integrity_failures_total",
			Help: "Devices rejected by the integrity check, by format.",
		}, []string{"format"}),
		roleMounted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fshost_role_mounted",
			Help: "Set to 1 once a role has been mounted.",
		}, []string{"role"}),
	}
}

func (m *Metrics) deviceSeen(format block.DiskFormat) {
	if m == nil {
		return
	}
	m.devices.WithLabelValues(format.String()).Inc()
}

func (m *Metrics) mountResult(role block.Role, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.roleMounted.WithLabelValues(role.String()).Set(1)
	}
	m.mounts.WithLabelValues(role.String(), result).Inc()
}

func (m *Metrics) integrityFailure(format block.DiskFormat) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(format.String()).Inc()
}
