// SPDX-License-Identifier: GPL-2.0-only

// Package metrics exposes Prometheus instrumentation for the
// supervisor daemon, wired the way the teacher's main.go wires its own
// promhttp.HandlerFor registry.
package metrics

import (
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge the daemon updates as it runs.
type Metrics struct {
	PortsByState       *prometheus.GaugeVec
	LivenessFailures   prometheus.Counter
	Restarts           *prometheus.CounterVec
	LannerLockContention prometheus.Counter
	GPIOProbeInProgress  prometheus.Gauge
}

// New registers every metric with reg and returns the handle used to
// update them at runtime.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PortsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "usbmonitor",
			Name:      "ports_by_state",
			Help:      "Number of supervised ports currently in each msg_mode state.",
		}, []string{"state"}),
		LivenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbmonitor",
			Name:      "liveness_failures_total",
			Help:      "Total liveness ping failures across all ports.",
		}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbmonitor",
			Name:      "restarts_total",
			Help:      "Total port restarts, labeled by backend kind.",
		}, []string{"kind"}),
		LannerLockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbmonitor",
			Name:      "lanner_lock_contention_total",
			Help:      "Times the Lanner MCU tty lock was found held by another process.",
		}),
		GPIOProbeInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbmonitor",
			Name:      "gpio_probe_in_progress",
			Help:      "1 while a GPIO path-discovery probe is running, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.PortsByState, m.LivenessFailures, m.Restarts, m.LannerLockContention, m.GPIOProbeInProgress)
	return m
}

// portStates lists every msg_mode label the gauge reports, so a state
// that has emptied out still reads 0 instead of vanishing from /metrics.
var portStates = []string{"idle", "ping", "reset", "probe"}

// RefreshPortCounts recomputes PortsByState from the registry's current
// ports. Called periodically from the main loop rather than on every
// single mode transition, matching the low-cardinality/low-frequency
// instrumentation style the rest of this daemon's metrics use.
func (m *Metrics) RefreshPortCounts(reg *registry.Registry) {
	counts := make(map[string]int, len(portStates))
	for _, p := range reg.AllPorts() {
		counts[p.Mode.String()]++
	}
	for _, s := range portStates {
		m.PortsByState.WithLabelValues(s).Set(float64(counts[s]))
	}
}
