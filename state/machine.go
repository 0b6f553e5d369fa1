// SPDX-License-Identifier: GPL-2.0-only

// Package state implements the per-port liveness/restart state machine
// described in usb_monitor_callbacks.c and usb_helpers.c: device
// arrival/departure bookkeeping, the 5s liveness ping cycle, and
// promotion to a backend-driven restart after five consecutive ping
// failures.
package state

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/metrics"
	"github.com/go-usbmonitor/usbmonitor/registry"
)

const (
	// PingIntervalMs is how often a connected, idle-liveness port is pinged.
	PingIntervalMs = 5000
	// ArrivalDelayMs is the grace period before the first ping after a
	// device attaches, longer than PingIntervalMs to give mode-switching
	// devices (e.g. modems that re-enumerate) time to settle.
	ArrivalDelayMs = 10000
	// RetransLimit is the number of consecutive ping failures that
	// promote a port from ping to reset.
	RetransLimit = 5
)

// Pinger sends a liveness probe to the device currently attached to p
// and reports the outcome asynchronously via result.
type Pinger interface {
	SendPing(p *registry.Port, result func(ok bool))
}

// Machine drives port arrival/departure and the liveness ping cycle. A
// power backend's Timeout implementation calls SendPing when
// p.Mode == ModePing and handles every other timeout itself.
type Machine struct {
	logger   log.Logger
	registry *registry.Registry
	pinger   Pinger
	metrics  *metrics.Metrics
}

// New creates a liveness/restart state machine.
func New(logger log.Logger, reg *registry.Registry, pinger Pinger) *Machine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Machine{logger: logger, registry: reg, pinger: pinger}
}

// SetMetrics installs the Prometheus handle used to record liveness
// failures and restarts. Optional; a Machine with no metrics installed
// simply skips instrumentation.
func (m *Machine) SetMetrics(ms *metrics.Metrics) {
	m.metrics = ms
}

// DeviceArrived binds vid/pid and handle to p and schedules the first
// liveness ping. Arrival is ignored for ports mid-reset and for
// disabled ports outside probe mode, matching usb_device_added's guard.
// Ports in probe mode (which the probe holds disabled) are routed to
// the caller's probe handler instead of starting a ping cycle.
func (m *Machine) DeviceArrived(p *registry.Port, vid, pid uint16, handle interface{}, onProbe func()) {
	if p.Mode == registry.ModeReset || (!p.Enabled && p.Mode != registry.ModeProbe) {
		return
	}
	if p.HasDevice && p.Device.VID == vid && p.Device.PID == pid {
		return
	}

	p.Device = registry.DeviceIdentity{VID: vid, PID: pid}
	p.HasDevice = true
	p.USBHandle = handle

	if p.Mode == registry.ModeProbe {
		if onProbe != nil {
			onProbe()
		}
		return
	}

	p.Mode = registry.ModePing
	m.registry.ArmTimer(p, ArrivalDelayMs)
}

// DeviceDeparted clears device identity and, unless a reset or probe is
// in flight, removes p from the timer list. The reset/probe exception
// preserves the "power back on" timer that would otherwise be lost,
// matching usb_helpers_reset_port.
func (m *Machine) DeviceDeparted(p *registry.Port) {
	p.HasDevice = false
	p.Device = registry.DeviceIdentity{}
	p.USBHandle = nil
	p.RetransCount = 0

	if p.Mode != registry.ModeReset && p.Mode != registry.ModeProbe {
		m.registry.CancelTimer(p)
	}
}

// SendPing issues a liveness probe and re-arms or escalates based on the
// outcome. Backends call this from their Timeout implementation whenever
// p.Mode == ModePing.
func (m *Machine) SendPing(p *registry.Port) {
	if p.USBHandle == nil {
		m.registry.ArmTimer(p, PingIntervalMs)
		return
	}
	m.pinger.SendPing(p, func(ok bool) {
		if !p.Enabled || p.Mode != registry.ModePing {
			// An enable/disable/reset raced the in-flight ping; drop it.
			return
		}
		if ok {
			p.RetransCount = 0
			m.registry.ArmTimer(p, PingIntervalMs)
			return
		}

		_ = level.Debug(m.logger).Log("msg", "liveness ping failed", "vid", p.Device.VID, "pid", p.Device.PID)
		if m.metrics != nil {
			m.metrics.LivenessFailures.Inc()
		}
		if p.RetransCount >= RetransLimit-1 {
			p.RetransCount = 0
			if p.Mode != registry.ModeReset {
				if m.metrics != nil {
					m.metrics.Restarts.WithLabelValues(p.Kind.String()).Inc()
				}
				p.Backend.Update(p, registry.CmdRestart)
			}
			return
		}
		p.RetransCount++
		m.registry.ArmTimer(p, PingIntervalMs)
	})
}

// Restart forces p into its backend's restart sequence, used by the
// HTTP control surface. Returns StatusBusy without calling the backend
// while p is already resetting.
func (m *Machine) Restart(p *registry.Port) int {
	if p.Mode == registry.ModeReset {
		return registry.StatusBusy
	}
	if m.metrics != nil {
		m.metrics.Restarts.WithLabelValues(p.Kind.String()).Inc()
	}
	return p.Backend.Update(p, registry.CmdRestart)
}
