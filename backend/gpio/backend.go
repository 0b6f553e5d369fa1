// SPDX-License-Identifier: GPL-2.0-only

// Package gpio powers ports wired to host GPIO lines via sysfs ASCII
// writes, and runs the path-discovery probe that learns which physical
// USB topology path a GPIO line actually controls. Grounded on
// gpio_handler.c for the basic power-write/retry behavior; the probe
// sub-protocol has no original_source counterpart and is implemented
// directly from its written description.
package gpio

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/metrics"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
)

const (
	defaultOnVal  = '1'
	defaultOffVal = '0'

	writeRetryDelayMs = 10000
	restartWaitMs     = 5000
)

// PortConfig is the per-port configuration read from the handlers
// section of the daemon's JSON config (gpio_num or gpio_path, plus
// optional inverted on/off values).
type PortConfig struct {
	Path          string
	GPIONum       int
	OnVal, OffVal byte
}

// SysfsPath resolves the value-file path for a port configured either
// by explicit path or by GPIO number.
func (c PortConfig) SysfsPath() string {
	if c.Path != "" {
		return c.Path
	}
	return fmt.Sprintf("/sys/class/gpio/gpio%d/value", c.GPIONum)
}

// writeKind records what a pending or retried sysfs write is for, so a
// retry (or the scheduled restart on-phase) settles the same way a
// first-try success would have.
type writeKind int

const (
	writeNone writeKind = iota
	writeEnable
	writeDisable
	writeRestartOff
	writeRestartOn
)

type portExtra struct {
	path           string
	onVal, offVal  byte
	pendingVal     byte
	pendingKind    writeKind
	learnedPersist bool
}

// Backend implements registry.Backend for sysfs-controlled GPIO ports,
// and separately drives the path-discovery probe across the whole set.
type Backend struct {
	logger  log.Logger
	reg     *registry.Registry
	machine *state.Machine
	loop    *eventloop.Loop

	ports []*registry.Port

	probe   *probeRun
	metrics *metrics.Metrics
}

// New creates a GPIO power backend.
func New(logger log.Logger, reg *registry.Registry, machine *state.Machine, loop *eventloop.Loop) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{logger: logger, reg: reg, machine: machine, loop: loop}
}

// SetMetrics installs the Prometheus handle used to report whether a
// path-discovery probe is currently running. Optional; a Backend with
// no metrics installed simply skips instrumentation.
func (b *Backend) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// AddPort registers a configured GPIO port at daemon startup, per the
// "ports created at config load" lifecycle rule.
func (b *Backend) AddPort(p *registry.Port, cfg PortConfig) {
	onVal, offVal := cfg.OnVal, cfg.OffVal
	if onVal == 0 {
		onVal = defaultOnVal
	}
	if offVal == 0 {
		offVal = defaultOffVal
	}
	p.BackendRef = &portExtra{path: cfg.SysfsPath(), onVal: onVal, offVal: offVal}
	p.Backend = b
	b.ports = append(b.ports, p)
	b.reg.AddPort(p)
}

func writeByte(path string, val byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write([]byte{val})
	return err
}

// write performs one best-effort sysfs write for kind, scheduling a 10s
// retry of the exact same write on failure rather than aborting the
// daemon. The kind and value are recorded on extra so a later retry (or
// a later Timeout call, for the restart on-phase) knows how to settle.
func (b *Backend) write(p *registry.Port, val byte, kind writeKind) {
	extra := p.BackendRef.(*portExtra)
	extra.pendingVal = val
	extra.pendingKind = kind
	if err := writeByte(extra.path, val); err != nil {
		_ = level.Warn(b.logger).Log("msg", "gpio write failed, retrying", "path", extra.path, "err", err)
		b.reg.ArmTimer(p, writeRetryDelayMs)
		return
	}
	b.settle(p, kind)
}

// settle applies the state change a successful write of kind implies,
// including arming the restart sequence's on-phase.
func (b *Backend) settle(p *registry.Port, kind writeKind) {
	extra := p.BackendRef.(*portExtra)
	switch kind {
	case writeEnable:
		p.PowerOn = true
	case writeDisable:
		p.PowerOn = false
	case writeRestartOff:
		p.PowerOn = false
		extra.pendingVal = extra.onVal
		extra.pendingKind = writeRestartOn
		b.reg.ArmTimer(p, restartWaitMs)
	case writeRestartOn:
		p.PowerOn = true
		p.Mode = registry.ModeIdle
	}
}

// Update applies enable/disable/restart. Restart always proceeds
// off -> wait 5s -> on, ending with msg_mode idle and power on.
func (b *Backend) Update(p *registry.Port, cmd registry.Command) int {
	extra := p.BackendRef.(*portExtra)
	switch cmd {
	case registry.CmdEnable:
		p.Enabled = true
		b.write(p, extra.onVal, writeEnable)
		return registry.StatusOK
	case registry.CmdDisable:
		p.Enabled = false
		b.write(p, extra.offVal, writeDisable)
		return registry.StatusOK
	case registry.CmdRestart:
		if p.Mode == registry.ModeReset {
			return registry.StatusBusy
		}
		p.Mode = registry.ModeReset
		b.write(p, extra.offVal, writeRestartOff)
		return registry.StatusOK
	}
	return registry.StatusError
}

// Timeout retries a pending write, advances a restart's on-phase, or
// — during a probe — dispatches to the probe step for this port's
// expiry. A device that enumerates on one of a GPIO port's topology
// paths puts the port into ModePing like any other port, so ping
// timeouts are forwarded to the liveness machine.
func (b *Backend) Timeout(p *registry.Port) {
	switch p.Mode {
	case registry.ModePing:
		b.machine.SendPing(p)
	case registry.ModeProbe:
		b.timeoutProbe(p)
	default:
		extra := p.BackendRef.(*portExtra)
		b.write(p, extra.pendingVal, extra.pendingKind)
	}
}
