// SPDX-License-Identifier: GPL-2.0-only

package gpio

import (
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/registry"
)

const (
	probeSettleDelayMs = 5000
	probeArrivalDelayMs = 30000
)

// probeRun holds the state shared across every port during a single
// path-discovery pass: the persistence target and the one global
// timer that steps the state machine forward.
type probeRun struct {
	persistPath string
	timer       *eventloop.Timer
}

// StartProbe begins path discovery across every configured GPIO port:
// each is disabled and marked down, then one global 5s settle timer is
// armed before the first port is brought up.
func (b *Backend) StartProbe(persistPath string) {
	b.probe = &probeRun{persistPath: persistPath}
	if b.metrics != nil {
		b.metrics.GPIOProbeInProgress.Set(1)
	}
	for _, p := range b.ports {
		b.reg.CancelTimer(p)
		extra := p.BackendRef.(*portExtra)
		p.Enabled = false
		p.Mode = registry.ModeProbe
		p.ProbeState = registry.ProbeDown
		b.write(p, extra.offVal, writeNone)
	}
	b.armGlobal(probeSettleDelayMs, b.onDownExpiry)
}

func (b *Backend) armGlobal(delayMs int64, cb func()) {
	if b.probe.timer != nil {
		b.loop.CancelTimer(b.probe.timer)
	}
	b.probe.timer = b.loop.AddTimer(delayMs, cb, 0, true)
}

func (b *Backend) findProbeState(st registry.ProbeState) *registry.Port {
	for _, p := range b.ports {
		if p.ProbeState == st {
			return p
		}
	}
	return nil
}

// timeoutProbe is reached only for per-port timers that survive into
// probe mode; the global sequencing timer drives the protocol through
// onDownExpiry/onUpTimeout/onDown2Expiry instead.
func (b *Backend) timeoutProbe(*registry.Port) {}

func (b *Backend) onDownExpiry() {
	for _, p := range b.ports {
		if p.ProbeState == registry.ProbeDown {
			p.ProbeState = registry.ProbeDownDone
		}
	}
	for _, p := range b.ports {
		if p.HasDevice {
			_ = level.Info(b.logger).Log("msg", "probe: device still attached, host hasn't noticed removal yet", "path", registry.FormatPath(p.Paths[0]))
			b.armGlobal(probeSettleDelayMs, b.onDownExpiry)
			return
		}
	}
	b.advanceProbe()
}

// advanceProbe enables the next down_done port, or — if none remain —
// finishes the probe by persisting the learned mapping.
func (b *Backend) advanceProbe() {
	next := b.findProbeState(registry.ProbeDownDone)
	if next == nil {
		b.finishProbe()
		return
	}
	extra := next.BackendRef.(*portExtra)
	b.write(next, extra.onVal, writeNone)
	next.ProbeState = registry.ProbeUp
	b.armGlobal(probeArrivalDelayMs, b.onUpTimeout)
}

// OnArrival is invoked by the supervisor when a device arrives on a
// port while the GPIO probe is running. If the arriving port is the
// one currently powered up, the mapping is correct. Otherwise the
// arrival happened on a different port than expected, so the two
// ports' topology paths and device identities are swapped: the port
// currently "up" was mislabeled, and the one that just lit up holds
// its true path.
func (b *Backend) OnArrival(p *registry.Port) {
	up := b.findProbeState(registry.ProbeUp)
	if up == nil {
		return
	}
	if up == p {
		up.ProbeState = registry.ProbeDone
		b.advanceProbe()
		return
	}

	oldP, oldUp := p.Paths, up.Paths
	p.Paths, up.Paths = up.Paths, p.Paths
	p.Device, up.Device = up.Device, p.Device
	p.HasDevice, up.HasDevice = up.HasDevice, p.HasDevice
	b.reg.RebindPaths(p, oldP)
	b.reg.RebindPaths(up, oldUp)

	up.ProbeState = registry.ProbeDone
	b.advanceProbe()
}

func (b *Backend) onUpTimeout() {
	up := b.findProbeState(registry.ProbeUp)
	if up == nil {
		return
	}
	extra := up.BackendRef.(*portExtra)
	b.write(up, extra.offVal, writeNone)
	up.ProbeState = registry.ProbeDown2
	b.armGlobal(probeSettleDelayMs, b.onDown2Expiry)
}

func (b *Backend) onDown2Expiry() {
	if down2 := b.findProbeState(registry.ProbeDown2); down2 != nil {
		down2.ProbeState = registry.ProbeDone
	}
	b.advanceProbe()
}

func (b *Backend) finishProbe() {
	mapping := make([]PathMapping, 0, len(b.ports))
	for _, p := range b.ports {
		extra := p.BackendRef.(*portExtra)
		paths := make([]string, len(p.Paths))
		for i, pp := range p.Paths {
			paths[i] = registry.FormatPath(pp)
		}
		mapping = append(mapping, PathMapping{
			SysfsPath: extra.path,
			Path:      paths,
			OnVal:     extra.onVal,
			OffVal:    extra.offVal,
		})
	}

	if err := persistMapping(b.probe.persistPath, mapping); err != nil {
		_ = level.Error(b.logger).Log("msg", "failed to persist learned gpio mapping, retrying", "err", err)
		b.armGlobal(probeSettleDelayMs, b.finishProbe)
		return
	}

	for _, p := range b.ports {
		p.Mode = registry.ModeIdle
		p.ProbeState = registry.ProbeIdle
		p.Enabled = true
		extra := p.BackendRef.(*portExtra)
		b.write(p, extra.onVal, writeNone)
	}
	_ = level.Info(b.logger).Log("msg", "gpio path discovery finished", "persist_path", b.probe.persistPath)
	b.probe = nil
	if b.metrics != nil {
		b.metrics.GPIOProbeInProgress.Set(0)
	}
}
