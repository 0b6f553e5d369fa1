// SPDX-License-Identifier: GPL-2.0-only

// Package generichub powers ports on any USB hub that advertises
// per-port power switching in its hub descriptor, using standard
// SET_FEATURE/CLEAR_FEATURE(PORT_POWER) class control transfers.
// Grounded on generic_handler.c.
package generichub

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"github.com/go-usbmonitor/usbmonitor/usbhost"
)

// YepkitInternalHubVID/PID identify the YKUSH's own internal hub, which
// this backend must ignore even though it advertises per-port switching
// — it belongs to the ykush backend.
const (
	YepkitInternalHubVID = 0x0424
	YepkitInternalHubPID = 0x2514
)

const (
	reqTypeClassOtherOut = 0x23
	reqSetFeature        = 0x03
	reqClearFeature      = 0x01
	featurePortPower     = 8

	restartOffWaitMs = 5000
)

// Backend implements registry.Backend for ports on a standard
// per-port-switched USB hub.
type Backend struct {
	logger  log.Logger
	reg     *registry.Registry
	machine *state.Machine
	adapter *usbhost.Adapter
}

// New creates a generic-hub power backend.
func New(logger log.Logger, reg *registry.Registry, machine *state.Machine, adapter *usbhost.Adapter) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{logger: logger, reg: reg, machine: machine, adapter: adapter}
}

// IsSwitchable reports whether a hub descriptor's wHubCharacteristics
// field advertises per-port power switching (bits 0..1 == 01).
func IsSwitchable(wHubChar uint16) bool {
	return wHubChar&0x3 == 0x1
}

// IsBlacklisted reports whether (vid, pid) is the YKUSH's own internal
// hub, which this backend must never manage.
func IsBlacklisted(vid, pid uint16) bool {
	return vid == YepkitInternalHubVID && pid == YepkitInternalHubPID
}

func portIndex(p *registry.Port) uint16 {
	if len(p.Paths) == 0 || len(p.Paths[0]) == 0 {
		return 0
	}
	return uint16(p.Paths[0][len(p.Paths[0])-1])
}

func (b *Backend) hubPath(p *registry.Port) []uint8 {
	if p.ParentHub == nil {
		return nil
	}
	if len(p.Paths) == 0 {
		return nil
	}
	hubPath := p.Paths[0][:len(p.Paths[0])-1]
	out := make([]uint8, len(hubPath))
	copy(out, hubPath)
	return out
}

func (b *Backend) setPower(p *registry.Port, on bool) {
	req := uint8(reqSetFeature)
	if !on {
		req = reqClearFeature
	}
	b.adapter.ControlTransfer(b.hubPath(p), reqTypeClassOtherOut, req, featurePortPower, portIndex(p), nil, func(_ int, err error) {
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "port power transfer failed", "on", on, "err", err)
			return
		}
		p.PowerOn = on
	})
}

// Update applies an enable/disable/restart command, per
// usb_helpers_update semantics: disable cuts power and clears the
// enabled bit, enable restores both, restart always ends with power on
// and msg_mode idle after the off->wait->on cycle.
func (b *Backend) Update(p *registry.Port, cmd registry.Command) int {
	switch cmd {
	case registry.CmdEnable:
		p.Enabled = true
		b.setPower(p, true)
		return registry.StatusOK
	case registry.CmdDisable:
		p.Enabled = false
		b.setPower(p, false)
		return registry.StatusOK
	case registry.CmdRestart:
		if p.Mode == registry.ModeReset {
			return registry.StatusBusy
		}
		p.Mode = registry.ModeReset
		b.setPower(p, false)
		b.reg.ArmTimer(p, restartOffWaitMs)
		return registry.StatusOK
	}
	return registry.StatusError
}

// Timeout advances whichever phase p is in: a ping timeout routes to
// the liveness machine, a restart timeout turns power back on.
func (b *Backend) Timeout(p *registry.Port) {
	switch p.Mode {
	case registry.ModePing:
		b.machine.SendPing(p)
	case registry.ModeReset:
		b.setPower(p, true)
		p.Mode = registry.ModeIdle
	}
}
