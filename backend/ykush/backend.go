// SPDX-License-Identifier: GPL-2.0-only

// Package ykush powers Yepkit YKUSH hub ports via the hub's HID child
// device, sending 2-byte port commands as interrupt OUT transfers.
// Grounded on ykush_handler.c.
package ykush

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"github.com/go-usbmonitor/usbmonitor/usbhost"
)

// VendorID is Yepkit's USB vendor ID; ProductID and ProductIDVariant2
// are the two product IDs observed across YKUSH hardware revisions.
const (
	VendorID             = 0x04d8
	ProductID            = 0x0042
	ProductIDVariant2    = 0x0043
	NumPorts             = 3
	commandEndpoint      = 0x01
	enableBit            = 0x10
	oldFirmwareBufLen    = 6
	newFirmwareBufLen    = 64
	reEnableAfterResetMs = 5000
)

// IsYKUSH reports whether (vid, pid) identifies a YKUSH hub.
func IsYKUSH(vid, pid uint16) bool {
	return vid == VendorID && (pid == ProductID || pid == ProductIDVariant2)
}

// Backend implements registry.Backend for YKUSH hub ports.
type Backend struct {
	logger  log.Logger
	reg     *registry.Registry
	machine *state.Machine
	adapter *usbhost.Adapter
}

// New creates a YKUSH power backend.
func New(logger log.Logger, reg *registry.Registry, machine *state.Machine, adapter *usbhost.Adapter) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{logger: logger, reg: reg, machine: machine, adapter: adapter}
}

func portNumber(p *registry.Port) uint8 {
	if len(p.Paths) == 0 || len(p.Paths[0]) == 0 {
		return 0
	}
	return p.Paths[0][len(p.Paths[0])-1]
}

func (b *Backend) commPath(p *registry.Port) []uint8 {
	if p.ParentHub == nil {
		return nil
	}
	path, _ := p.ParentHub.CommRef.([]uint8)
	return path
}

func (b *Backend) sendCommand(p *registry.Port, cmdByte uint8, onDone func(ok bool)) {
	bufLen := newFirmwareBufLen
	if p.ParentHub != nil && p.ParentHub.OldFirmware {
		bufLen = oldFirmwareBufLen
	}
	buf := make([]byte, bufLen)
	buf[0], buf[1] = cmdByte, cmdByte

	b.adapter.InterruptOut(b.commPath(p), commandEndpoint, buf, func(err error) {
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "ykush command transfer failed", "port", portNumber(p), "err", err)
			p.Mode = registry.ModeIdle
			if onDone != nil {
				onDone(false)
			}
			return
		}
		if onDone != nil {
			onDone(true)
		}
	})
}

// Update applies an enable/disable/restart command. Restart always
// asserts off first and schedules the re-enable through the normal
// timeout path, matching the original's ping-timeout-driven re-enable.
func (b *Backend) Update(p *registry.Port, cmd registry.Command) int {
	n := portNumber(p)
	switch cmd {
	case registry.CmdEnable:
		p.Enabled = true
		b.sendCommand(p, n|enableBit, func(ok bool) {
			if ok {
				p.PowerOn = true
			}
		})
		return registry.StatusOK
	case registry.CmdDisable:
		p.Enabled = false
		b.sendCommand(p, n, func(ok bool) {
			if ok {
				p.PowerOn = false
			}
		})
		return registry.StatusOK
	case registry.CmdRestart:
		if p.Mode == registry.ModeReset {
			return registry.StatusBusy
		}
		p.Mode = registry.ModeReset
		b.sendCommand(p, n, func(ok bool) {
			if !ok {
				return
			}
			p.PowerOn = false
			b.reg.ArmTimer(p, reEnableAfterResetMs)
		})
		return registry.StatusOK
	}
	return registry.StatusError
}

// Timeout advances a ping cycle, or completes a reset by re-enabling
// the port and returning it to idle.
func (b *Backend) Timeout(p *registry.Port) {
	switch p.Mode {
	case registry.ModePing:
		b.machine.SendPing(p)
	case registry.ModeReset:
		b.sendCommand(p, portNumber(p)|enableBit, func(ok bool) {
			if ok {
				p.PowerOn = true
			}
			p.Mode = registry.ModeIdle
		})
	}
}
