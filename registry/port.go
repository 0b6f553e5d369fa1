// SPDX-License-Identifier: GPL-2.0-only

package registry

import "github.com/go-usbmonitor/usbmonitor/eventloop"

// PortKind selects which power-control backend owns a Port.
type PortKind int

const (
	KindGenericHub PortKind = iota
	KindYKUSH
	KindGPIO
	KindLanner
)

func (k PortKind) String() string {
	switch k {
	case KindGenericHub:
		return "generic_hub"
	case KindYKUSH:
		return "ykush"
	case KindGPIO:
		return "gpio"
	case KindLanner:
		return "lanner"
	default:
		return "unknown"
	}
}

// MsgMode is the active phase of a port's liveness/restart state machine.
type MsgMode int

const (
	ModeIdle MsgMode = iota
	ModePing
	ModeReset
	ModeProbe
)

func (m MsgMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePing:
		return "ping"
	case ModeReset:
		return "reset"
	case ModeProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Command is an administrative or state-machine-driven action applied to
// a port's backend.
type Command int

const (
	CmdRestart Command = iota
	CmdEnable
	CmdDisable
)

// Status values a Backend.Update returns. StatusBusy signals a
// temporary condition the caller should retry (Lanner mid-dialogue);
// any other non-zero value is a permanent rejection of this request.
const (
	StatusOK    = 0
	StatusError = 1
	StatusBusy  = 503
)

// DeviceIdentity is a USB vendor/product ID pair.
type DeviceIdentity struct {
	VID uint16
	PID uint16
}

// Backend is the capability set every power-control backend exposes to
// the liveness/restart state machine. Backend-specific state lives in
// the concrete implementation, referenced opaquely from Port.BackendRef.
type Backend interface {
	// Update drives p towards cmd and returns a Status* code.
	Update(p *Port, cmd Command) int
	// Timeout is invoked when p's armed timer expires.
	Timeout(p *Port)
}

// Port is the unit of supervision: one switchable power line, addressed
// by one or two USB topology paths.
type Port struct {
	Paths [][]uint8
	Kind  PortKind

	// BackendRef is an opaque handle the backend understands: hub+port
	// number, a bit index, a sysfs path, etc.
	BackendRef interface{}
	ParentHub  *Hub
	Backend    Backend

	// USBHandle is an opaque reference to the currently attached USB
	// device, managed exclusively by the USB host adapter. It exists so
	// the liveness ping can address the right device without the
	// registry depending on the adapter package.
	USBHandle interface{}

	Device    DeviceIdentity
	HasDevice bool

	PowerOn bool
	Enabled bool
	Mode    MsgMode

	RetransCount int

	// ProbeState is only meaningful for GPIO ports during path discovery.
	ProbeState ProbeState

	timer *eventloop.Timer
}

// ProbeState is the GPIO path-discovery sub-state (see backend/gpio).
type ProbeState int

const (
	ProbeIdle ProbeState = iota
	ProbeDown
	ProbeDownDone
	ProbeUp
	ProbeDown2
	ProbeDone
	ProbeWriteFile
)

// HasPath reports whether candidate matches any of p's configured paths
// exactly (same length, same components).
func (p *Port) HasPath(candidate []uint8) bool {
	for _, known := range p.Paths {
		if pathsEqual(known, candidate) {
			return true
		}
	}
	return false
}

func pathsEqual(a, b []uint8) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
