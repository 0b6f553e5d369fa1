// SPDX-License-Identifier: GPL-2.0-only

// Package supervisor wires vendor USB arrival/departure events into hub
// discovery, port creation, and the liveness state machine. It is the
// Go analogue of usb_monitor_cb and usb_helpers_configure_port: the
// glue the original kept inline in usb_monitor.c and usb_helpers.c that
// this port gives its own home since Go favors small composed packages
// over one monolithic callback file.
package supervisor

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/backend/generichub"
	"github.com/go-usbmonitor/usbmonitor/backend/ykush"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"github.com/go-usbmonitor/usbmonitor/usbhost"
)

// Supervisor owns USB-hub discovery: classifying newly enumerated
// devices as YKUSH hubs, generic switchable hubs, or plain leaf
// devices under an already-known port.
type Supervisor struct {
	logger  log.Logger
	reg     *registry.Registry
	machine *state.Machine
	adapter *usbhost.Adapter

	generic *generichub.Backend
	ykushBE *ykush.Backend

	onProbeArrival func(p *registry.Port)
}

// New creates a Supervisor with both hub backends ready to assign.
func New(logger log.Logger, reg *registry.Registry, machine *state.Machine, adapter *usbhost.Adapter) *Supervisor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Supervisor{logger: logger, reg: reg, machine: machine, adapter: adapter}
	s.generic = generichub.New(logger, reg, machine, adapter)
	s.ykushBE = ykush.New(logger, reg, machine, adapter)
	return s
}

// SetProbeArrivalHandler installs the callback the GPIO backend uses to
// learn about arrivals while its path-discovery probe is running.
func (s *Supervisor) SetProbeArrivalHandler(f func(p *registry.Port)) {
	s.onProbeArrival = f
}

// Start registers this supervisor as the adapter's hotplug handler and
// begins enumeration.
func (s *Supervisor) Start() {
	s.adapter.SetHotplugHandlers(s.onArrive, s.onDepart)
	s.adapter.Start()
}

func (s *Supervisor) onArrive(path []uint8, vid, pid uint16) {
	if p := s.reg.FindByPath(path); p != nil {
		s.machine.DeviceArrived(p, vid, pid, path, func() {
			if s.onProbeArrival != nil {
				s.onProbeArrival(p)
			}
		})
		return
	}

	if generichub.IsBlacklisted(vid, pid) {
		return
	}
	if ykush.IsYKUSH(vid, pid) {
		s.configureYKUSH(path)
		return
	}

	s.adapter.ReadHubDescriptor(path, func(wHubChar uint16, numPorts uint8, err error) {
		if err != nil {
			// Not a hub, or not one we can read a descriptor from: a
			// plain leaf device under an unmanaged port. Nothing to do.
			return
		}
		if !generichub.IsSwitchable(wHubChar) {
			return
		}
		s.configureGenericHub(path, numPorts)
	})
}

func (s *Supervisor) configureGenericHub(hubPath []uint8, numPorts uint8) {
	hub := &registry.Hub{Ref: hubPath, NumPorts: int(numPorts)}
	s.reg.AddHub(hub)
	for i := uint8(1); i <= numPorts; i++ {
		portPath := append(append([]uint8{}, hubPath...), i)
		p := &registry.Port{
			Paths:     [][]uint8{portPath},
			Kind:      registry.KindGenericHub,
			ParentHub: hub,
			Backend:   s.generic,
			PowerOn:   true,
			Enabled:   true,
		}
		hub.Ports = append(hub.Ports, p)
		s.reg.AddPort(p)
	}
	_ = level.Info(s.logger).Log("msg", "generic switchable hub configured", "path", registry.FormatPath(hubPath), "ports", numPorts)
}

// ykushFirmwareThreshold is the serial-number numeric suffix boundary
// below which a YKUSH uses the 6-byte command buffer.
const ykushFirmwareThreshold = 100

func (s *Supervisor) configureYKUSH(hubPath []uint8) {
	s.adapter.ReadHubDescriptor(hubPath, func(_ uint16, numPorts uint8, err error) {
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "failed to read ykush hub descriptor", "path", registry.FormatPath(hubPath), "err", err)
			return
		}
		// The HID communications device occupies one port on the hub.
		switchablePorts := int(numPorts) - 1
		if switchablePorts != ykush.NumPorts {
			_ = level.Error(s.logger).Log("msg", "ykush hub with unexpected port count, rejecting", "path", registry.FormatPath(hubPath), "ports", switchablePorts)
			return
		}
		s.configureYKUSHPorts(hubPath)
	})
}

func (s *Supervisor) configureYKUSHPorts(hubPath []uint8) {
	hidPath := append(append([]uint8{}, hubPath...), 0xFF) // HID child enumerates as a sibling path component

	hub := &registry.Hub{Ref: hubPath, CommRef: hidPath, NumPorts: ykush.NumPorts}

	s.adapter.RunAsync(func() error {
		dev, err := s.adapter.OpenAt(hidPath)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()
		serial, err := dev.SerialNumber()
		if err != nil {
			return err
		}
		hub.OldFirmware = serialSuffixBelow(serial, ykushFirmwareThreshold)
		return nil
	}, func(err error) {
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "ykush serial read failed, assuming new firmware", "err", err)
		}
		s.reg.AddHub(hub)
		for i := uint8(1); i <= ykush.NumPorts; i++ {
			portPath := append(append([]uint8{}, hubPath...), i)
			p := &registry.Port{
				Paths:     [][]uint8{portPath},
				Kind:      registry.KindYKUSH,
				ParentHub: hub,
				Backend:   s.ykushBE,
				PowerOn:   true,
				Enabled:   true,
			}
			hub.Ports = append(hub.Ports, p)
			s.reg.AddPort(p)
		}
		_ = level.Info(s.logger).Log("msg", "ykush hub configured", "path", registry.FormatPath(hubPath), "old_firmware", hub.OldFirmware)
	})
}

func serialSuffixBelow(serial string, threshold int) bool {
	n := 0
	digits := false
	for _, r := range serial {
		if r < '0' || r > '9' {
			continue
		}
		digits = true
		n = n*10 + int(r-'0')
	}
	return digits && n < threshold
}

func (s *Supervisor) onDepart(path []uint8) {
	if h := s.hubAt(path); h != nil {
		s.reg.RemoveHub(h)
		return
	}
	if p := s.reg.FindByPath(path); p != nil {
		s.machine.DeviceDeparted(p)
	}
}

func (s *Supervisor) hubAt(path []uint8) *registry.Hub {
	key := registry.FormatPath(path)
	for _, p := range s.reg.AllPorts() {
		if p.ParentHub == nil {
			continue
		}
		if ref, ok := p.ParentHub.Ref.([]uint8); ok && registry.FormatPath(ref) == key {
			return p.ParentHub
		}
	}
	return nil
}
