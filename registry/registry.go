// SPDX-License-Identifier: GPL-2.0-only

// Package registry holds the in-process set of supervised ports and
// hubs, keyed by USB topology path, plus the bad-device list and the
// full/routine reset sweep. It owns no locking: per the daemon's
// single-threaded cooperative model, the registry is only ever touched
// from the event loop thread.
package registry

import (
	"github.com/go-kit/log"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
)

// Registry is the indexed set of ports and hubs under supervision.
type Registry struct {
	logger log.Logger
	loop   *eventloop.Loop

	portsByPath map[string]*Port
	hubs        map[*Hub]struct{}
	badDevices  []DeviceIdentity
}

// New creates an empty registry bound to loop for timer scheduling.
func New(logger log.Logger, loop *eventloop.Loop) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		logger:      logger,
		loop:        loop,
		portsByPath: make(map[string]*Port),
		hubs:        make(map[*Hub]struct{}),
	}
}

// AddPort indexes p under every one of its configured paths.
func (r *Registry) AddPort(p *Port) {
	for _, path := range p.Paths {
		r.portsByPath[FormatPath(path)] = p
	}
}

// RemovePort removes p from every path index it was registered under
// and cancels any armed timer.
func (r *Registry) RemovePort(p *Port) {
	for _, path := range p.Paths {
		key := FormatPath(path)
		if r.portsByPath[key] == p {
			delete(r.portsByPath, key)
		}
	}
	r.CancelTimer(p)
}

// RebindPaths re-indexes p after its Paths slice has been mutated (used
// by the GPIO probe's path-swap step).
func (r *Registry) RebindPaths(p *Port, oldPaths [][]uint8) {
	for _, path := range oldPaths {
		key := FormatPath(path)
		if r.portsByPath[key] == p {
			delete(r.portsByPath, key)
		}
	}
	r.AddPort(p)
}

// FindByPath looks up a port by exact topology path match.
func (r *Registry) FindByPath(path []uint8) *Port {
	return r.portsByPath[FormatPath(path)]
}

// AllPorts returns every distinct port, deduplicated across its paths.
func (r *Registry) AllPorts() []*Port {
	seen := make(map[*Port]struct{})
	var out []*Port
	for _, p := range r.portsByPath {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// AddHub registers a hub so RemoveHub can later tear down its children.
func (r *Registry) AddHub(h *Hub) {
	r.hubs[h] = struct{}{}
}

// RemoveHub removes h and every port whose ParentHub is h, per the
// invariant that a departing hub takes its children with it.
func (r *Registry) RemoveHub(h *Hub) {
	for _, p := range h.Ports {
		p.Mode = ModeIdle
		r.RemovePort(p)
	}
	delete(r.hubs, h)
}

// ArmTimer arms p's timer, canceling any previously-armed one first so a
// port is never present in the timer list twice.
func (r *Registry) ArmTimer(p *Port, delayMs int64) {
	r.CancelTimer(p)
	p.timer = r.loop.AddTimer(delayMs, func() {
		p.timer = nil
		p.Backend.Timeout(p)
	}, 0, true)
}

// CancelTimer cancels p's armed timer, if any. Idempotent.
func (r *Registry) CancelTimer(p *Port) {
	if p.timer == nil {
		return
	}
	r.loop.CancelTimer(p.timer)
	p.timer = nil
}

// TimerArmed reports whether p currently has an outstanding timer.
func (r *Registry) TimerArmed(p *Port) bool {
	return p.timer != nil
}

// SetBadDevices installs the coerced-restart VID/PID list read from config.
func (r *Registry) SetBadDevices(devices []DeviceIdentity) {
	r.badDevices = devices
}

// IsBadDevice reports whether (vid, pid) appears on the configured
// bad-device list, supplemented from original_source's
// usb_helpers_check_bad_id.
func (r *Registry) IsBadDevice(vid, pid uint16) bool {
	for _, bad := range r.badDevices {
		if bad.VID == vid && bad.PID == pid {
			return true
		}
	}
	return false
}

// ResetAll restarts ports, supplemented from original_source's
// usb_helpers_reset_all_ports. With forced=false (the routine 60s
// sweep), only disconnected, enabled, non-resetting/probing ports are
// restarted, plus any port whose attached device matches the bad-device
// list regardless of connectivity. With forced=true (SIGUSR1), every
// enabled, non-resetting/probing port is restarted unconditionally.
func (r *Registry) ResetAll(forced bool) {
	for _, p := range r.AllPorts() {
		if p.Mode == ModeReset || p.Mode == ModeProbe || !p.Enabled {
			continue
		}
		coerced := p.HasDevice && r.IsBadDevice(p.Device.VID, p.Device.PID)
		if forced || !p.HasDevice || coerced {
			p.Backend.Update(p, CmdRestart)
		}
	}
}
