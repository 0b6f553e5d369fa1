// SPDX-License-Identifier: GPL-2.0-only

// Package usbhost wraps google/gousb — this daemon's vendor USB
// collaborator — and bridges it into the cooperative event loop.
//
// gousb has no libusb-hotplug-callback or raw-pollfd surface to mirror
// the original project's "acquire the event lock, dispatch pollfds once
// per iteration" discipline literally. Instead, Adapter runs gousb's own
// enumeration and blocking I/O calls on background goroutines and
// funnels every resulting completion through one pipe-backed,
// vendor-USB-flagged descriptor that the loop drains exactly once per
// iteration — preserving the "single dispatch per iteration regardless
// of fan-out" rule the original enforced, without fighting gousb's own
// concurrency model.
package usbhost

import (
	"os"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"golang.org/x/sys/unix"
)

// scanInterval is how often the adapter re-enumerates the USB device
// tree to synthesize arrival/departure events, in lieu of a native
// hotplug callback.
const scanInterval = 500 * time.Millisecond

// ArriveFunc is invoked when a previously-unseen device is enumerated.
type ArriveFunc func(path []uint8, vid, pid uint16)

// DepartFunc is invoked when a previously-seen device stops enumerating.
type DepartFunc func(path []uint8)

// Adapter owns the process-wide gousb context and exposes completion
// dispatch to the rest of the daemon.
type Adapter struct {
	logger log.Logger
	ctx    *gousb.Context
	loop   *eventloop.Loop

	notifyR *os.File
	notifyW *os.File
	handle  *eventloop.FDHandle
	pending chan func()

	known map[string]devIdentity

	onArrive ArriveFunc
	onDepart DepartFunc

	stopCh chan struct{}
}

// devIdentity is the vid/pid pair recorded for a known device path.
type devIdentity struct {
	vid, pid gousb.ID
}

// NewAdapter acquires the vendor USB context and wires its completion
// dispatch into loop as a single vendor-USB-flagged descriptor.
func NewAdapter(logger log.Logger, loop *eventloop.Loop) (*Adapter, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create notify pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return nil, errors.Wrap(err, "failed to set notify pipe nonblocking")
	}

	a := &Adapter{
		logger:  logger,
		ctx:     gousb.NewContext(),
		loop:    loop,
		notifyR: r,
		notifyW: w,
		pending: make(chan func(), 256),
		known:   make(map[string]devIdentity),
		stopCh:  make(chan struct{}),
	}

	a.handle, err = loop.RegisterFD(int(r.Fd()), unix.EPOLLIN, true, a.dispatch)
	if err != nil {
		_ = a.ctx.Close()
		return nil, err
	}

	return a, nil
}

// SetHotplugHandlers installs the callbacks invoked on synthesized
// arrival/departure events. Must be called before the scanner starts.
func (a *Adapter) SetHotplugHandlers(onArrive ArriveFunc, onDepart DepartFunc) {
	a.onArrive = onArrive
	a.onDepart = onDepart
}

// Start begins the background enumeration scanner and performs an
// initial synchronous scan so the daemon's startup state reflects
// devices already attached (matching usb_helpers_check_devices).
func (a *Adapter) Start() {
	a.scanOnce()
	go a.scanLoop()
}

// Close tears down the scanner and the vendor USB context.
func (a *Adapter) Close() error {
	close(a.stopCh)
	_ = a.loop.UnregisterFD(a.handle)
	_ = a.notifyR.Close()
	_ = a.notifyW.Close()
	return a.ctx.Close()
}

// dispatch is the single per-iteration vendor-USB callback: it drains
// the notify pipe, then every pending completion queued since the last
// iteration, regardless of how many of them exist.
func (a *Adapter) dispatch(uint32) {
	buf := make([]byte, 64)
	for {
		n, err := a.notifyR.Read(buf)
		if n <= 0 || err != nil {
			break
		}
	}

	for {
		select {
		case cb := <-a.pending:
			cb()
		default:
			return
		}
	}
}

// queue schedules cb to run on the loop thread during the next
// dispatch, and wakes the loop if it is currently blocked in epoll_wait.
func (a *Adapter) queue(cb func()) {
	a.pending <- cb
	_, _ = a.notifyW.Write([]byte{0})
}

// RunAsync runs work on a background goroutine (gousb's blocking calls
// have no async completion API) and delivers its result to done on the
// loop thread, preserving the rule that all port state transitions are
// serialized through the loop.
func (a *Adapter) RunAsync(work func() error, done func(error)) {
	go func() {
		err := work()
		a.queue(func() { done(err) })
	}()
}

func pathKey(bus int, path []int) string {
	b := make([]uint8, 0, len(path)+1)
	b = append(b, uint8(bus))
	for _, p := range path {
		b = append(b, uint8(p))
	}
	return string(b)
}

func (a *Adapter) scanLoop() {
	t := time.NewTicker(scanInterval)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			a.scanOnce()
		}
	}
}

// scanOnce enumerates every USB device on the host without opening any
// of them (the opener below always declines), then diffs the result
// against the previously-known set and queues arrival/departure
// callbacks for the loop to run.
func (a *Adapter) scanOnce() {
	present := make(map[string]devIdentity)
	_, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		present[pathKey(desc.Bus, desc.Path)] = devIdentity{vid: desc.Vendor, pid: desc.Product}
		return false
	})
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "usb enumeration failed", "err", err)
		return
	}

	a.queue(func() { a.diff(present) })
}

func (a *Adapter) diff(present map[string]devIdentity) {
	for key, id := range present {
		if _, ok := a.known[key]; ok {
			continue
		}
		a.known[key] = id
		if a.onArrive != nil {
			a.onArrive(decodePathKey(key), uint16(id.vid), uint16(id.pid))
		}
	}
	for key := range a.known {
		if _, ok := present[key]; ok {
			continue
		}
		delete(a.known, key)
		if a.onDepart != nil {
			a.onDepart(decodePathKey(key))
		}
	}
}

func decodePathKey(key string) []uint8 {
	out := make([]uint8, len(key))
	for i := 0; i < len(key); i++ {
		out[i] = key[i]
	}
	return out
}

// OpenAt opens the device currently enumerated at path. Callers
// (backends) must invoke this only from within a RunAsync work
// function, never directly from the loop thread, since gousb's open is
// a blocking synchronous call.
func (a *Adapter) OpenAt(path []uint8) (*gousb.Device, error) {
	var found *gousb.Device
	devs, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return pathKey(desc.Bus, desc.Path) == string(path)
	})
	for _, d := range devs {
		if found == nil {
			found = d
		} else {
			_ = d.Close()
		}
	}
	if err != nil && found == nil {
		return nil, errors.Wrapf(err, "failed to open device at path %v", path)
	}
	if found == nil {
		return nil, errors.Newf("no device currently at path %v", path)
	}
	return found, nil
}
