// SPDX-License-Identifier: GPL-2.0-only

// Package eventloop implements the single-threaded cooperative readiness
// and timer multiplexor that drives the rest of the daemon. It mirrors
// the structure of the original project's backend_event_loop.c: one
// epoll instance, one ascending timer list, and a single deferred
// dispatch per iteration for handles flagged as vendor-USB, regardless
// of how many of their descriptors became ready.
package eventloop

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

const maxEpollEvents = 32

// FDCallback receives the epoll event mask that triggered it. Vendor-USB
// handles are invoked with a mask of 0 exactly once per iteration,
// regardless of which (or how many) of their descriptors fired.
type FDCallback func(events uint32)

// FDHandle identifies a descriptor registered with the loop.
type FDHandle struct {
	fd          int
	cb          FDCallback
	isVendorUSB bool
}

// Loop is a single-threaded, cooperative event loop multiplexing
// descriptor readiness (via epoll) and monotonic timers.
type Loop struct {
	logger log.Logger
	epfd   int
	fds    map[int]*FDHandle
	timers []*Timer
	itrCb  func()
	stop   bool

	// wakeR/wakeW are a self-pipe used only to interrupt a Run that is
	// parked in an indefinite EpollWait (no timers armed) when Stop is
	// called from another goroutine.
	wakeR, wakeW int
}

// New creates an event loop backed by a fresh epoll instance.
func New(logger log.Logger) (*Loop, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create epoll instance")
	}

	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "failed to create wake pipe")
	}
	l := &Loop{logger: logger, epfd: epfd, fds: make(map[int]*FDHandle), wakeR: pipefds[0], wakeW: pipefds[1]}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, errors.Wrap(err, "failed to register wake pipe")
	}
	return l, nil
}

// Close releases the underlying epoll descriptor and the wake pipe.
func (l *Loop) Close() error {
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
	return unix.Close(l.epfd)
}

func (l *Loop) nowMs() int64 {
	var ts unix.Timespec
	// CLOCK_MONOTONIC never jumps backwards on wall-clock changes, which
	// is required so that e.g. NTP stepping the clock cannot retrigger
	// or stall timers.
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		_ = level.Error(l.logger).Log("msg", "clock_gettime failed", "err", err)
		return 0
	}
	return ts.Sec*1000 + ts.Nsec/1e6
}

// RegisterFD adds fd to the epoll set, watching for events (EPOLLIN /
// EPOLLOUT, OR'd together) and invoking cb on readiness. isVendorUSB
// marks descriptors owned by the vendor USB collaborator, which must be
// serviced at most once per iteration (see Run).
func (l *Loop) RegisterFD(fd int, events uint32, isVendorUSB bool, cb FDCallback) (*FDHandle, error) {
	h := &FDHandle{fd: fd, cb: cb, isVendorUSB: isVendorUSB}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return nil, errors.Wrapf(err, "failed to register fd %d", fd)
	}
	l.fds[fd] = h
	return h, nil
}

// ModifyFD changes the watched event mask for an already-registered handle.
func (l *Loop) ModifyFD(h *FDHandle, events uint32) error {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, h.fd, &unix.EpollEvent{Events: events, Fd: int32(h.fd)}); err != nil {
		return errors.Wrapf(err, "failed to modify fd %d", h.fd)
	}
	return nil
}

// UnregisterFD removes a descriptor from the epoll set. Closing the
// descriptor also removes it implicitly; this is for descriptors the
// loop should stop watching without closing.
func (l *Loop) UnregisterFD(h *FDHandle) error {
	delete(l.fds, h.fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
		return errors.Wrapf(err, "failed to unregister fd %d", h.fd)
	}
	return nil
}

// OnIteration installs a callback invoked once at the end of every loop
// iteration, after timers and readiness callbacks have run.
func (l *Loop) OnIteration(cb func()) {
	l.itrCb = cb
}

// Stop requests that Run return after the current iteration completes.
// Safe to call from another goroutine; it wakes a Run that is parked in
// an indefinite EpollWait with no timers armed.
func (l *Loop) Stop() {
	l.stop = true
	var b [1]byte
	_, _ = unix.Write(l.wakeW, b[:])
}

// Run blocks, servicing timers and readiness events until Stop is called.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)

	for !l.stop {
		sleepMs := -1
		if len(l.timers) > 0 {
			if d := l.timers[0].expiryMs - l.nowMs(); d > 0 {
				sleepMs = int(d)
			} else {
				sleepMs = 0
			}
		}

		n, err := unix.EpollWait(l.epfd, events, sleepMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait failed")
		}

		// Timers are evaluated against a single sampled "now" and fire
		// before any readiness callback, per the original's ordering.
		if len(l.timers) > 0 {
			l.runTimers()
		}

		var vendorHandle *FDHandle
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				var buf [16]byte
				for {
					if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
						break
					}
				}
				continue
			}
			h, ok := l.fds[fd]
			if !ok {
				continue
			}
			if h.isVendorUSB {
				vendorHandle = h
				continue
			}
			h.cb(events[i].Events)
		}

		// The vendor USB collaborator must be serviced exactly once per
		// iteration regardless of how many of its descriptors fired.
		if vendorHandle != nil {
			vendorHandle.cb(0)
		}

		if l.itrCb != nil {
			l.itrCb()
		}
	}
	return nil
}
