// SPDX-License-Identifier: GPL-2.0-only

// Package lanner drives a Lanner platform MCU's digital-output lines
// over a tty using a line-oriented ASCII protocol. Unlike the other
// backends, the MCU dialogue is a single shared state machine: one
// GET/SET round trip services every port whose command is currently
// pending, coalesced into one bitmask write. Grounded on
// lanner_handler.c.
package lanner

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/metrics"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"golang.org/x/sys/unix"
)

type mcuState int

const (
	mcuIdle mcuState = iota
	mcuPending
	mcuReading
	mcuWriting
	mcuWaitOK
	mcuUpdateDone
)

const applySettleDelayMs = 5000
const lockRetryDelayMs = 5000

type portExtra struct {
	bit            uint32
	curCmd         registry.Command
	pending        bool
	restartPending bool
}

// Backend implements registry.Backend for every port wired to one
// Lanner MCU tty. All ports share a single Backend instance and a
// single in-flight dialogue.
type Backend struct {
	logger  log.Logger
	reg     *registry.Registry
	machine *state.Machine
	loop    *eventloop.Loop

	ttyPath  string
	lockPath string
	ports    []*registry.Port

	state mcuState

	fd      int
	lockFD  int
	handle  *eventloop.FDHandle
	mcuMask uint32

	readBuf      []byte
	sinceNewline int

	writeBuf []byte
	writeIdx int

	// onFatal is the daemon's single fatal-error path (set via
	// SetFatalHandler), replacing the original's scattered
	// exit(FAILURE) calls from the MCU parser.
	onFatal func(error)

	metrics *metrics.Metrics
}

// New creates a Lanner MCU backend bound to the given tty and lock
// file paths.
func New(logger log.Logger, reg *registry.Registry, machine *state.Machine, loop *eventloop.Loop, ttyPath, lockPath string) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{
		logger: logger, reg: reg, machine: machine, loop: loop,
		ttyPath: ttyPath, lockPath: lockPath,
		state: mcuIdle, fd: -1, lockFD: -1,
		onFatal: func(err error) { panic(err) },
	}
}

// SetFatalHandler overrides the action taken when the MCU dialogue hits
// an unrecoverable error (oversized reply, unparsable bitmask, write
// failure). The daemon's main wires this to its single fatal-exit path.
func (b *Backend) SetFatalHandler(f func(error)) {
	b.onFatal = f
}

// SetMetrics installs the Prometheus handle used to record tty lock
// contention. Optional; a Backend with no metrics installed simply
// skips instrumentation.
func (b *Backend) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// AddPort registers a configured Lanner-controlled port. bitIndex is
// the operator-facing 1-based bit position in the MCU's digital-output
// word.
func (b *Backend) AddPort(p *registry.Port, bitIndex int) {
	p.BackendRef = &portExtra{bit: 1 << uint(bitIndex-1)}
	p.Backend = b
	b.ports = append(b.ports, p)
	b.reg.AddPort(p)
}

// Update coalesces cmd into the pending batch and, if the dialogue is
// idle, starts it. Returns 503 while the MCU is mid-dialogue in any
// state other than idle/pending, per the spec's explicit busy surface.
func (b *Backend) Update(p *registry.Port, cmd registry.Command) int {
	if b.state != mcuIdle && b.state != mcuPending {
		return registry.StatusBusy
	}
	extra := p.BackendRef.(*portExtra)

	if cmd == registry.CmdRestart {
		p.Mode = registry.ModeReset
		extra.restartPending = true
		extra.curCmd = registry.CmdDisable
	} else {
		extra.curCmd = cmd
		extra.restartPending = false
	}
	extra.pending = true

	wasIdle := b.state == mcuIdle
	b.state = mcuPending
	if wasIdle {
		b.loop.AddTimer(0, b.onIterationCallback, 0, true)
	}
	return registry.StatusOK
}

// Timeout routes a port's ping timeout to the liveness machine;
// Lanner-driven ports have no other per-port timer, since the shared
// dialogue uses its own internally-scheduled timers.
func (b *Backend) Timeout(p *registry.Port) {
	if p.Mode == registry.ModePing {
		b.machine.SendPing(p)
	}
}

func (b *Backend) onIterationCallback() {
	switch b.state {
	case mcuPending:
		b.beginDialogue()
	case mcuUpdateDone:
		closeTTY(b.fd, b.lockFD)
		b.fd, b.lockFD = -1, -1
		if b.handle != nil {
			_ = b.loop.UnregisterFD(b.handle)
			b.handle = nil
		}
		b.state = mcuIdle
	}
}

func (b *Backend) beginDialogue() {
	fd, lockFD, err := openLockedTTY(b.ttyPath, b.lockPath)
	if err != nil {
		if err == ErrLockBusy {
			if b.metrics != nil {
				b.metrics.LannerLockContention.Inc()
			}
			b.loop.AddTimer(lockRetryDelayMs, b.onIterationCallback, 0, true)
			return
		}
		b.fatal(errors.Wrap(err, "failed to open mcu tty"))
		return
	}
	b.fd, b.lockFD = fd, lockFD

	handle, err := b.loop.RegisterFD(fd, unix.EPOLLIN, false, b.onFDReady)
	if err != nil {
		b.fatal(errors.Wrap(err, "failed to register mcu tty"))
		return
	}
	b.handle = handle

	b.state = mcuReading
	b.queueWrite(getCommand)
}

func (b *Backend) queueWrite(line string) {
	b.writeBuf = []byte(line)
	b.writeIdx = 0
	_ = b.loop.ModifyFD(b.handle, unix.EPOLLOUT)
}

func (b *Backend) onFDReady(events uint32) {
	if events&unix.EPOLLOUT != 0 && b.writeIdx < len(b.writeBuf) {
		b.onWritable()
		return
	}
	if events&unix.EPOLLIN != 0 {
		b.onReadable()
	}
}

// onWritable writes a single byte per call, matching the spec's
// explicit "one byte per EPOLLOUT" backpressure limit.
func (b *Backend) onWritable() {
	n, err := unix.Write(b.fd, b.writeBuf[b.writeIdx:b.writeIdx+1])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		b.fatal(errors.Wrap(err, "mcu tty write failed"))
		return
	}
	b.writeIdx += n
	if b.writeIdx < len(b.writeBuf) {
		return
	}

	_ = b.loop.ModifyFD(b.handle, unix.EPOLLIN)
	if b.state == mcuWriting {
		b.state = mcuWaitOK
	}
}

func (b *Backend) onReadable() {
	buf := make([]byte, 64)
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		b.fatal(errors.Wrap(err, "mcu tty read failed"))
		return
	}
	for i := 0; i < n; i++ {
		c := buf[i]
		if c == '\n' {
			line := string(b.readBuf)
			b.readBuf = nil
			b.sinceNewline = 0
			b.handleLine(line)
			continue
		}
		b.readBuf = append(b.readBuf, c)
		b.sinceNewline++
		if b.sinceNewline > maxLineBytes {
			b.fatal(errors.Newf("mcu reply exceeded %d bytes since last newline", maxLineBytes))
			return
		}
	}
}

func (b *Backend) handleLine(line string) {
	switch b.state {
	case mcuReading:
		mask, err := parseDigitalOutReply(line)
		if err != nil {
			b.fatal(err)
			return
		}
		b.mcuMask = mask
		b.writeComputedMask()
	case mcuWaitOK:
		if isOKReply(line) {
			b.applyOK()
			return
		}
		b.state = mcuWriting
		b.loop.AddTimer(applySettleDelayMs, func() { b.writeComputedMask() }, 0, true)
	}
}

// writeComputedMask folds every pending port's desired command into
// the last-known MCU mask (a 1 bit disables) and writes it back.
func (b *Backend) writeComputedMask() {
	mask := b.mcuMask
	for _, p := range b.ports {
		extra := p.BackendRef.(*portExtra)
		if extra.bit == 0 || !extra.pending {
			continue
		}
		if extra.curCmd == registry.CmdDisable {
			mask |= extra.bit
		} else {
			mask &^= extra.bit
		}
	}
	b.mcuMask = mask
	b.state = mcuWriting
	b.queueWrite(setCommand(mask))
}

// applyOK commits the just-confirmed mask to every port that had a
// command pending, following the restart-flip rule: a restart's
// disable phase, once confirmed, flips to a pending enable instead of
// clearing.
func (b *Backend) applyOK() {
	anyPending := false
	for _, p := range b.ports {
		extra := p.BackendRef.(*portExtra)
		if !extra.pending {
			continue
		}
		switch {
		case extra.curCmd == registry.CmdEnable && !extra.restartPending:
			p.Enabled, p.PowerOn, p.Mode = true, true, registry.ModeIdle
			extra.pending = false
		case extra.curCmd == registry.CmdDisable && !extra.restartPending:
			p.Enabled, p.PowerOn = false, false
			extra.pending = false
		case extra.curCmd == registry.CmdDisable && extra.restartPending:
			p.Enabled, p.PowerOn = false, false
			extra.curCmd = registry.CmdEnable
			extra.restartPending = false
			anyPending = true
		}
		if extra.pending {
			anyPending = true
		}
	}

	if anyPending {
		b.loop.AddTimer(applySettleDelayMs, func() { b.writeComputedMask() }, 0, true)
		return
	}
	b.state = mcuUpdateDone
	b.loop.AddTimer(0, b.onIterationCallback, 0, true)
}

func (b *Backend) fatal(err error) {
	_ = level.Error(b.logger).Log("msg", "lanner mcu protocol failure, terminating", "err", err)
	b.onFatal(err)
}
