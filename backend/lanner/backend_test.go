// SPDX-License-Identifier: GPL-2.0-only

package lanner

import (
	"os"
	"testing"

	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"golang.org/x/sys/unix"
)

func newTestBackend(t *testing.T) (*Backend, *registry.Port) {
	t.Helper()
	l, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	reg := registry.New(nil, l)
	mach := state.New(nil, reg, nil)
	b := New(nil, reg, mach, l, "/dev/null", "/tmp/does-not-matter.lock")

	p := &registry.Port{Enabled: true}
	b.AddPort(p, 1)
	return b, p
}

func TestWriteComputedMaskFoldsDisableBitIntoMask(t *testing.T) {
	b, p := newTestBackend(t)
	extra := p.BackendRef.(*portExtra)
	extra.curCmd = registry.CmdDisable
	extra.pending = true
	b.mcuMask = 0

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = r.Close(); _ = w.Close() }()
	handle, err := b.loop.RegisterFD(int(r.Fd()), unix.EPOLLIN, false, func(uint32) {})
	if err != nil {
		t.Fatalf("RegisterFD: %v", err)
	}
	b.handle = handle
	b.fd = int(w.Fd())

	b.writeComputedMask()

	if b.mcuMask != extra.bit {
		t.Fatalf("expected mask bit %d set for a disabled port, got mask=%d", extra.bit, b.mcuMask)
	}
	if want := setCommand(extra.bit); string(b.writeBuf) != want {
		t.Fatalf("expected queued write %q, got %q", want, string(b.writeBuf))
	}
}

func TestApplyOKRestartFlipsDisableToPendingEnable(t *testing.T) {
	b, p := newTestBackend(t)
	extra := p.BackendRef.(*portExtra)

	// Simulate Update(CmdRestart): disable phase armed with restartPending.
	p.Mode = registry.ModeReset
	extra.curCmd = registry.CmdDisable
	extra.restartPending = true
	extra.pending = true

	b.applyOK()

	if p.Enabled || p.PowerOn {
		t.Fatal("expected the restart's disable phase to actually power the port off")
	}
	if extra.curCmd != registry.CmdEnable {
		t.Fatalf("expected curCmd flipped to CmdEnable after the disable phase confirms, got %v", extra.curCmd)
	}
	if extra.restartPending {
		t.Fatal("expected restartPending cleared after the flip")
	}
	if !extra.pending {
		t.Fatal("expected the flipped enable to still be pending")
	}
}

func TestApplyOKPlainEnableSettlesAndStopsPending(t *testing.T) {
	b, p := newTestBackend(t)
	extra := p.BackendRef.(*portExtra)
	extra.curCmd = registry.CmdEnable
	extra.pending = true

	b.applyOK()

	if !p.Enabled || !p.PowerOn {
		t.Fatal("expected the port enabled and powered on")
	}
	if p.Mode != registry.ModeIdle {
		t.Fatalf("expected ModeIdle after a plain enable settles, got %v", p.Mode)
	}
	if extra.pending {
		t.Fatal("expected pending cleared once the enable is applied, not re-armed")
	}
}
