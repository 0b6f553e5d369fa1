// SPDX-License-Identifier: GPL-2.0-only

package gpio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
)

func TestSysfsPathPrefersExplicitPathOverGPIONum(t *testing.T) {
	c := PortConfig{Path: "/sys/class/gpio/gpio99/value", GPIONum: 4}
	if got := c.SysfsPath(); got != "/sys/class/gpio/gpio99/value" {
		t.Fatalf("unexpected sysfs path: %q", got)
	}
	c2 := PortConfig{GPIONum: 4}
	if got := c2.SysfsPath(); got != "/sys/class/gpio/gpio4/value" {
		t.Fatalf("unexpected derived sysfs path: %q", got)
	}
}

func newTestGPIOBackend(t *testing.T) (*Backend, *eventloop.Loop, *registry.Registry) {
	t.Helper()
	l, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	reg := registry.New(nil, l)
	mach := state.New(nil, reg, nil)
	return New(nil, reg, mach, l), l, reg
}

func TestAddPortAppliesDefaultOnOffValues(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	p := &registry.Port{}
	b.AddPort(p, PortConfig{Path: "/tmp/unused"})

	extra := p.BackendRef.(*portExtra)
	if extra.onVal != defaultOnVal || extra.offVal != defaultOffVal {
		t.Fatalf("expected default on/off values, got on=%q off=%q", extra.onVal, extra.offVal)
	}
}

func TestUpdateEnableWritesOnValueAndSetsPowerOn(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	valuePath := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(valuePath, []byte("0"), 0644); err != nil {
		t.Fatalf("seed value file: %v", err)
	}

	p := &registry.Port{Enabled: false}
	b.AddPort(p, PortConfig{Path: valuePath})

	status := b.Update(p, registry.CmdEnable)
	if status != registry.StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	if !p.Enabled || !p.PowerOn {
		t.Fatal("expected port enabled and powered on")
	}
	data, err := os.ReadFile(valuePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 1 || data[0] != defaultOnVal {
		t.Fatalf("expected sysfs file to contain the on value, got %q", data)
	}
}

func TestUpdateWriteFailureArmsRetryTimer(t *testing.T) {
	b, _, reg := newTestGPIOBackend(t)
	missingPath := filepath.Join(t.TempDir(), "no-such-dir", "value")

	p := &registry.Port{}
	b.AddPort(p, PortConfig{Path: missingPath})

	b.Update(p, registry.CmdEnable)

	if p.PowerOn {
		t.Fatal("expected PowerOn to remain false when the write failed")
	}
	if !reg.TimerArmed(p) {
		t.Fatal("expected a retry timer armed after a failed write")
	}
}

func TestRestartSequenceEndsIdleAndPoweredOn(t *testing.T) {
	b, _, reg := newTestGPIOBackend(t)
	valuePath := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(valuePath, []byte("1"), 0644); err != nil {
		t.Fatalf("seed value file: %v", err)
	}

	p := &registry.Port{Enabled: true, PowerOn: true}
	b.AddPort(p, PortConfig{Path: valuePath})

	if status := b.Update(p, registry.CmdRestart); status != registry.StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	if p.Mode != registry.ModeReset {
		t.Fatalf("expected ModeReset during restart, got %v", p.Mode)
	}
	if p.PowerOn {
		t.Fatal("expected power off immediately after the restart's off-write")
	}
	if !reg.TimerArmed(p) {
		t.Fatal("expected the restart's on-phase timer armed")
	}

	// Simulate the armed timer firing.
	b.Timeout(p)

	if !p.PowerOn {
		t.Fatal("expected power back on after the restart's on-phase completes")
	}
	if p.Mode != registry.ModeIdle {
		t.Fatalf("expected ModeIdle once the restart completes, got %v", p.Mode)
	}
}

func TestRestartSurvivesATransientOffPhaseWriteFailure(t *testing.T) {
	b, _, reg := newTestGPIOBackend(t)
	dir := filepath.Join(t.TempDir(), "gpio")
	valuePath := filepath.Join(dir, "value")

	p := &registry.Port{Enabled: true, PowerOn: true}
	b.AddPort(p, PortConfig{Path: valuePath})

	if status := b.Update(p, registry.CmdRestart); status != registry.StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	if !p.PowerOn {
		t.Fatal("expected power to remain on since the off-write failed")
	}
	if !reg.TimerArmed(p) {
		t.Fatal("expected a retry timer armed after the failed off-write")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(valuePath, []byte("1"), 0644); err != nil {
		t.Fatalf("seed value file: %v", err)
	}

	// Simulate the retry timer firing: the off-write now succeeds.
	b.Timeout(p)
	if p.PowerOn {
		t.Fatal("expected power off once the retried off-write succeeds")
	}
	if p.Mode != registry.ModeReset {
		t.Fatalf("expected ModeReset to still be in effect, got %v", p.Mode)
	}
	if !reg.TimerArmed(p) {
		t.Fatal("expected the restart's on-phase timer armed after the off-write settles")
	}

	// Simulate the on-phase timer firing.
	b.Timeout(p)
	if !p.PowerOn {
		t.Fatal("expected power back on after the restart's on-phase completes")
	}
	if p.Mode != registry.ModeIdle {
		t.Fatalf("expected ModeIdle once the restart completes, got %v", p.Mode)
	}
}

func TestRestartRejectedWhileAlreadyResetting(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	p := &registry.Port{Mode: registry.ModeReset}
	b.AddPort(p, PortConfig{Path: filepath.Join(t.TempDir(), "value")})

	if status := b.Update(p, registry.CmdRestart); status != registry.StatusBusy {
		t.Fatalf("expected StatusBusy, got %d", status)
	}
}
