// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"testing"

	"github.com/go-usbmonitor/usbmonitor/eventloop"
)

type fakeBackend struct {
	updates []Command
}

func (f *fakeBackend) Update(p *Port, cmd Command) int {
	f.updates = append(f.updates, cmd)
	return StatusOK
}

func (f *fakeBackend) Timeout(p *Port) {}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAddFindRemovePort(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}
	path, _ := ParsePath("1-2")
	p := &Port{Paths: [][]uint8{path}, Backend: be, Enabled: true}

	r.AddPort(p)
	if got := r.FindByPath(path); got != p {
		t.Fatalf("FindByPath did not return the registered port")
	}

	r.RemovePort(p)
	if got := r.FindByPath(path); got != nil {
		t.Fatalf("expected nil after RemovePort, got %v", got)
	}
}

func TestAllPortsDeduplicatesMultiPathPorts(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}
	p1, _ := ParsePath("1-1")
	p2, _ := ParsePath("1-2")
	p := &Port{Paths: [][]uint8{p1, p2}, Backend: be, Enabled: true}
	r.AddPort(p)

	all := r.AllPorts()
	if len(all) != 1 || all[0] != p {
		t.Fatalf("expected exactly one deduplicated port, got %d", len(all))
	}
}

func TestRemoveHubTakesChildPortsWithIt(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}
	path, _ := ParsePath("1-1")
	p := &Port{Paths: [][]uint8{path}, Backend: be, Enabled: true, Mode: ModePing}
	h := &Hub{Ports: []*Port{p}}
	p.ParentHub = h
	r.AddHub(h)
	r.AddPort(p)

	r.RemoveHub(h)

	if r.FindByPath(path) != nil {
		t.Fatal("expected child port removed from the path index")
	}
	if p.Mode != ModeIdle {
		t.Fatalf("expected child port reset to ModeIdle, got %v", p.Mode)
	}
}

func TestArmTimerReplacesPreviousTimer(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}
	p := &Port{Backend: be, Enabled: true}

	r.ArmTimer(p, 10000)
	if !r.TimerArmed(p) {
		t.Fatal("expected timer armed")
	}
	first := p.timer
	r.ArmTimer(p, 20000)
	if p.timer == first {
		t.Fatal("expected ArmTimer to replace the previous timer handle")
	}

	r.CancelTimer(p)
	if r.TimerArmed(p) {
		t.Fatal("expected timer cleared after CancelTimer")
	}
}

func TestIsBadDevice(t *testing.T) {
	r := New(nil, newTestLoop(t))
	r.SetBadDevices([]DeviceIdentity{{VID: 0x04d8, PID: 0x0042}})

	if !r.IsBadDevice(0x04d8, 0x0042) {
		t.Fatal("expected configured bad device to match")
	}
	if r.IsBadDevice(0x04d8, 0x0043) {
		t.Fatal("expected unrelated PID not to match")
	}
}

func TestResetAllRoutineSweepSkipsConnectedHealthyPorts(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}

	connected := &Port{Backend: be, Enabled: true, HasDevice: true, Mode: ModePing}
	disconnected := &Port{Backend: be, Enabled: true, HasDevice: false, Mode: ModeIdle}
	resetting := &Port{Backend: be, Enabled: true, HasDevice: false, Mode: ModeReset}
	disabled := &Port{Backend: be, Enabled: false, HasDevice: false, Mode: ModeIdle}
	coerced := &Port{Backend: be, Enabled: true, HasDevice: true, Mode: ModePing, Device: DeviceIdentity{VID: 1, PID: 1}}
	r.SetBadDevices([]DeviceIdentity{{VID: 1, PID: 1}})

	path1, _ := ParsePath("1-1")
	path2, _ := ParsePath("1-2")
	path3, _ := ParsePath("1-3")
	path4, _ := ParsePath("1-4")
	path5, _ := ParsePath("1-5")
	connected.Paths = [][]uint8{path1}
	disconnected.Paths = [][]uint8{path2}
	resetting.Paths = [][]uint8{path3}
	disabled.Paths = [][]uint8{path4}
	coerced.Paths = [][]uint8{path5}
	for _, p := range []*Port{connected, disconnected, resetting, disabled, coerced} {
		r.AddPort(p)
	}

	r.ResetAll(false)

	if len(be.updates) != 2 {
		t.Fatalf("expected exactly 2 restarts (disconnected + coerced), got %d: %v", len(be.updates), be.updates)
	}
}

func TestResetAllForcedRestartsEveryEnabledPort(t *testing.T) {
	r := New(nil, newTestLoop(t))
	be := &fakeBackend{}
	connected := &Port{Backend: be, Enabled: true, HasDevice: true, Mode: ModePing}
	disabled := &Port{Backend: be, Enabled: false, HasDevice: true, Mode: ModePing}
	path1, _ := ParsePath("1-1")
	path2, _ := ParsePath("1-2")
	connected.Paths = [][]uint8{path1}
	disabled.Paths = [][]uint8{path2}
	r.AddPort(connected)
	r.AddPort(disabled)

	r.ResetAll(true)

	if len(be.updates) != 1 || be.updates[0] != CmdRestart {
		t.Fatalf("expected exactly one forced restart, got %v", be.updates)
	}
}
