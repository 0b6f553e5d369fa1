// SPDX-License-Identifier: GPL-2.0-only

package gpio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-usbmonitor/usbmonitor/registry"
)

func newProbePort(t *testing.T, b *Backend, path []uint8) *registry.Port {
	t.Helper()
	valuePath := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(valuePath, []byte("0"), 0644); err != nil {
		t.Fatalf("seed value file: %v", err)
	}
	p := &registry.Port{Paths: [][]uint8{path}, Enabled: true}
	b.AddPort(p, PortConfig{Path: valuePath})
	return p
}

func TestProbeMatchedArrivalsAdvanceThroughEveryPort(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	path1, _ := registry.ParsePath("1-1")
	path2, _ := registry.ParsePath("1-2")
	p1 := newProbePort(t, b, path1)
	p2 := newProbePort(t, b, path2)

	persistPath := filepath.Join(t.TempDir(), "mapping.json")
	b.StartProbe(persistPath)

	if p1.Mode != registry.ModeProbe || p1.ProbeState != registry.ProbeDown {
		t.Fatalf("expected both ports down at probe start, got p1=%v/%v", p1.Mode, p1.ProbeState)
	}

	b.onDownExpiry()
	if p1.ProbeState != registry.ProbeUp {
		t.Fatalf("expected the first port brought up, got %v", p1.ProbeState)
	}
	if p2.ProbeState != registry.ProbeDownDone {
		t.Fatalf("expected the second port still waiting, got %v", p2.ProbeState)
	}

	b.OnArrival(p1)
	if p1.ProbeState != registry.ProbeDone {
		t.Fatalf("expected p1 marked done on a matched arrival, got %v", p1.ProbeState)
	}
	if p2.ProbeState != registry.ProbeUp {
		t.Fatalf("expected p2 brought up next, got %v", p2.ProbeState)
	}

	b.OnArrival(p2)
	if p2.ProbeState != registry.ProbeIdle {
		t.Fatalf("expected probe to finish and reset state, got %v", p2.ProbeState)
	}
	if b.probe != nil {
		t.Fatal("expected probe cleared after finishing")
	}
	if !p1.Enabled || !p2.Enabled {
		t.Fatal("expected every port re-enabled once the probe finishes")
	}

	mapping, err := LoadMapping(persistPath)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if len(mapping) != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", len(mapping))
	}
}

func TestProbeMismatchedArrivalSwapsPortIdentities(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	path1, _ := registry.ParsePath("1-1")
	path2, _ := registry.ParsePath("1-2")
	p1 := newProbePort(t, b, path1)
	p2 := newProbePort(t, b, path2)

	b.StartProbe(filepath.Join(t.TempDir(), "mapping.json"))
	b.onDownExpiry() // p1 comes up first

	// Arrival reported against p2 while p1 is "up": the two ports'
	// topology identities swap.
	b.OnArrival(p2)

	if !p1.HasPath(path2) {
		t.Fatalf("expected p1 to take on path2 after the swap, got %v", p1.Paths)
	}
	if !p2.HasPath(path1) {
		t.Fatalf("expected p2 to take on path1 after the swap, got %v", p2.Paths)
	}
	if p1.ProbeState != registry.ProbeDone {
		t.Fatalf("expected the formerly-up port marked done after the swap, got %v", p1.ProbeState)
	}
}

func TestOnUpTimeoutAdvancesToDown2(t *testing.T) {
	b, _, _ := newTestGPIOBackend(t)
	path1, _ := registry.ParsePath("1-1")
	p1 := newProbePort(t, b, path1)

	b.StartProbe(filepath.Join(t.TempDir(), "mapping.json"))
	b.onDownExpiry()
	if p1.ProbeState != registry.ProbeUp {
		t.Fatalf("expected p1 up, got %v", p1.ProbeState)
	}

	b.onUpTimeout()
	if p1.ProbeState != registry.ProbeDown2 {
		t.Fatalf("expected ProbeDown2 after an arrival timeout, got %v", p1.ProbeState)
	}

	b.onDown2Expiry()
	if p1.ProbeState != registry.ProbeIdle {
		t.Fatalf("expected the probe to finish after the sole port's down2 expiry, got %v", p1.ProbeState)
	}
}
