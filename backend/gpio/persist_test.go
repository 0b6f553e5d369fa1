// SPDX-License-Identifier: GPL-2.0-only

package gpio

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestPersistAndLoadMappingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	mapping := []PathMapping{
		{SysfsPath: "/sys/class/gpio/gpio17/value", Path: []string{"1-1"}},
		{SysfsPath: "/sys/class/gpio/gpio27/value", Path: []string{"1-2"}},
	}

	if err := persistMapping(path, mapping); err != nil {
		t.Fatalf("persistMapping: %v", err)
	}

	got, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if len(got) != len(mapping) {
		t.Fatalf("expected %d entries, got %d", len(mapping), len(got))
	}
	for i, m := range mapping {
		if !reflect.DeepEqual(got[i], m) {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], m)
		}
	}
}

func TestLoadMappingMissingFileReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	got, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil mapping for a missing file, got %v", got)
	}
}

func TestPersistMappingOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	if err := persistMapping(path, []PathMapping{{SysfsPath: "a", Path: []string{"1-1"}}}); err != nil {
		t.Fatalf("persistMapping (first): %v", err)
	}
	if err := persistMapping(path, []PathMapping{{SysfsPath: "b", Path: []string{"1-2"}}}); err != nil {
		t.Fatalf("persistMapping (second): %v", err)
	}
	got, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if len(got) != 1 || got[0].SysfsPath != "b" {
		t.Fatalf("expected the second write to fully replace the first, got %v", got)
	}
}
