// SPDX-License-Identifier: GPL-2.0-only

package registry

import "testing"

func TestParsePathRoundTrip(t *testing.T) {
	path, err := ParsePath("2-1-4")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if len(path) != 3 || path[0] != 2 || path[1] != 1 || path[2] != 4 {
		t.Fatalf("unexpected path %v", path)
	}
	if got := FormatPath(path); got != "2-1-4" {
		t.Fatalf("FormatPath(ParsePath(%q)) = %q", "2-1-4", got)
	}
}

func TestParsePathRejectsTooManyComponents(t *testing.T) {
	long := "1-1-1-1-1-1-1-1-1"
	if _, err := ParsePath(long); err == nil {
		t.Fatalf("expected error for path with more than %d components", MaxPathComponents)
	}
}

func TestParsePathRejectsNonNumericComponent(t *testing.T) {
	if _, err := ParsePath("2-x-4"); err == nil {
		t.Fatal("expected error for non-numeric component")
	}
}
