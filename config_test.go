// SPDX-License-Identifier: GPL-2.0-only

package main

import "testing"

func TestParsePathsAcceptsOneOrTwoPaths(t *testing.T) {
	for _, raw := range [][]string{{"1-1"}, {"1-1", "1-2"}} {
		if _, err := parsePaths(raw); err != nil {
			t.Fatalf("parsePaths(%v): %v", raw, err)
		}
	}
}

func TestParsePathsRejectsZeroOrTooMany(t *testing.T) {
	for _, raw := range [][]string{{}, {"1-1", "1-2", "1-3"}} {
		if _, err := parsePaths(raw); err == nil {
			t.Fatalf("expected an error for %v", raw)
		}
	}
}

func TestResolveGroupFallsBackToMinusOne(t *testing.T) {
	if got := resolveGroup(""); got != -1 {
		t.Fatalf("expected -1 for an empty group, got %d", got)
	}
	if got := resolveGroup("not-a-number"); got != -1 {
		t.Fatalf("expected -1 for an unparsable group, got %d", got)
	}
	if got := resolveGroup("42"); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
