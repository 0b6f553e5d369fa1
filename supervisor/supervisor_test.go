// SPDX-License-Identifier: GPL-2.0-only

package supervisor

import "testing"

func TestSerialSuffixBelowThreshold(t *testing.T) {
	cases := []struct {
		serial string
		want   bool
	}{
		{"YK0042", true},
		{"YK0142", false},
		{"YK0099", true},
		{"YK0100", false},
		{"nodigits", false},
		{"0", true},
	}
	for _, c := range cases {
		if got := serialSuffixBelow(c.serial, ykushFirmwareThreshold); got != c.want {
			t.Fatalf("serialSuffixBelow(%q, %d) = %v, want %v", c.serial, ykushFirmwareThreshold, got, c.want)
		}
	}
}
