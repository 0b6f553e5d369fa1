// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

// MaxPathComponents bounds a topology path at bus + 7 hub-port hops,
// matching the vendor USB library's own path-length ceiling.
const MaxPathComponents = 8

// ParsePath decodes a dash-joined topology path ("2-1-4" = bus 2, hub
// port 1, sub-port 4) into its component integers. More than
// MaxPathComponents components is rejected.
func ParsePath(s string) ([]uint8, error) {
	parts := strings.Split(s, "-")
	if len(parts) > MaxPathComponents {
		return nil, errors.Newf("path %q has more than %d components", s, MaxPathComponents)
	}
	path := make([]uint8, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse path component %q", part)
		}
		path[i] = uint8(v)
	}
	return path, nil
}

// FormatPath renders a topology path back into its dash-joined string form.
func FormatPath(path []uint8) string {
	parts := make([]string, len(path))
	for i, v := range path {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}
