// SPDX-License-Identifier: GPL-2.0-only

package gpio

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"
)

// PathMapping records which sysfs GPIO line controls which physical
// USB topology path, as learned by the path-discovery probe. Path may
// hold 1 or 2 topology paths, matching the port's own multi-path
// arrangement. OnVal/OffVal are carried so an inverted pin's
// configuration survives a probe/reload round trip.
type PathMapping struct {
	SysfsPath string   `json:"gpio_path"`
	Path      []string `json:"path"`
	OnVal     byte     `json:"on_val,omitempty"`
	OffVal    byte     `json:"off_val,omitempty"`
}

// mappingName identifies this handler's persisted mapping file, per
// the documented {"name":"GPIO","ports":[...]} envelope.
const mappingName = "GPIO"

// mappingDoc is the on-disk envelope wrapping the persisted ports.
type mappingDoc struct {
	Name  string        `json:"name"`
	Ports []PathMapping `json:"ports"`
}

// persistMapping writes mapping to path atomically: serialize to a
// sibling temp file, fsync, then rename over the target so a crash
// mid-write never leaves a truncated mapping file behind.
func persistMapping(path string, mapping []PathMapping) error {
	data, err := json.MarshalIndent(mappingDoc{Name: mappingName, Ports: mapping}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal gpio path mapping")
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_CLOEXEC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create temp mapping file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to write temp mapping file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to fsync temp mapping file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp mapping file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to rename temp mapping file into place")
	}
	return nil
}

// LoadMapping reads a previously-persisted path mapping, if present.
func LoadMapping(path string) ([]PathMapping, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read gpio path mapping")
	}
	var doc mappingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse gpio path mapping")
	}
	return doc.Ports, nil
}
