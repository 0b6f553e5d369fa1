// SPDX-License-Identifier: GPL-2.0-only

package registry

// Hub groups ports that share a parent USB device (generic_hub and
// ykush port kinds only).
type Hub struct {
	// Ref is the opaque vendor-USB handle for the hub device itself.
	Ref interface{}
	// CommRef is set for YKUSH hubs, whose HID child device carries the
	// command endpoint separately from the hub device.
	CommRef interface{}

	NumPorts int
	// OldFirmware is derived from a YKUSH's serial-number suffix falling
	// below the vendor-defined threshold; it selects the 6-byte command
	// buffer instead of the 64-byte one.
	OldFirmware bool

	Ports []*Port
}
