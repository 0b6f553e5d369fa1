// SPDX-License-Identifier: GPL-2.0-only

package usbhost

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-usbmonitor/usbmonitor/registry"
)

// pingRequestType/pingRequest/pingLength mirror usb_helpers_send_ping's
// GET_STATUS-shaped control transfer: device-to-host, standard request 0,
// zero value/index, two-byte payload. The original sends this exact,
// technically malformed GET_STATUS variant deliberately (see
// usb_helpers_configure_handle) and this port preserves it unchanged.
const (
	pingRequestType = 0x80
	pingRequest     = 0x00
	pingLength      = 2
)

// SendPing implements state.Pinger by issuing the liveness control
// transfer against the device currently open at p's path and reporting
// success only when the transfer completes without error and returns
// the expected two-byte payload.
func (a *Adapter) SendPing(p *registry.Port, result func(ok bool)) {
	if len(p.Paths) == 0 {
		result(false)
		return
	}
	path := p.Paths[0]
	a.RunAsync(func() error {
		dev, err := a.OpenAt(path)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()

		buf := make([]byte, pingLength)
		n, err := dev.Control(pingRequestType, pingRequest, 0, 0, buf)
		if err != nil {
			return err
		}
		if n != pingLength {
			return errors.Newf("ping returned %d bytes, want %d", n, pingLength)
		}
		return nil
	}, func(err error) {
		result(err == nil)
	})
}

// ControlTransfer issues an arbitrary control transfer against the
// device at path and delivers the result on the loop thread. Used by
// the generic-hub backend's SET_FEATURE/CLEAR_FEATURE(PORT_POWER) calls
// and by hub descriptor reads.
func (a *Adapter) ControlTransfer(path []uint8, rType, request uint8, val, idx uint16, data []byte, done func(n int, err error)) {
	a.RunAsync(func() error {
		dev, err := a.OpenAt(path)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()
		n, err := dev.Control(rType, request, val, idx, data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return errors.Newf("control transfer returned %d bytes, want %d", n, len(data))
		}
		return nil
	}, func(err error) {
		done(len(data), err)
	})
}

// InterruptOut writes data to the default interface's interrupt OUT
// endpoint epNum, used by the YKUSH backend's HID command frames.
func (a *Adapter) InterruptOut(path []uint8, epNum int, data []byte, done func(err error)) {
	a.RunAsync(func() error {
		dev, err := a.OpenAt(path)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()

		intf, release, err := dev.DefaultInterface()
		if err != nil {
			return errors.Wrap(err, "failed to claim default interface")
		}
		defer release()

		ep, err := intf.OutEndpoint(epNum)
		if err != nil {
			return errors.Wrapf(err, "failed to open interrupt endpoint %d", epNum)
		}
		n, err := ep.Write(data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return errors.Newf("interrupt write sent %d bytes, want %d", n, len(data))
		}
		return nil
	}, done)
}

// usbSpecSuperSpeed is bcdUSB 0x0300: devices at this spec version or
// above describe themselves with the SuperSpeed hub descriptor type
// rather than the USB 2.0 one, per usb_helpers_get_num_ports's
// usb_ver == 0x300 check.
const usbSpecSuperSpeed = 0x0300

// ReadHubDescriptor fetches a hub's class descriptor (GET_DESCRIPTOR,
// type HUB or, for a SuperSpeed hub, type SS_HUB) and reports
// wHubCharacteristics and the port count, mirroring
// usb_helpers_get_power_switch/usb_helpers_get_num_ports.
func (a *Adapter) ReadHubDescriptor(path []uint8, done func(wHubChar uint16, numPorts uint8, err error)) {
	const (
		reqTypeClassIn  = 0xA0
		reqGetDescriptor = 0x06
		descTypeHub      = 0x29 << 8
		descTypeSSHub    = 0x2A << 8
		hubDescLen       = 9
	)

	var bcdUSB uint16
	a.RunAsync(func() error {
		dev, err := a.OpenAt(path)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()
		bcdUSB = uint16(dev.Desc.Spec)
		return nil
	}, func(err error) {
		if err != nil {
			done(0, 0, err)
			return
		}
		descType := descTypeHub
		if bcdUSB >= usbSpecSuperSpeed {
			descType = descTypeSSHub
		}
		buf := make([]byte, hubDescLen)
		a.ControlTransfer(path, reqTypeClassIn, reqGetDescriptor, descType, 0, buf, func(n int, err error) {
			if err != nil {
				done(0, 0, err)
				return
			}
			numPorts := buf[2]
			wHubChar := uint16(buf[3]) | uint16(buf[4])<<8
			done(wHubChar, numPorts, nil)
		})
	})
}
