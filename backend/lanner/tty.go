// SPDX-License-Identifier: GPL-2.0-only

package lanner

import (
	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

const baudRate = unix.B57600

// openLockedTTY opens path for a raw, non-blocking, non-controlling
// session, applies the MCU's line protocol termios settings, and
// drains any stale input left over from a previous session. lockPath
// is flocked exclusively and non-blocking first; ErrLockBusy is
// returned verbatim on contention so the caller can retry in 5s.
func openLockedTTY(path, lockPath string) (fd int, lockFD int, err error) {
	lockFD, err = unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return -1, -1, errors.Wrap(err, "failed to open mcu lock file")
	}
	if err := unix.Flock(lockFD, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(lockFD)
		if err == unix.EWOULDBLOCK {
			return -1, -1, ErrLockBusy
		}
		return -1, -1, errors.Wrap(err, "failed to lock mcu tty")
	}

	fd, err = unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Flock(lockFD, unix.LOCK_UN)
		_ = unix.Close(lockFD)
		return -1, -1, errors.Wrapf(err, "failed to open mcu tty %s", path)
	}

	if err := configureRaw(fd); err != nil {
		_ = unix.Close(fd)
		_ = unix.Flock(lockFD, unix.LOCK_UN)
		_ = unix.Close(lockFD)
		return -1, -1, err
	}

	drainInput(fd)

	return fd, lockFD, nil
}

func configureRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "failed to read tty attributes")
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.ICRNL | unix.INLCR | unix.PARMRK | unix.INPCK | unix.ISTRIP | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.IEXTEN | unix.ISIG
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return errors.Wrap(err, "failed to set tty attributes")
	}
	if err := setBaud(fd, baudRate); err != nil {
		return err
	}
	return nil
}

func setBaud(fd int, rate uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "failed to read tty attributes for baud rate")
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate
	return errors.Wrap(unix.IoctlSetTermios(fd, unix.TCSETS, t), "failed to set baud rate")
}

func drainInput(fd int) {
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}

func closeTTY(fd, lockFD int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	if lockFD >= 0 {
		_ = unix.Flock(lockFD, unix.LOCK_UN)
		_ = unix.Close(lockFD)
	}
}

// ErrLockBusy signals that another process currently holds the MCU
// tty's advisory lock.
var ErrLockBusy = errors.New("mcu tty lock held by another process")
