// SPDX-License-Identifier: GPL-2.0-only

// Package pidfile enforces single-instance daemon execution via an
// advisory lock on a fixed PID file, mirroring usb_monitor.c's main():
// open(O_CREAT|O_RDWR|O_CLOEXEC), lockf(F_TLOCK), then overwrite the
// file with the current PID.
package pidfile

import (
	"fmt"
	"os"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process already holds the
// PID file's advisory lock.
var ErrAlreadyRunning = errors.New("another instance holds the pid file lock")

// File represents an acquired, locked PID file. Close releases the
// lock and leaves the file in place (matching the original, which
// never unlinks its PID file on exit).
type File struct {
	f *os.File
}

// Acquire opens path, takes a non-blocking exclusive advisory lock, and
// writes the current process's PID into it. Returns ErrAlreadyRunning
// if the lock is already held.
func Acquire(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pid file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, errors.Wrap(err, "failed to lock pid file")
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to truncate pid file")
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to write pid file")
	}

	return &File{f: f}, nil
}

// Close releases the advisory lock and closes the underlying file.
func (p *File) Close() error {
	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	return p.f.Close()
}
