// SPDX-License-Identifier: MPL-2.0

//go:build unix

package filestore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive flock on a directory's lock file. The kernel drops
// the lock if the process dies, so an orphaned lock file is harmless.
type Lock struct {
	file *os.File
}

func acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. Calling it again, or on a nil
// Lock, does nothing.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN) //nolint:errcheck // Close releases it too
	l.file.Close()                             //nolint:errcheck // nothing written
	l.file = nil
}
