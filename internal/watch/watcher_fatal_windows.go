// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import (
	"errors"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// Win32 error codes that leave ReadDirectoryChangesW unusable.
const (
	errnoTooManyOpenFiles = syscall.Errno(4) // ERROR_TOO_MANY_OPEN_FILES
	errnoInvalidHandle    = syscall.Errno(6) // ERROR_INVALID_HANDLE, search dir removed
	errnoNotEnoughMemory  = syscall.Errno(8) // ERROR_NOT_ENOUGH_MEMORY
)

// classifyError maps fsnotify errors to what Run does with them. A full
// notification buffer loses events and triggers a rescan; a lost handle or
// exhausted resources stop Run.
func classifyError(err error) errorAction {
	switch {
	case errors.Is(err, fsnotify.ErrEventOverflow):
		return actionRescan
	case errors.Is(err, errnoTooManyOpenFiles), errors.Is(err, errnoInvalidHandle), errors.Is(err, errnoNotEnoughMemory):
		return actionStop
	}
	return actionLog
}
