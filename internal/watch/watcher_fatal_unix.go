// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import (
	"errors"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// classifyError maps fsnotify errors to what Run does with them. An inotify
// queue overflow loses events, so archives may have changed unseen. Running
// out of watches or descriptors (ENOSPC for fs.inotify.max_user_watches,
// EMFILE, ENFILE) leaves new archive directories unwatched and stops Run.
func classifyError(err error) errorAction {
	switch {
	case errors.Is(err, fsnotify.ErrEventOverflow):
		return actionRescan
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return actionStop
	}
	return actionLog
}
