// SPDX-License-Identifier: MPL-2.0

// Package filestore implements the file operations the module graph performs
// on archives and cache directories: per-directory cross-process locks,
// clean-others, extraction and copies stamped with a source time, and
// archive stamps that treat read-only system locations as never changing.
package filestore
