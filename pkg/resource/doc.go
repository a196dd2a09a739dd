// SPDX-License-Identifier: MPL-2.0

// Package resource models the per-module resource table: opaque numeric ids
// with a symbolic name and a configuration dependent value.
//
// Tables are read from the archive's resources.cue. Overlay modules patch a
// target's resources by shipping a table whose names match the target's; the
// id translation between the two lives in package idmap.
package resource
