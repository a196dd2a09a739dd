// SPDX-License-Identifier: MPL-2.0

// Package idmap builds the resource id translation between a target module
// and one of its overlays.
//
// The default FileService pairs resources by name and persists the table
// next to the target's cache so later processes can reuse it. A persisted
// table records the stamps of both archives it was built from and is
// discarded when either differs.
package idmap
