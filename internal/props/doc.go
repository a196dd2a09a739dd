// SPDX-License-Identifier: MPL-2.0

// Package props persists small key/value property files for modules.
//
// Each file lives at <cache>/props/<name>.toml and holds a flat table of
// string values. Writes replace the file atomically.
package props
