// SPDX-License-Identifier: MPL-2.0

// Package module reads module archives and their descriptors.
//
// An archive is a zip file with the ".plugin" extension or an exploded
// directory with the same layout:
//
//	manifest.cue    id (the package name) and optional plugin block
//	resources.cue   resource table
//	code/...        module code
//	lib/<abi>/...   native libraries
//
// A manifest without a plugin block describes a plain unit. It is imported
// like any other module but carries no dependency, overlay or template
// information.
package module
