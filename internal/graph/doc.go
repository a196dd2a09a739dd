// SPDX-License-Identifier: MPL-2.0

// Package graph owns the set of imported modules and drives their
// lifecycle.
//
// A module moves through Imported, Checked and Started, and back to
// Imported when it is stopped. Failed is terminal until the archive is
// imported again. Check resolves dependency and overlay edges, Start brings
// dependencies and overlays up first, wires the overlay mapper of targets and
// finally runs the module's entry class through its class loader chain.
//
// Traversals use per-call visiting sets, so cyclic declarations terminate;
// the back edge of a cycle is simply not followed.
//
// Public methods of Graph serialise on the graph mutex. Module code calling
// back through plugin.Host (selection, titles, class lookup) does not take
// that mutex and is safe to use while the graph is starting the module.
package graph
