// SPDX-License-Identifier: MPL-2.0

// Package styler applies resource-backed attributes to host targets and
// re-applies them when overlay selections change.
//
// A Table maps (kind, attribute) pairs to appliers. Kinds form single
// inheritance chains declared up front, so a handler registered for a base
// kind serves every kind derived from it. A Tracker remembers which targets
// were styled from which resource ids and refreshes them on demand.
package styler
