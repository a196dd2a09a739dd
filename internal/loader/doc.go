// SPDX-License-Identifier: MPL-2.0

// Package loader resolves module code.
//
// Each started code module owns a Chain. A Chain looks a class up in the
// module's own code unit first, then in the chains of the module's
// dependencies whose package is a namespace prefix of the class name. Chains
// only link to chains that already exist, so delegation never loops.
//
// Code units come from a Runtime: StaticRuntime serves classes linked into
// the host binary and ScriptRuntime serves JavaScript classes shipped in the
// archive's code/ directory.
package loader
