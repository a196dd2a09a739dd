// SPDX-License-Identifier: MPL-2.0

package loader

import (
	goruntime "runtime"
	"slices"

	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
)

type (
	// Runtime opens code units and describes the host's native library
	// support.
	Runtime interface {
		Name() string
		Open(req OpenRequest) (CodeUnit, error)
		// ABIs lists supported native ABIs, most preferred first.
		ABIs() []string
		// SupportsInArchiveNative reports whether uncompressed libraries can
		// be used straight from the archive.
		SupportsInArchiveNative() bool
	}

	// OpenRequest describes the code unit to open.
	OpenRequest struct {
		Package module.PackageName
		Archive *module.Archive
		// CodeDir is the module's private code cache (<cache>/dex).
		CodeDir string
		// Resolver is the chain that owns the unit, for cross-class
		// references.
		Resolver Resolver
	}

	// CodeUnit is a module's private code.
	CodeUnit interface {
		Find(name string) (plugin.Class, bool)
		Close() error
	}

	// Resolver loads classes by fully qualified name.
	Resolver interface {
		LoadClass(name string) (plugin.Class, error)
	}

	// RuntimeOption configures the native library support of a runtime.
	RuntimeOption func(*nativeSupport)

	nativeSupport struct {
		abis      []string
		inArchive bool
	}
)

// WithABIs overrides the supported ABI list.
func WithABIs(abis ...string) RuntimeOption {
	return func(n *nativeSupport) {
		if len(abis) > 0 {
			n.abis = slices.Clone(abis)
		}
	}
}

// WithInArchiveNative enables using stored libraries in place.
func WithInArchiveNative(enabled bool) RuntimeOption {
	return func(n *nativeSupport) { n.inArchive = enabled }
}

func newNativeSupport(opts []RuntimeOption) nativeSupport {
	n := nativeSupport{abis: DefaultABIs()}
	for _, opt := range opts {
		opt(&n)
	}
	return n
}

func (n nativeSupport) ABIs() []string                { return slices.Clone(n.abis) }
func (n nativeSupport) SupportsInArchiveNative() bool { return n.inArchive }

// DefaultABIs returns the ABIs the running binary can load, most preferred
// first.
func DefaultABIs() []string {
	switch goruntime.GOARCH {
	case "amd64":
		return []string{"amd64", "386"}
	case "arm64":
		return []string{"arm64", "arm"}
	default:
		return []string{goruntime.GOARCH}
	}
}
