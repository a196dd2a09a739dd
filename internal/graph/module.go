// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/overlay"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
	"github.com/plugkit/plugkit/pkg/resource"
)

// Module is one imported unit. Its fields are owned by the graph; the
// accessors are safe to call from module code.
type Module struct {
	graph *Graph

	desc        *module.Descriptor
	archive     *module.Archive
	archivePath string
	cacheDir    string
	shared      bool
	system      bool
	stamp       time.Time
	resources   *resource.Table
	// hostClass is set for modules whose code is linked into the host.
	hostClass plugin.Class

	state State
	err   error

	deps           []*Module
	overlays       []*Module
	overlayTargets []*Module

	chain    *loader.Chain
	class    plugin.Class
	instance plugin.Instance
	mapper   atomic.Pointer[overlay.Mapper]
	ctx      *Context
}

// Package returns the module's package.
func (m *Module) Package() module.PackageName { return m.desc.Package }

// Descriptor returns the module metadata.
func (m *Module) Descriptor() *module.Descriptor { return m.desc }

// State returns the lifecycle state.
func (m *Module) State() State { return m.state }

// Err returns the failure that moved the module to StateFailed.
func (m *Module) Err() error { return m.err }

// ArchivePath returns the archive location. Host modules report the host
// binary.
func (m *Module) ArchivePath() string { return m.archivePath }

// CacheDir returns the module's cache directory.
func (m *Module) CacheDir() string { return m.cacheDir }

// Shared reports whether the module uses the shared cache root.
func (m *Module) Shared() bool { return m.shared }

// HostCode reports whether the module's code is linked into the host.
func (m *Module) HostCode() bool { return m.hostClass != nil }

// Resources returns the module's own resource set.
func (m *Module) Resources() resource.Set { return m.resources }

// Chain returns the class loader chain of a started archive module.
func (m *Module) Chain() *loader.Chain { return m.chain }

// Mapper returns the overlay mapper of a started target.
func (m *Module) Mapper() *overlay.Mapper { return m.mapper.Load() }

// Context returns the host handed to the module's code.
func (m *Module) Context() *Context { return m.ctx }

// Title returns the display name.
func (m *Module) Title() string { return m.desc.Title() }

// Stamp returns the archive stamp. Archives under the system location keep
// the stamp taken at import; others are read again so a replaced archive is
// noticed.
func (m *Module) Stamp() time.Time {
	if m.system || m.archivePath == "" {
		return m.stamp
	}
	stamp, err := m.graph.files.Stamp(m.archivePath)
	if err != nil {
		return m.stamp
	}
	return stamp
}

// Depends returns the resolved dependencies.
func (m *Module) Depends() []*Module {
	m.graph.edgeMu.RLock()
	defer m.graph.edgeMu.RUnlock()
	return slices.Clone(m.deps)
}

// Overlays returns the overlays attached to this module.
func (m *Module) Overlays() []*Module {
	m.graph.edgeMu.RLock()
	defer m.graph.edgeMu.RUnlock()
	return slices.Clone(m.overlays)
}

// OverlayTargets returns the resolved targets of an overlay.
func (m *Module) OverlayTargets() []*Module {
	m.graph.edgeMu.RLock()
	defer m.graph.edgeMu.RUnlock()
	return slices.Clone(m.overlayTargets)
}

// privateDir is the module's directory under the private root. Id tables
// always live there, even for modules using the shared root.
func (m *Module) privateDir() string {
	return filepath.Join(m.graph.privateRoot, m.desc.Package.String())
}

func (m *Module) idmapDir() string {
	return filepath.Join(m.privateDir(), IdmapDirName)
}

func (m *Module) inPrivateRoot() bool {
	return filepath.Clean(filepath.Dir(m.cacheDir)) == filepath.Clean(m.graph.privateRoot)
}

func (m *Module) fail(err error) error {
	m.state = StateFailed
	m.err = err
	return err
}

// addOverlay links o as an overlay of m. Callers hold edgeMu.
func (m *Module) addOverlay(o *Module) {
	if !slices.Contains(m.overlays, o) {
		m.overlays = append(m.overlays, o)
	}
}

// retractTargets removes m from its targets' overlays and forgets them.
// Callers hold edgeMu.
func (m *Module) retractTargets() {
	for _, t := range m.overlayTargets {
		t.overlays = slices.DeleteFunc(t.overlays, func(o *Module) bool { return o == m })
	}
	m.overlayTargets = nil
}

// release drops the runtime references of a stopped or failed module.
func (m *Module) release() error {
	var errs []error
	m.instance = nil
	m.class = nil
	if m.chain != nil {
		errs = append(errs, m.chain.Close())
		m.chain = nil
	}
	if mp := m.mapper.Swap(nil); mp != nil {
		errs = append(errs, mp.Close())
	}
	return errors.Join(errs...)
}

func (m *Module) close() {
	if m.archive != nil {
		m.archive.Close() //nolint:errcheck // read-only archive
		m.archive = nil
	}
}
