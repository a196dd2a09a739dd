// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/overlay"
	"github.com/plugkit/plugkit/pkg/idmap"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
)

// check resolves m's edges against all. visiting holds the modules on the
// current recursion path.
func (g *Graph) check(m *Module, all map[module.PackageName]*Module, visiting map[*Module]bool) error {
	switch m.state {
	case StateChecked, StateStarted:
		return nil
	case StateImported:
	default:
		return &CheckError{Package: m.Package(), Kind: NotImported, Err: m.err}
	}
	visiting[m] = true
	defer delete(visiting, m)

	g.edgeMu.Lock()
	m.deps = nil
	m.retractTargets()
	g.edgeMu.Unlock()

	deps := make([]*Module, 0, len(m.desc.Depends))
	for _, d := range m.desc.Depends {
		dep, ok := all[d.Name]
		if !ok {
			if d.Weak {
				g.logger.Debug("weak dependency absent", "package", m.Package(), "dependency", d.Name)
				continue
			}
			return m.fail(&CheckError{Package: m.Package(), Kind: MissingDependency, Dependency: d.Name})
		}
		if dep.state == StateFailed {
			return m.fail(&CheckError{Package: m.Package(), Kind: CheckDependencyFailed, Dependency: d.Name, Err: dep.err})
		}
		if m.desc.IsOverlay() != dep.desc.IsOverlay() {
			err := fmt.Errorf("%s is an overlay", d.Name)
			if !dep.desc.IsOverlay() {
				err = fmt.Errorf("%s is not an overlay", d.Name)
			}
			return m.fail(&CheckError{Package: m.Package(), Kind: KindMismatch, Dependency: d.Name, Err: err})
		}
		if dep.state == StateImported && !visiting[dep] {
			if err := g.check(dep, all, visiting); err != nil {
				return m.fail(&CheckError{Package: m.Package(), Kind: CheckDependencyFailed, Dependency: d.Name, Err: err})
			}
		}
		if !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	g.edgeMu.Lock()
	m.deps = deps
	for _, name := range m.desc.Overlays {
		t, ok := all[name]
		if !ok || slices.Contains(m.overlayTargets, t) {
			continue
		}
		m.overlayTargets = append(m.overlayTargets, t)
		t.addOverlay(m)
	}
	g.edgeMu.Unlock()

	m.state = StateChecked
	g.logger.Debug("checked", "package", m.Package(), "depends", len(deps), "targets", len(m.overlayTargets))
	return nil
}

// deferrable reports whether a delayed start may skip m.
func (m *Module) deferrable() bool {
	return !m.HostCode() && !m.desc.IsOverlay() && !m.desc.HasTag(plugin.NoDelay)
}

// start brings m up after its dependencies and overlays.
func (g *Graph) start(m *Module, delay bool, visiting map[*Module]bool) error {
	switch m.state {
	case StateStarted:
		return nil
	case StateChecked:
	case StateFailed:
		return &StartError{Package: m.Package(), Kind: AlreadyFailed, Err: m.err}
	default:
		return &StartError{Package: m.Package(), Kind: NotChecked}
	}
	if visiting[m] {
		return nil
	}
	if delay && m.deferrable() {
		g.logger.Debug("start deferred", "package", m.Package())
		return nil
	}
	visiting[m] = true
	defer delete(visiting, m)

	if err := g.cleanCache(m); err != nil {
		return m.fail(&StartError{Package: m.Package(), Kind: Cache, Err: err})
	}

	for _, dep := range m.Depends() {
		if err := g.start(dep, false, visiting); err != nil {
			return m.fail(&StartError{Package: m.Package(), Kind: StartDependencyFailed, Dependency: dep.Package(), Err: err})
		}
	}
	for _, o := range m.Overlays() {
		if err := g.start(o, false, visiting); err != nil {
			return m.fail(&StartError{Package: m.Package(), Kind: OverlayFailed, Dependency: o.Package(), Err: err})
		}
	}

	if m.ctx == nil {
		m.ctx = newContext(g, m)
	}
	if err := g.wireResources(m); err != nil {
		return m.fail(&StartError{Package: m.Package(), Kind: Cache, Err: err})
	}

	if m.desc.IsOverlay() {
		keep := []string{}
		if m.mapper.Load() != nil && m.inPrivateRoot() {
			keep = append(keep, IdmapDirName, filestore.LockFileName)
		}
		if err := g.files.CleanOthers(m.cacheDir, keep...); err != nil {
			return m.fail(&StartError{Package: m.Package(), Kind: Cache, Err: err})
		}
		g.markStarted(m)
		return nil
	}

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return m.fail(&StartError{Package: m.Package(), Kind: Cache, Err: err})
	}
	if err := g.runEntry(m); err != nil {
		m.release() //nolint:errcheck // start error wins
		return m.fail(err)
	}
	g.markStarted(m)
	return nil
}

// cleanCache removes everything but the reserved entries from m's cache
// directory, under its lock.
func (g *Graph) cleanCache(m *Module) error {
	keep := []string{filestore.LockFileName, loader.LibDirName, loader.CodeDirName, PropsDirName}
	if m.inPrivateRoot() {
		keep = append(keep, IdmapDirName)
	}
	lock, err := g.files.Lock(m.cacheDir)
	if err != nil {
		return err
	}
	defer lock.Release()
	return g.files.CleanOthers(m.cacheDir, keep...)
}

// wireResources gives a target a mapper with one attachment per overlay
// and drops the id tables of everything else.
func (g *Graph) wireResources(m *Module) error {
	overlays := m.Overlays()
	if len(overlays) == 0 {
		return g.files.RemoveAll(m.idmapDir())
	}

	lock, err := g.files.Lock(m.privateDir())
	if err != nil {
		return err
	}
	defer lock.Release()

	dir := m.idmapDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	mp := m.mapper.Load()
	if mp == nil {
		mp = overlay.New(m,
			overlay.WithService(g.idmaps),
			overlay.WithLock(g.files, m.privateDir()),
			overlay.WithLogger(g.logger),
		)
		m.mapper.Store(mp)
	}
	keep := make([]string, 0, len(overlays))
	for _, o := range overlays {
		name := o.Package().String() + idmap.FileExt
		mp.Attach(o, filepath.Join(dir, name))
		keep = append(keep, name)
	}
	if g.config != nil {
		mp.Configure(*g.config)
	}
	return g.files.CleanOthers(dir, keep...)
}

// runEntry builds the class loader chain, then loads, instantiates and
// starts the entry class.
func (g *Graph) runEntry(m *Module) error {
	pkg := m.Package()
	class := m.hostClass
	if class == nil {
		chain, err := g.buildChain(m)
		if err != nil {
			return &StartError{Package: pkg, Kind: Cache, Err: err}
		}
		m.chain = chain
		name := m.desc.EntryClassName()
		class, err = chain.LoadClass(name)
		if err != nil {
			return &StartError{Package: pkg, Kind: EntryClassMissing, Err: err}
		}
	}
	m.class = class

	inst, err := instantiate(class)
	if err != nil {
		return &StartError{Package: pkg, Kind: Instantiate, Err: err}
	}
	m.instance = inst
	if g.config != nil {
		configure(m, *g.config)
	}

	code, err := invokeStart(inst, m.ctx)
	switch {
	case err != nil:
		return &StartError{Package: pkg, Kind: ModuleFault, Err: err}
	case code != 0:
		return &StartError{Package: pkg, Kind: NonZeroResult, Code: code}
	}
	return nil
}

func (g *Graph) buildChain(m *Module) (*loader.Chain, error) {
	var depChains []*loader.Chain
	for _, d := range m.Depends() {
		depChains = append(depChains, d.chain)
	}
	lock, err := g.files.Lock(m.cacheDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return loader.New(loader.Options{
		Package:         m.Package(),
		Archive:         m.archive,
		Stamp:           m.Stamp(),
		CacheDir:        m.cacheDir,
		Shared:          m.shared,
		Depends:         depChains,
		Runtime:         g.runtime,
		Files:           g.files,
		ExtractPrefixes: g.extractPrefixes,
		Logger:          g.logger.With("package", m.Package()),
	})
}

func instantiate(c plugin.Class) (inst plugin.Instance, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = faultError(v)
		}
	}()
	inst, err = c.New()
	if err == nil && inst == nil {
		err = errors.New("class returned no instance")
	}
	return inst, err
}

func invokeStart(inst plugin.Instance, h plugin.Host) (code int, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = faultError(v)
		}
	}()
	return inst.Start(h), nil
}

func invokeStop(inst plugin.Instance) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = faultError(v)
		}
	}()
	return inst.Stop()
}

func (g *Graph) markStarted(m *Module) {
	m.state = StateStarted
	m.err = nil
	g.started = append(g.started, m)
	g.logger.Info("started", "package", m.Package())
}

// stop stops a started module and releases its runtime references, even
// when the module's Stop faults.
func (g *Graph) stop(m *Module) error {
	if m.state != StateStarted {
		return nil
	}
	var errs []error
	if m.instance != nil {
		if err := invokeStop(m.instance); err != nil {
			g.logger.Warn("stop fault", "package", m.Package(), "err", err)
			errs = append(errs, err)
		}
	}
	if err := m.release(); err != nil {
		errs = append(errs, err)
	}
	m.state = StateImported
	g.started = slices.DeleteFunc(g.started, func(s *Module) bool { return s == m })
	g.logger.Info("stopped", "package", m.Package())
	if err := errors.Join(errs...); err != nil {
		return &StopError{Package: m.Package(), Err: err}
	}
	return nil
}

// clean severs m's edges symmetrically. It refuses started modules.
func (g *Graph) clean(m *Module) bool {
	if m.state == StateStarted {
		return false
	}
	g.edgeMu.Lock()
	m.retractTargets()
	for _, o := range m.overlays {
		o.overlayTargets = slices.DeleteFunc(o.overlayTargets, func(t *Module) bool { return t == m })
	}
	m.overlays = nil
	m.deps = nil
	g.edgeMu.Unlock()
	m.ctx = nil
	return true
}
