// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/resource"
)

// Continuation finishes a delayed load by starting the modules it left
// Checked.
type Continuation func() error

// Load checks and starts the imported modules matching templates and the
// load filter. The host module always passes; an empty template list
// passes everything. Failures are recorded on the modules and returned
// joined; the other modules still load.
//
// With delay, deferrable modules stay Checked and the returned continuation
// starts them. Configuration changes are buffered until the load finished.
func (g *Graph) Load(delay bool, templates ...module.Tag) (Continuation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	logger := g.logger.With("session", uuid.NewString())
	g.loadFinished = false

	set := make(map[module.PackageName]*Module)
	for _, m := range g.sorted() {
		if m.state != StateImported && m.state != StateChecked {
			continue
		}
		ok, err := g.accepts(m, templates)
		if err != nil {
			logger.Warn("load filter", "package", m.Package(), "err", err)
			continue
		}
		if ok {
			logger.Debug("load", "package", m.Package())
			set[m.Package()] = m
		}
	}

	var errs []error
	for _, pkg := range slices.Sorted(maps.Keys(set)) {
		m := set[pkg]
		if m.state == StateFailed {
			// Failed inside an earlier module's check, reported there.
			delete(set, pkg)
			continue
		}
		if err := g.check(m, set, make(map[*Module]bool)); err != nil {
			logger.Warn("check failed", "package", pkg, "err", err)
			errs = append(errs, err)
			delete(set, pkg)
		}
	}
	order := slices.Sorted(maps.Keys(set))
	for _, pkg := range order {
		if err := g.start(set[pkg], delay, make(map[*Module]bool)); err != nil && !failedBefore(err) {
			logger.Warn("start failed", "package", pkg, "err", err)
			errs = append(errs, err)
		}
	}

	if !delay {
		g.finishLoad()
		return nil, errors.Join(errs...)
	}
	return func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		var errs []error
		for _, pkg := range order {
			// Update may have replaced the module since the load.
			m, ok := g.modules[pkg]
			if !ok || m.state != StateChecked {
				continue
			}
			logger.Debug("start deferred", "package", pkg)
			if err := g.start(m, false, make(map[*Module]bool)); err != nil && !failedBefore(err) {
				errs = append(errs, err)
			}
		}
		g.finishLoad()
		return errors.Join(errs...)
	}, errors.Join(errs...)
}

// failedBefore reports a start refused because the module failed earlier
// in the same load, which was reported then.
func failedBefore(err error) bool {
	var se *StartError
	return errors.As(err, &se) && se.Kind == AlreadyFailed
}

// accepts applies the template and load filters.
func (g *Graph) accepts(m *Module, templates []module.Tag) (bool, error) {
	host := g.host != nil && m.Package() == g.host.Package
	if host {
		return true, nil
	}
	if len(templates) > 0 && !m.matchesTemplates(templates) {
		return false, nil
	}
	return g.filter.Match(m.desc, m.HostCode())
}

// matchesTemplates uses the descriptor tags, or the host class tags when
// the descriptor carries none.
func (m *Module) matchesTemplates(templates []module.Tag) bool {
	if m.desc.Templates != nil {
		return m.desc.MatchesAny(templates)
	}
	if m.hostClass != nil {
		for _, t := range m.hostClass.Tags() {
			if slices.Contains(templates, module.Tag(t)) {
				return true
			}
		}
	}
	return false
}

func (g *Graph) finishLoad() {
	g.loadFinished = true
	if g.pending != nil {
		c := *g.pending
		g.pending = nil
		g.applyConfiguration(c)
	}
}

// Configure pushes c to the resources of every started module, including
// attached overlays. During a load the last configuration is kept and
// applied once the load finished.
func (g *Graph) Configure(c resource.Configuration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loadFinished {
		g.pending = &c
		return
	}
	g.applyConfiguration(c)
}

func (g *Graph) applyConfiguration(c resource.Configuration) {
	g.config = &c
	for _, m := range g.modules {
		if m.state == StateStarted {
			configure(m, c)
		}
	}
}

func configure(m *Module, c resource.Configuration) {
	if mp := m.mapper.Load(); mp != nil {
		mp.Configure(c)
		return
	}
	m.resources.Configure(c)
}

// Update imports the archive at path as the new version of old and starts
// it. An empty old takes the package from the archive. The old module must
// not be running; it is cleaned, marked Failed with ErrReplaced and
// replaced. Modules wired to the old version (dependents, its overlays and
// targets, transitively through dependencies) are stopped and re-checked
// against the new one; those that were running are started again.
func (g *Graph) Update(old module.PackageName, path string) (*Module, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, err := g.importArchive(path, false)
	if err != nil {
		return nil, err
	}
	if old == "" {
		old = m.Package()
	} else if m.Package() != old {
		m.close()
		return nil, fmt.Errorf("update %s from %s: %w (archive is %s)", old, path, ErrPackageRenamed, m.Package())
	}

	var affected []*Module
	running := make(map[*Module]bool)
	if prev, ok := g.modules[old]; ok {
		if prev.state == StateStarted {
			m.close()
			return nil, fmt.Errorf("update %s: %w", old, ErrStillStarted)
		}
		affected = g.wiredTo(prev)
		for _, a := range slices.Backward(slices.Clone(g.started)) {
			if !slices.Contains(affected, a) {
				continue
			}
			running[a] = true
			if err := g.stop(a); err != nil {
				g.logger.Warn("stop for update", "package", a.Package(), "err", err)
			}
		}
		// Check recomputes the edges of the demoted modules.
		for _, a := range affected {
			if a.state == StateChecked {
				a.state = StateImported
			}
		}
		g.clean(prev)
		prev.close()
		prev.fail(fmt.Errorf("%w by %s", ErrReplaced, path))
	}
	g.modules[old] = m

	if err := g.check(m, g.modules, make(map[*Module]bool)); err != nil {
		return m, err
	}
	var errs []error
	for _, a := range affected {
		if err := g.check(a, g.modules, make(map[*Module]bool)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.start(m, false, make(map[*Module]bool)); err != nil {
		return m, errors.Join(append([]error{err}, errs...)...)
	}
	for _, a := range affected {
		if running[a] && a.state == StateChecked {
			if err := g.start(a, false, make(map[*Module]bool)); err != nil && !failedBefore(err) {
				errs = append(errs, err)
			}
		}
	}
	return m, errors.Join(errs...)
}

// wiredTo returns the registered modules holding an edge to prev, directly
// or through their dependencies. Failed modules are left alone.
func (g *Graph) wiredTo(prev *Module) []*Module {
	g.edgeMu.RLock()
	defer g.edgeMu.RUnlock()

	hit := map[*Module]bool{prev: true}
	for _, o := range prev.overlays {
		hit[o] = true
	}
	for _, t := range prev.overlayTargets {
		hit[t] = true
	}
	for changed := true; changed; {
		changed = false
		for _, m := range g.modules {
			if hit[m] {
				continue
			}
			if slices.ContainsFunc(m.deps, func(d *Module) bool { return hit[d] }) {
				hit[m] = true
				changed = true
			}
		}
	}

	var out []*Module
	for _, m := range g.sorted() {
		if m != prev && hit[m] && m.state != StateFailed {
			out = append(out, m)
		}
	}
	return out
}

// Clean severs the edges of every module that is not started. Unless keep
// is set, cleaned modules leave the graph. It returns the cleaned packages.
func (g *Graph) Clean(keep bool) []module.PackageName {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []module.PackageName
	for _, m := range g.sorted() {
		if !g.clean(m) {
			continue
		}
		out = append(out, m.Package())
		if !keep {
			delete(g.modules, m.Package())
			m.close()
		}
	}
	return out
}

// StopAll stops the started modules in reverse start order.
func (g *Graph) StopAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for _, m := range slices.Backward(slices.Clone(g.started)) {
		if err := g.stop(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops everything and releases the archives.
func (g *Graph) Close() error {
	err := g.StopAll()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.modules {
		m.close()
	}
	return err
}
