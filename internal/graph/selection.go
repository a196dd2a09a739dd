// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/plugkit/plugkit/internal/overlay"
	"github.com/plugkit/plugkit/pkg/module"
)

// SelectOverlays activates the named overlays for pkg and everything pkg
// depends on. Names not attached anywhere in that closure are ignored. It
// returns the overlays that were resolved, in priority order.
func (g *Graph) SelectOverlays(pkg module.PackageName, names ...module.PackageName) ([]module.PackageName, error) {
	g.mu.Lock()
	m, ok := g.modules[pkg]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, pkg)
	}
	return g.selectOverlays(m, names), nil
}

// OverlayTitles returns the display names of the overlays reachable from
// pkg through its dependencies.
func (g *Graph) OverlayTitles(pkg module.PackageName) (map[module.PackageName]string, error) {
	g.mu.Lock()
	m, ok := g.modules[pkg]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, pkg)
	}
	return g.overlayTitles(m), nil
}

type selection struct {
	mapper *overlay.Mapper
	names  []module.PackageName
}

func (g *Graph) selectOverlays(m *Module, names []module.PackageName) []module.PackageName {
	g.edgeMu.RLock()
	candidates := candidateOverlays(m)
	requested := make([]*Module, 0, len(names))
	for _, n := range names {
		o, ok := candidates[n]
		if !ok || slices.Contains(requested, o) {
			continue
		}
		requested = append(requested, o)
	}
	plan := planSelection(m, requested)
	g.edgeMu.RUnlock()

	g.logger.Debug("select overlays", "module", m.Package(), "requested", names, "targets", len(plan))
	for _, s := range plan {
		s.mapper.Select(s.names...)
	}
	out := make([]module.PackageName, len(requested))
	for i, o := range requested {
		out[i] = o.Package()
	}
	return out
}

// candidateOverlays collects every overlay attached to a module of m's
// dependency closure.
func candidateOverlays(m *Module) map[module.PackageName]*Module {
	out := make(map[module.PackageName]*Module)
	bfs(m, func(d *Module) {
		for _, o := range d.overlays {
			out[o.Package()] = o
		}
	})
	return out
}

// planSelection runs the two propagation phases. Collect walks the requested
// overlays and their own dependencies, recording each visited overlay as a
// candidate of each of its targets. Apply walks m's dependency closure and
// gives every module with a mapper its candidate list, or an empty one.
func planSelection(m *Module, requested []*Module) []selection {
	targets := make(map[*Module][]*Module)
	queue := slices.Clone(requested)
	seen := make(map[*Module]bool, len(queue))
	for _, o := range queue {
		seen[o] = true
	}
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		for _, t := range o.overlayTargets {
			if !slices.Contains(targets[t], o) {
				targets[t] = append(targets[t], o)
			}
		}
		for _, d := range o.deps {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}

	var plan []selection
	bfs(m, func(t *Module) {
		mp := t.mapper.Load()
		if mp == nil {
			return
		}
		names := make([]module.PackageName, len(targets[t]))
		for i, o := range targets[t] {
			names[i] = o.Package()
		}
		plan = append(plan, selection{mapper: mp, names: names})
	})
	return plan
}

func (g *Graph) overlayTitles(m *Module) map[module.PackageName]string {
	g.edgeMu.RLock()
	defer g.edgeMu.RUnlock()
	out := make(map[module.PackageName]string)
	bfs(m, func(d *Module) {
		for _, o := range d.overlays {
			out[o.Package()] = o.Title()
		}
	})
	return out
}

// bfs visits m and its dependency closure breadth first, each module once.
func bfs(m *Module, visit func(*Module)) {
	queue := []*Module{m}
	seen := map[*Module]bool{m: true}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		visit(d)
		for _, dd := range d.deps {
			if !seen[dd] {
				seen[dd] = true
				queue = append(queue, dd)
			}
		}
	}
}
