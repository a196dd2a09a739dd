// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/props"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
	"github.com/plugkit/plugkit/pkg/resource"
)

// Context is the plugin.Host of one module.
type Context struct {
	graph  *Graph
	module *Module
	logger *log.Logger

	propsOnce sync.Once
	props     plugin.Props
}

var _ plugin.Host = (*Context)(nil)

func newContext(g *Graph, m *Module) *Context {
	return &Context{
		graph:  g,
		module: m,
		logger: g.logger.With("module", m.Package()),
	}
}

// Module returns the module the context belongs to.
func (c *Context) Module() *Module { return c.module }

// Package implements plugin.Host.
func (c *Context) Package() string { return c.module.Package().String() }

// ArchivePath implements plugin.Host.
func (c *Context) ArchivePath() string { return c.module.archivePath }

// CacheDir implements plugin.Host.
func (c *Context) CacheDir() string { return c.module.cacheDir }

// Resources implements plugin.Host.
func (c *Context) Resources() resource.Set { return c.module.resources }

// Logger implements plugin.Host.
func (c *Context) Logger() *log.Logger { return c.logger }

// Resolve implements plugin.Host. Without a mapper the module's own set is
// used.
func (c *Context) Resolve(id resource.ID) (resource.Set, resource.ID, bool) {
	if mp := c.module.mapper.Load(); mp != nil {
		return mp.Map(id, true)
	}
	if _, ok := c.module.resources.Name(id); !ok {
		return nil, 0, false
	}
	return c.module.resources, id, true
}

// Props implements plugin.Host. The file is opened on first use.
func (c *Context) Props() plugin.Props {
	c.propsOnce.Do(func() {
		dir := c.module.cacheDir
		f, err := props.Open(dir, props.DefaultName, props.WithLock(c.graph.files, dir))
		if err != nil {
			c.logger.Warn("properties unavailable", "err", err)
			c.props = brokenProps{err: err}
			return
		}
		c.props = f
	})
	return c.props
}

// LoadClass implements plugin.Host.
func (c *Context) LoadClass(name string) (plugin.Class, error) {
	m := c.module
	if m.chain != nil {
		return m.chain.LoadClass(name)
	}
	if m.hostClass != nil && m.hostClass.Name() == name {
		return m.hostClass, nil
	}
	for _, d := range m.Depends() {
		if d.chain != nil && d.Package().Prefixes(name) {
			if cls, err := d.chain.LoadClass(name); err == nil {
				return cls, nil
			}
		}
	}
	return nil, &loader.ClassNotFoundError{Name: name, Package: m.Package()}
}

// FindLibrary implements plugin.Host.
func (c *Context) FindLibrary(name string) (string, error) {
	if c.module.chain == nil {
		return "", fmt.Errorf("%w: %s has no archive code", loader.ErrLibraryNotFound, c.module.Package())
	}
	return c.module.chain.FindLibrary(name)
}

// SelectOverlays implements plugin.Host.
func (c *Context) SelectOverlays(names ...string) error {
	pkgs := make([]module.PackageName, len(names))
	for i, n := range names {
		pkgs[i] = module.PackageName(n)
	}
	c.graph.selectOverlays(c.module, pkgs)
	return nil
}

// OverlayTitles implements plugin.Host.
func (c *Context) OverlayTitles() map[string]string {
	titles := c.graph.overlayTitles(c.module)
	out := make(map[string]string, len(titles))
	for k, v := range titles {
		out[k.String()] = v
	}
	return out
}

type brokenProps struct{ err error }

func (brokenProps) Get(string) (string, bool) { return "", false }

func (p brokenProps) Set(string, string) error {
	return errors.Join(errors.New("properties unavailable"), p.err)
}
