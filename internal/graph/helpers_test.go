// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"io"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/testutil"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
)

const (
	pkgHost     = "com.example.host"
	pkgLibA     = "com.example.liba"
	pkgLibB     = "com.example.libb"
	pkgOverlayX = "com.example.overlayx"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) count(e string) int {
	n := 0
	for _, got := range r.list() {
		if got == e {
			n++
		}
	}
	return n
}

type behavior struct {
	code       int
	panicNew   bool
	panicStart bool
	panicStop  bool
	onStart    func(h plugin.Host)
	tags       []string
}

type recInstance struct {
	pkg string
	b   behavior
	rec *recorder
}

func (i *recInstance) Start(h plugin.Host) int {
	i.rec.add("start:" + i.pkg)
	if i.b.panicStart {
		panic("start exploded")
	}
	if i.b.onStart != nil {
		i.b.onStart(h)
	}
	return i.b.code
}

func (i *recInstance) Stop() error {
	i.rec.add("stop:" + i.pkg)
	if i.b.panicStop {
		panic("stop exploded")
	}
	return nil
}

// env is a sandbox with one private search directory and a static runtime.
type env struct {
	t      *testing.T
	root   string
	search string
	rt     *loader.StaticRuntime
	rec    *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	return &env{
		t:      t,
		root:   root,
		search: filepath.Join(root, "search"),
		rt:     loader.NewStaticRuntime(),
		rec:    &recorder{},
	}
}

func (e *env) cacheRoot() string { return filepath.Join(e.root, "cache") }

func (e *env) class(pkg string, b behavior) plugin.Class {
	return plugin.NewClass(pkg+"."+module.DefaultEntryClass, func() (plugin.Instance, error) {
		if b.panicNew {
			panic("constructor exploded")
		}
		return &recInstance{pkg: pkg, b: b, rec: e.rec}, nil
	}, b.tags...)
}

// register gives pkg a recording entry class.
func (e *env) register(pkg string, b behavior) {
	e.rt.Register(module.PackageName(pkg), e.class(pkg, b))
}

// write writes an exploded archive into the search directory.
func (e *env) write(m testutil.Manifest, extra testutil.Files) string {
	e.t.Helper()
	return e.writeIn(e.search, m, extra)
}

func (e *env) writeIn(dir string, m testutil.Manifest, extra testutil.Files) string {
	e.t.Helper()
	files := testutil.Files{module.ManifestFile: m.CUE()}
	for k, v := range extra {
		files[k] = v
	}
	return testutil.WriteDir(e.t, filepath.Join(dir, m.Package+module.ArchiveExt), files)
}

// code writes a regular module with a registered recording class.
func (e *env) code(pkg string, b behavior, depends ...string) {
	e.t.Helper()
	e.register(pkg, b)
	e.write(testutil.Manifest{Package: pkg, Name: pkg, Depends: depends}, nil)
}

func (e *env) options(opts ...Option) []Option {
	return append([]Option{
		WithCacheRoots(e.cacheRoot(), ""),
		WithSearchDirs(SearchDir{Path: e.search}),
		WithRuntime(e.rt),
		WithLogger(log.New(io.Discard)),
		WithHost(Embedded{Package: pkgHost, Name: "host", Class: e.class(pkgHost, behavior{})}, ""),
	}, opts...)
}

// graph creates a graph over the environment and imports everything.
func (e *env) graph(opts ...Option) *Graph {
	e.t.Helper()
	g, err := New(e.options(opts...)...)
	if err != nil {
		e.t.Fatalf("New() error = %v", err)
	}
	if err := g.ImportAll(); err != nil {
		e.t.Fatalf("ImportAll() error = %v", err)
	}
	e.t.Cleanup(func() { g.Close() })
	return g
}

func mustModule(t *testing.T, g *Graph, pkg string) *Module {
	t.Helper()
	m, ok := g.Module(module.PackageName(pkg))
	if !ok {
		t.Fatalf("module %s not registered", pkg)
	}
	return m
}

func packages(ms []*Module) []module.PackageName {
	out := make([]module.PackageName, len(ms))
	for i, m := range ms {
		out[i] = m.Package()
	}
	return out
}

func before(order []module.PackageName, a, b string) bool {
	ia := slices.Index(order, module.PackageName(a))
	ib := slices.Index(order, module.PackageName(b))
	return ia >= 0 && ib >= 0 && ia < ib
}

// assertInverse checks that overlays and overlay targets mirror each other.
func assertInverse(t *testing.T, g *Graph) {
	t.Helper()
	all := g.Modules()
	for _, a := range all {
		for _, b := range all {
			isOverlay := slices.Contains(a.OverlayTargets(), b)
			isTarget := slices.Contains(b.Overlays(), a)
			if isOverlay != isTarget {
				t.Errorf("%s -> %s: in targets %v, in overlays %v", a.Package(), b.Package(), isOverlay, isTarget)
			}
		}
	}
}
