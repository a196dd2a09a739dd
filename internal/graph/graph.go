// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/loadfilter"
	"github.com/plugkit/plugkit/pkg/idmap"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
	"github.com/plugkit/plugkit/pkg/resource"
)

// Reserved names in cache directories.
const (
	// IdmapDirName holds the persisted id tables of a target.
	IdmapDirName = "idmaps"
	// PropsDirName holds module property files.
	PropsDirName = "props"
	// BundledDirName is the private root directory holding archives
	// extracted from the host bundle.
	BundledDirName = "bundled"
)

type (
	// SearchDir is a directory scanned for archives. Modules found in a
	// shared directory use the shared cache root.
	SearchDir struct {
		Path   string
		Shared bool
	}

	// Embedded is a module whose code is linked into the host.
	Embedded struct {
		Package module.PackageName
		Name    string
		Depends []module.Dependency
		// Class is the entry class. Nil means a class that does nothing.
		Class plugin.Class
		// Resources is the module's resource set. Nil means an empty set.
		Resources *resource.Table
	}

	// Graph owns the imported modules.
	Graph struct {
		mu sync.Mutex
		// edgeMu guards the dependency and overlay edges of every module,
		// so host callbacks can walk them while the graph mutex is held by
		// the start that invoked module code.
		edgeMu sync.RWMutex

		privateRoot     string
		sharedRoot      string
		searchDirs      []SearchDir
		importFrom      []string
		bundled         fs.FS
		host            *Embedded
		hostArchive     string
		embedded        []Embedded
		files           *filestore.Store
		runtime         loader.Runtime
		idmaps          idmap.Service
		filter          *loadfilter.Filter
		extractPrefixes []string
		logger          *log.Logger

		modules      map[module.PackageName]*Module
		importErrors []error
		started      []*Module

		loadFinished bool
		config       *resource.Configuration
		pending      *resource.Configuration
	}

	// Option configures a Graph.
	Option func(*Graph)
)

// WithCacheRoots sets the private and shared cache roots. The shared root
// defaults to the private one.
func WithCacheRoots(private, shared string) Option {
	return func(g *Graph) {
		g.privateRoot = private
		g.sharedRoot = shared
	}
}

// WithSearchDirs sets the directories scanned by ImportAll, in priority
// order.
func WithSearchDirs(dirs ...SearchDir) Option {
	return func(g *Graph) { g.searchDirs = dirs }
}

// WithImportFrom names removable media directories whose newer archives are
// copied into the first private search directory.
func WithImportFrom(dirs ...string) Option {
	return func(g *Graph) { g.importFrom = dirs }
}

// WithBundled sets the archives shipped inside the host.
func WithBundled(fsys fs.FS) Option {
	return func(g *Graph) { g.bundled = fsys }
}

// WithHost registers the host application as a module. archivePath is the
// host binary; its stamp stamps the bundled archives.
func WithHost(host Embedded, archivePath string) Option {
	return func(g *Graph) {
		g.host = &host
		g.hostArchive = archivePath
	}
}

// WithEmbedded registers host-linked modules. Archives providing the same
// package take precedence.
func WithEmbedded(e ...Embedded) Option {
	return func(g *Graph) { g.embedded = append(g.embedded, e...) }
}

// WithFiles sets the file store.
func WithFiles(s *filestore.Store) Option {
	return func(g *Graph) { g.files = s }
}

// WithRuntime sets the code runtime used for archive modules.
func WithRuntime(r loader.Runtime) Option {
	return func(g *Graph) { g.runtime = r }
}

// WithIdmapService sets the id table builder.
func WithIdmapService(s idmap.Service) Option {
	return func(g *Graph) { g.idmaps = s }
}

// WithLoadFilter restricts Load to modules accepted by f.
func WithLoadFilter(f *loadfilter.Filter) Option {
	return func(g *Graph) { g.filter = f }
}

// WithExtractPrefixes forces native extraction for archives under these
// locations.
func WithExtractPrefixes(prefixes ...string) Option {
	return func(g *Graph) { g.extractPrefixes = prefixes }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// New creates an empty graph. The private cache root defaults to
// <user cache>/plugkit.
func New(opts ...Option) (*Graph, error) {
	g := &Graph{modules: make(map[module.PackageName]*Module)}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "graph", Level: log.WarnLevel})
	}
	if g.privateRoot == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("locate cache root: %w", err)
		}
		g.privateRoot = filepath.Join(dir, "plugkit")
	}
	if g.sharedRoot == "" {
		g.sharedRoot = g.privateRoot
	}
	if g.files == nil {
		g.files = filestore.New(filestore.WithLogger(g.logger))
	}
	if g.runtime == nil {
		g.runtime = loader.NewStaticRuntime()
	}
	if g.idmaps == nil {
		g.idmaps = idmap.NewFileService(idmap.WithLogger(g.logger))
	}
	return g, nil
}

// PrivateRoot returns the private cache root.
func (g *Graph) PrivateRoot() string { return g.privateRoot }

// SharedRoot returns the shared cache root.
func (g *Graph) SharedRoot() string { return g.sharedRoot }

// Module returns the module registered for pkg.
func (g *Graph) Module(pkg module.PackageName) (*Module, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modules[pkg]
	return m, ok
}

// Modules returns all registered modules in package order.
func (g *Graph) Modules() []*Module {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sorted()
}

// ModuleOf returns the module owning chain.
func (g *Graph) ModuleOf(chain *loader.Chain) (*Module, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.modules {
		if m.chain != nil && m.chain == chain {
			return m, true
		}
	}
	return nil, false
}

// ImportErrors returns the archives ImportAll could not import.
func (g *Graph) ImportErrors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.importErrors)
}

// StartOrder returns the started modules in the order they started.
func (g *Graph) StartOrder() []module.PackageName {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]module.PackageName, len(g.started))
	for i, m := range g.started {
		out[i] = m.Package()
	}
	return out
}

// Import imports the archive at path and registers it. It fails when the
// package is already registered.
func (g *Graph) Import(path string, shared bool) (*Module, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, err := g.importArchive(path, shared)
	if err != nil {
		return nil, err
	}
	if prev, ok := g.modules[m.Package()]; ok {
		m.close()
		return nil, fmt.Errorf("import %s: package %s already provided by %s", path, m.Package(), prev.ArchivePath())
	}
	g.modules[m.Package()] = m
	return m, nil
}

// Check checks pkg against every registered module.
func (g *Graph) Check(pkg module.PackageName) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modules[pkg]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, pkg)
	}
	return g.check(m, g.modules, make(map[*Module]bool))
}

// Start starts pkg. With delay, modules without host code, overlay role or
// the no-delay tag are left Checked.
func (g *Graph) Start(pkg module.PackageName, delay bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modules[pkg]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, pkg)
	}
	return g.start(m, delay, make(map[*Module]bool))
}

// Stop stops pkg. Stopping a module that is not started is a no-op.
func (g *Graph) Stop(pkg module.PackageName) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modules[pkg]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, pkg)
	}
	return g.stop(m)
}

func (g *Graph) sorted() []*Module {
	keys := slices.Sorted(maps.Keys(g.modules))
	out := make([]*Module, len(keys))
	for i, k := range keys {
		out[i] = g.modules[k]
	}
	return out
}

// importArchive imports path without registering it.
func (g *Graph) importArchive(path string, shared bool) (*Module, error) {
	desc, archive, err := module.Import(path)
	if err != nil {
		return nil, err
	}
	res, err := resource.Load(desc.Package.String(), archive.FS())
	if err != nil {
		archive.Close() //nolint:errcheck // import error wins
		return nil, &module.ImportError{Path: path, Kind: module.InvalidArchive, Err: err}
	}
	stamp, err := g.files.Stamp(path)
	if err != nil {
		archive.Close() //nolint:errcheck // import error wins
		return nil, &module.ImportError{Path: path, Kind: module.InvalidArchive, Err: err}
	}
	root := g.privateRoot
	if shared {
		root = g.sharedRoot
	}
	m := &Module{
		graph:       g,
		desc:        desc,
		archive:     archive,
		archivePath: path,
		cacheDir:    filepath.Join(root, desc.Package.String()),
		shared:      shared,
		system:      g.files.IsSystem(path),
		stamp:       stamp,
		resources:   res,
		state:       StateImported,
	}
	g.logger.Debug("imported", "package", desc.Package, "path", path, "shared", shared)
	return m, nil
}

// embeddedModule builds the module of a host-linked unit.
func (g *Graph) embeddedModule(e Embedded) *Module {
	class := e.Class
	if class == nil {
		class = plugin.NewClass(e.Package.String()+"."+module.DefaultEntryClass, func() (plugin.Instance, error) {
			return idleInstance{}, nil
		})
	}
	res := e.Resources
	if res == nil {
		res, _ = resource.NewTable(e.Package.String(), nil)
	}
	var stamp time.Time
	if g.hostArchive != "" {
		stamp, _ = g.files.Stamp(g.hostArchive)
	}
	return &Module{
		graph: g,
		desc: &module.Descriptor{
			Package: e.Package,
			Name:    e.Name,
			Depends: slices.Clone(e.Depends),
			Plain:   true,
		},
		archivePath: g.hostArchive,
		cacheDir:    filepath.Join(g.privateRoot, e.Package.String()),
		system:      true,
		stamp:       stamp,
		resources:   res,
		hostClass:   class,
		state:       StateImported,
	}
}

// idleInstance is the entry of host modules without a class.
type idleInstance struct{}

func (idleInstance) Start(plugin.Host) int { return 0 }
func (idleInstance) Stop() error           { return nil }
