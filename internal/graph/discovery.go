// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/pkg/module"
)

// BundledPattern selects the archives of the host bundle.
const BundledPattern = "**/*" + module.ArchiveExt

type keepSet struct {
	private  []string
	shared   []string
	overlays []string
}

func (k *keepSet) add(shared bool, name string) {
	if shared {
		k.shared = appendMissing(k.shared, name)
	} else {
		k.private = appendMissing(k.private, name)
	}
}

func appendMissing(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// ImportAll discovers and registers every available module:
//
//  1. newer archives from the import-from directories are copied into
//     the first private search directory;
//  2. the host bundle is extracted into <private>/bundled;
//  3. the host module is registered;
//  4. search directories are scanned in order, with <private>/bundled after
//     the private ones, and the first archive of each package wins;
//  5. embedded modules are registered unless an archive provides them;
//  6. both cache roots are cleaned of directories no module owns.
//
// Archives that fail to import are logged and reported by ImportErrors.
func (g *Graph) ImportAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.MkdirAll(g.privateRoot, 0o755); err != nil {
		return err
	}
	g.copyImports()
	if err := g.extractBundled(); err != nil {
		g.logger.Warn("extract bundled archives", "err", err)
	}

	var keep keepSet
	if g.host != nil {
		m := g.embeddedModule(*g.host)
		g.modules[m.Package()] = m
		keep.add(false, m.Package().String())
	}

	for _, dir := range g.scanOrder() {
		g.scanDir(dir, &keep)
	}

	for _, e := range g.embedded {
		keep.add(false, e.Package.String())
		if prev, ok := g.modules[e.Package]; ok {
			g.logger.Warn("embedded module overridden", "package", e.Package, "by", prev.ArchivePath())
			continue
		}
		m := g.embeddedModule(e)
		g.modules[m.Package()] = m
	}

	return g.cleanRoots(keep)
}

func (g *Graph) copyImports() {
	dst := ""
	for _, d := range g.searchDirs {
		if !d.Shared {
			dst = d.Path
			break
		}
	}
	if dst == "" {
		return
	}
	for _, src := range g.importFrom {
		copied, err := g.files.CopyNewer(src, dst, module.IsArchiveName)
		if err != nil {
			g.logger.Warn("import from", "dir", src, "err", err)
		}
		for _, c := range copied {
			g.logger.Info("imported archive copy", "from", src, "to", c)
		}
	}
}

func (g *Graph) bundledDir() string { return filepath.Join(g.privateRoot, BundledDirName) }

// extractBundled mirrors the host bundle into <private>/bundled, stamped
// with the host stamp, under the private root lock.
func (g *Graph) extractBundled() error {
	if g.bundled == nil {
		return nil
	}
	names, err := doublestar.Glob(g.bundled, BundledPattern)
	if err != nil {
		return err
	}
	var stamp time.Time
	if g.hostArchive != "" {
		if s, err := g.files.Stamp(g.hostArchive); err == nil {
			stamp = s
		}
	}

	lock, err := g.files.Lock(g.privateRoot)
	if err != nil {
		return err
	}
	defer lock.Release()

	dir := g.bundledDir()
	keep := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		base := filepath.Base(name)
		keep = append(keep, base)
		dst := filepath.Join(dir, base)
		if !stamp.IsZero() && filestore.Current(dst, stamp) {
			continue
		}
		if err := g.files.Extract(g.bundled, name, dst, stamp); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, g.files.CleanOthers(dir, keep...))
	return errors.Join(errs...)
}

func (g *Graph) scanOrder() []SearchDir {
	var out []SearchDir
	inserted := g.bundled == nil
	for _, d := range g.searchDirs {
		if d.Shared && !inserted {
			out = append(out, SearchDir{Path: g.bundledDir()})
			inserted = true
		}
		out = append(out, d)
	}
	if !inserted {
		out = append(out, SearchDir{Path: g.bundledDir()})
	}
	return out
}

func (g *Graph) scanDir(dir SearchDir, keep *keepSet) {
	entries, err := os.ReadDir(dir.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			g.logger.Warn("scan", "dir", dir.Path, "err", err)
		}
		return
	}
	for _, e := range entries {
		var path string
		switch {
		case module.IsArchiveName(e.Name()):
			path = filepath.Join(dir.Path, e.Name())
		case e.IsDir():
			nested := filepath.Join(dir.Path, e.Name(), e.Name()+module.ArchiveExt)
			if _, err := os.Stat(nested); err != nil {
				continue
			}
			path = nested
		default:
			continue
		}
		g.importFound(path, dir.Shared, keep)
	}
}

func (g *Graph) importFound(path string, shared bool, keep *keepSet) {
	m, err := g.importArchive(path, shared)
	if err != nil {
		g.logger.Warn("import failed", "path", path, "err", err)
		g.importErrors = append(g.importErrors, err)
		return
	}
	pkg := m.Package()
	keep.add(shared, pkg.String())
	for _, t := range m.desc.Overlays {
		keep.overlays = appendMissing(keep.overlays, t.String())
	}
	if prev, ok := g.modules[pkg]; ok {
		g.logger.Warn("duplicate package, keeping first",
			"package", pkg,
			"kept", prev.ArchivePath(), "kept_version", prev.desc.Version,
			"ignored", path, "ignored_version", m.desc.Version,
			"ignored_is_newer", module.CompareVersions(m.desc.Version, prev.desc.Version) > 0)
		m.close()
		return
	}
	g.modules[pkg] = m
}

// cleanRoots removes cache entries no imported module owns. The private
// root also keeps the directories of overlay targets, whose id tables live
// there even when the target uses the shared root.
func (g *Graph) cleanRoots(keep keepSet) error {
	private := append(slices.Clone(keep.private), filestore.LockFileName, BundledDirName)
	for _, t := range keep.overlays {
		if slices.Contains(keep.shared, t) {
			private = appendMissing(private, t)
		}
	}
	errs := []error{g.cleanRoot(g.privateRoot, private)}
	if g.sharedRoot != g.privateRoot {
		errs = append(errs, g.cleanRoot(g.sharedRoot, append(keep.shared, filestore.LockFileName)))
	}
	return errors.Join(errs...)
}

// cleanRoot keeps archives lying in a cache root, in case the root is also
// a search directory, and the directories of search directories inside it.
func (g *Graph) cleanRoot(root string, keep []string) error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if module.IsArchiveName(e.Name()) {
			keep = append(keep, e.Name())
		}
	}
	for _, d := range g.searchDirs {
		if filepath.Clean(filepath.Dir(d.Path)) == filepath.Clean(root) {
			keep = append(keep, filepath.Base(d.Path))
		}
	}
	return g.files.CleanOthers(root, keep...)
}
