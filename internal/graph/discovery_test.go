// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/plugkit/plugkit/internal/testutil"
	"github.com/plugkit/plugkit/pkg/module"
)

func zipBytes(t *testing.T, m testutil.Manifest) []byte {
	t.Helper()
	path := testutil.WriteZip(t, filepath.Join(t.TempDir(), m.Package+module.ArchiveExt),
		testutil.Files{module.ManifestFile: m.CUE()})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestImportAll_FirstArchiveWins(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	second := filepath.Join(e.root, "second")
	first := e.write(testutil.Manifest{Package: pkgLibA, Version: "1.0.0"}, nil)
	e.writeIn(second, testutil.Manifest{Package: pkgLibA, Version: "2.0.0"}, nil)
	g := e.graph(WithSearchDirs(SearchDir{Path: e.search}, SearchDir{Path: second}))

	m := mustModule(t, g, pkgLibA)
	if m.ArchivePath() != first || m.Descriptor().Version != "1.0.0" {
		t.Errorf("kept %s (version %s), want %s", m.ArchivePath(), m.Descriptor().Version, first)
	}
}

func TestImportAll_Layouts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.writeIn(filepath.Join(e.search, "nested"), testutil.Manifest{Package: "nested"}, nil)
	testutil.WriteZip(t, filepath.Join(e.search, "packed"+module.ArchiveExt),
		testutil.Files{module.ManifestFile: testutil.Manifest{Package: pkgLibB}.CUE()})
	testutil.MustWriteFile(t, filepath.Join(e.search, "notes.txt"), "ignored")
	g := e.graph()

	for _, pkg := range []string{"nested", pkgLibB, pkgHost} {
		if _, ok := g.Module(module.PackageName(pkg)); !ok {
			t.Errorf("%s not imported", pkg)
		}
	}
	if n := len(g.Modules()); n != 3 {
		t.Errorf("len(Modules()) = %d, want 3", n)
	}
}

func TestImportAll_InvalidArchiveReported(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	testutil.WriteDir(t, filepath.Join(e.search, "broken"+module.ArchiveExt),
		testutil.Files{module.ManifestFile: "id: 12\n"})
	e.code(pkgLibA, behavior{})
	g := e.graph()

	errs := g.ImportErrors()
	if len(errs) != 1 || !errors.Is(errs[0], module.ErrInvalidArchive) {
		t.Fatalf("ImportErrors() = %v, want one invalid archive", errs)
	}
	if _, ok := g.Module(pkgLibA); !ok {
		t.Error("valid archive was not imported next to a broken one")
	}
}

func TestImport_RejectsDuplicate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.code(pkgLibA, behavior{})
	g := e.graph()

	other := e.writeIn(filepath.Join(e.root, "other"), testutil.Manifest{Package: pkgLibA}, nil)
	if _, err := g.Import(other, false); err == nil {
		t.Error("Import() of a registered package succeeded")
	}
	if mustModule(t, g, pkgLibA).ArchivePath() == other {
		t.Error("duplicate import replaced the registered module")
	}
}

func TestImportAll_Embedded(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.code(pkgLibA, behavior{})
	g := e.graph(WithEmbedded(
		Embedded{Package: pkgLibA, Name: "shadowed"},
		Embedded{Package: "com.example.builtin", Name: "Builtin", Class: e.class("com.example.builtin", behavior{})},
	))

	if m := mustModule(t, g, pkgLibA); m.HostCode() {
		t.Error("embedded module overrode an archive")
	}
	builtin := mustModule(t, g, "com.example.builtin")
	if !builtin.HostCode() || builtin.Title() != "Builtin" {
		t.Errorf("builtin: host code %v, title %q", builtin.HostCode(), builtin.Title())
	}
	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if builtin.State() != StateStarted || e.rec.count("start:com.example.builtin") != 1 {
		t.Errorf("builtin state = %s", builtin.State())
	}
}

func TestImportAll_CleansCacheRoot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.code(pkgLibA, behavior{})
	stale := filepath.Join(e.cacheRoot(), "com.example.gone", "data")
	kept := filepath.Join(e.cacheRoot(), pkgLibA, "props", "default.toml")
	testutil.MustWriteFile(t, stale, "x")
	testutil.MustWriteFile(t, kept, "x = 'y'\n")
	e.graph()

	if testutil.Exists(filepath.Dir(stale)) {
		t.Error("cache of an absent package survived")
	}
	if !testutil.Exists(kept) {
		t.Error("cache of an imported package was removed")
	}
}

func TestImportAll_SharedRoot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	sharedRoot := filepath.Join(e.root, "shared-cache")
	sharedSearch := filepath.Join(e.root, "shared")
	e.register(pkgLibA, behavior{})
	e.writeIn(sharedSearch, testutil.Manifest{Package: pkgLibA}, accent(idAccentA, "blue"))
	e.write(testutil.Manifest{Package: pkgOverlayX, Overlays: []string{pkgLibA}}, accent(idAccentX, "red"))
	testutil.MustWriteFile(t, filepath.Join(sharedRoot, "com.example.gone", "data"), "x")

	g := e.graph(
		WithCacheRoots(e.cacheRoot(), sharedRoot),
		WithSearchDirs(SearchDir{Path: e.search}, SearchDir{Path: sharedSearch, Shared: true}),
	)
	libA := mustModule(t, g, pkgLibA)
	if !libA.Shared() || !strings.HasPrefix(libA.CacheDir(), sharedRoot) {
		t.Errorf("shared module cache dir = %s", libA.CacheDir())
	}
	if testutil.Exists(filepath.Join(sharedRoot, "com.example.gone")) {
		t.Error("shared root kept an absent package")
	}

	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := g.SelectOverlays(pkgLibA, pkgOverlayX); err != nil {
		t.Fatal(err)
	}
	if v := resolvedValue(t, libA); v != "red" {
		t.Errorf("value = %q, want red", v)
	}
	if !testutil.Exists(filepath.Join(e.cacheRoot(), pkgLibA, IdmapDirName)) {
		t.Error("id tables of a shared target are not in the private root")
	}
}

func TestImportAll_ImportFrom(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := filepath.Join(e.root, "downloads")
	testutil.WriteZip(t, filepath.Join(src, "liba"+module.ArchiveExt),
		testutil.Files{module.ManifestFile: testutil.Manifest{Package: pkgLibA}.CUE()})
	testutil.MustWriteFile(t, filepath.Join(src, "readme.md"), "ignored")
	g := e.graph(WithImportFrom(src))

	m := mustModule(t, g, pkgLibA)
	if filepath.Dir(m.ArchivePath()) != e.search {
		t.Errorf("ArchivePath() = %s, want a copy in %s", m.ArchivePath(), e.search)
	}
	if testutil.Exists(filepath.Join(e.search, "readme.md")) {
		t.Error("non-archive file was copied")
	}
}

func TestImportAll_Bundled(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	sharedSearch := filepath.Join(e.root, "shared")
	bundle := fstest.MapFS{
		"modules/liba.plugin": {Data: zipBytes(t, testutil.Manifest{Package: pkgLibA, Version: "1.0.0"})},
		"modules/libb.plugin": {Data: zipBytes(t, testutil.Manifest{Package: pkgLibB, Version: "1.0.0"})},
		"modules/readme.md":   {Data: []byte("ignored")},
	}
	// The private search dir overrides the bundle, the bundle overrides the
	// shared search dir.
	e.write(testutil.Manifest{Package: pkgLibA, Version: "2.0.0"}, nil)
	e.writeIn(sharedSearch, testutil.Manifest{Package: pkgLibB, Version: "3.0.0"}, nil)
	g := e.graph(
		WithBundled(bundle),
		WithSearchDirs(SearchDir{Path: e.search}, SearchDir{Path: sharedSearch, Shared: true}),
	)

	if v := mustModule(t, g, pkgLibA).Descriptor().Version; v != "2.0.0" {
		t.Errorf("LibA version = %s, want the private search dir copy", v)
	}
	libB := mustModule(t, g, pkgLibB)
	if libB.Descriptor().Version != "1.0.0" || filepath.Dir(libB.ArchivePath()) != filepath.Join(e.cacheRoot(), BundledDirName) {
		t.Errorf("LibB = %s from %s, want the bundled copy", libB.Descriptor().Version, libB.ArchivePath())
	}
	if testutil.Exists(filepath.Join(e.cacheRoot(), BundledDirName, "readme.md")) {
		t.Error("non-archive bundle entry was extracted")
	}
}
