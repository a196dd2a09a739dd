// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/internal/testutil"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
	"github.com/plugkit/plugkit/pkg/resource"
)

type nopInstance struct{}

func (nopInstance) Start(plugin.Host) int { return 0 }
func (nopInstance) Stop() error           { return nil }

func staticClass(name string) plugin.Class {
	return plugin.NewClass(name, func() (plugin.Instance, error) { return nopInstance{}, nil })
}

func openArchive(t *testing.T, path string) *module.Archive {
	t.Helper()
	a, err := module.OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func emptyArchive(t *testing.T, pkg string) *module.Archive {
	t.Helper()
	dir := testutil.WriteDir(t, filepath.Join(t.TempDir(), pkg), testutil.Files{
		module.ManifestFile: testutil.Manifest{Package: pkg}.CUE(),
	})
	return openArchive(t, dir)
}

func newChain(t *testing.T, rt Runtime, pkg string, a *module.Archive, deps ...*Chain) *Chain {
	t.Helper()
	c, err := New(Options{
		Package:  module.PackageName(pkg),
		Archive:  a,
		CacheDir: filepath.Join(t.TempDir(), "cache", pkg),
		Depends:  deps,
		Runtime:  rt,
		Files:    filestore.New(filestore.WithLogger(log.New(io.Discard))),
	})
	if err != nil {
		t.Fatalf("New(%s) error = %v", pkg, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChain_LoadClassDelegation(t *testing.T) {
	t.Parallel()

	shadowA := staticClass("com.example.liba.Shadow")
	shadowB := staticClass("com.example.liba.Shadow")
	rt := NewStaticRuntime()
	rt.Register("com.example.liba", staticClass("com.example.liba.Util"))
	rt.Register("com.example.libb", staticClass("com.example.libb.Plugin"))
	rt.Register("com.example.libb", shadowB)
	rt.Register("com.example.liba", shadowA)

	libA := newChain(t, rt, "com.example.liba", emptyArchive(t, "com.example.liba"))
	libB := newChain(t, rt, "com.example.libb", emptyArchive(t, "com.example.libb"), nil, libA)

	tests := []struct {
		name    string
		from    *Chain
		class   string
		want    plugin.Class
		wantErr bool
	}{
		{name: "own class", from: libB, class: "com.example.libb.Plugin"},
		{name: "delegated by prefix", from: libB, class: "com.example.liba.Util"},
		{name: "own code wins over dependency", from: libB, class: "com.example.liba.Shadow", want: shadowB},
		{name: "dependency serves its own copy", from: libA, class: "com.example.liba.Shadow", want: shadowA},
		{name: "unknown namespace", from: libB, class: "com.example.other.X", wantErr: true},
		{name: "no upward delegation", from: libA, class: "com.example.libb.Plugin", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cls, err := tt.from.LoadClass(tt.class)
			if tt.wantErr {
				var cnf *ClassNotFoundError
				if !errors.As(err, &cnf) || !errors.Is(err, ErrClassNotFound) {
					t.Fatalf("LoadClass(%s) error = %v, want ClassNotFoundError", tt.class, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadClass(%s) error = %v", tt.class, err)
			}
			if cls.Name() != tt.class {
				t.Errorf("LoadClass(%s) = %s", tt.class, cls.Name())
			}
			if tt.want != nil && cls != tt.want {
				t.Errorf("LoadClass(%s) returned the wrong copy", tt.class)
			}
		})
	}
}

func TestScriptClassName(t *testing.T) {
	t.Parallel()

	if got := ScriptClassName("code/com/example/app/Plugin.js"); got != "com.example.app.Plugin" {
		t.Errorf("ScriptClassName() = %q", got)
	}
}

type fakeHost struct {
	pkg    string
	res    *resource.Table
	props  map[string]string
	logger *log.Logger
}

func (h *fakeHost) Package() string         { return h.pkg }
func (h *fakeHost) ArchivePath() string     { return "" }
func (h *fakeHost) CacheDir() string        { return "/cache/" + h.pkg }
func (h *fakeHost) Resources() resource.Set { return h.res }
func (h *fakeHost) Resolve(id resource.ID) (resource.Set, resource.ID, bool) {
	return h.res, id, true
}
func (h *fakeHost) Props() plugin.Props                    { return h }
func (h *fakeHost) Logger() *log.Logger                    { return h.logger }
func (h *fakeHost) LoadClass(string) (plugin.Class, error) { return nil, ErrClassNotFound }
func (h *fakeHost) FindLibrary(string) (string, error)     { return "", ErrLibraryNotFound }
func (h *fakeHost) SelectOverlays(...string) error         { return nil }
func (h *fakeHost) OverlayTitles() map[string]string       { return nil }

func (h *fakeHost) Get(key string) (string, bool) {
	v, ok := h.props[key]
	return v, ok
}

func (h *fakeHost) Set(key, value string) error {
	h.props[key] = value
	return nil
}

func TestScriptRuntime_StartStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	libPath := testutil.WriteZip(t, filepath.Join(dir, "lib.plugin"), testutil.Files{
		module.ManifestFile: testutil.Manifest{Package: "com.example.lib"}.CUE(),
		"code/com/example/lib/Util.js": `
exports.greet = function(name) { return "hello " + name; };
`,
	})
	appPath := testutil.WriteZip(t, filepath.Join(dir, "app.plugin"), testutil.Files{
		module.ManifestFile: testutil.Manifest{Package: "com.example.app"}.CUE(),
		"code/com/example/app/Plugin.js": `
var util = use("com.example.lib.Util");
var started = false;
exports.start = function(host) {
	host.setProp("greeting", util.greet(host.package));
	host.setProp("title", host.resource("string/title"));
	started = true;
	return host.prop("code") === "fail" ? 3 : 0;
};
exports.stop = function() {
	if (!started) { throw new Error("not started"); }
};
`,
		"code/com/example/app/Broken.js": `exports.other = 1;`,
	})

	rt := NewScriptRuntime()
	lib := newChain(t, rt, "com.example.lib", openArchive(t, libPath))
	app := newChain(t, rt, "com.example.app", openArchive(t, appPath), lib)

	table, err := resource.NewTable("com.example.app", []resource.Entry{{Name: "string/title", ID: 1, Value: "App"}})
	if err != nil {
		t.Fatal(err)
	}
	host := &fakeHost{pkg: "com.example.app", res: table, props: map[string]string{}, logger: log.New(io.Discard)}

	cls, err := app.LoadClass("com.example.app.Plugin")
	if err != nil {
		t.Fatalf("LoadClass() error = %v", err)
	}
	inst, err := cls.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if code := inst.Start(host); code != 0 {
		t.Fatalf("Start() = %d, want 0", code)
	}
	if host.props["greeting"] != "hello com.example.app" {
		t.Errorf("greeting = %q", host.props["greeting"])
	}
	if host.props["title"] != "App" {
		t.Errorf("title = %q", host.props["title"])
	}
	if err := inst.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	host.props["code"] = "fail"
	inst2, err := cls.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if code := inst2.Start(host); code != 3 {
		t.Errorf("Start() = %d, want 3", code)
	}

	broken, err := app.LoadClass("com.example.app.Broken")
	if err != nil {
		t.Fatalf("LoadClass(Broken) error = %v", err)
	}
	if _, err := broken.New(); !errors.Is(err, ErrNoStartFunction) {
		t.Errorf("New(Broken) error = %v, want ErrNoStartFunction", err)
	}

	fresh, err := cls.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.Stop(); err == nil || !strings.Contains(err.Error(), "not started") {
		t.Errorf("Stop() before Start() error = %v, want script exception", err)
	}
}

func TestScriptRuntime_CompileError(t *testing.T) {
	t.Parallel()

	path := testutil.WriteZip(t, filepath.Join(t.TempDir(), "bad.plugin"), testutil.Files{
		module.ManifestFile:              testutil.Manifest{Package: "com.example.bad"}.CUE(),
		"code/com/example/bad/Plugin.js": `exports.start = function( {`,
	})
	c := newChain(t, NewScriptRuntime(), "com.example.bad", openArchive(t, path))
	cls, err := c.LoadClass("com.example.bad.Plugin")
	if err != nil {
		t.Fatalf("LoadClass() error = %v", err)
	}
	if _, err := cls.New(); err == nil || !strings.Contains(err.Error(), "compile") {
		t.Errorf("New() error = %v, want compile error", err)
	}
}

func nativeChain(t *testing.T, archivePath, cacheDir string, rt Runtime, shared bool, stamp time.Time, extract ...string) *Chain {
	t.Helper()
	c, err := New(Options{
		Package:         "com.example.native",
		Archive:         openArchive(t, archivePath),
		Stamp:           stamp,
		CacheDir:        cacheDir,
		Shared:          shared,
		Runtime:         rt,
		Files:           filestore.New(filestore.WithLogger(log.New(io.Discard))),
		ExtractPrefixes: extract,
		Logger:          log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestChain_FindLibrary(t *testing.T) {
	t.Parallel()

	stamp := time.Unix(1_700_000_000, 0)
	files := testutil.Files{
		module.ManifestFile:   testutil.Manifest{Package: "com.example.native"}.CUE(),
		"lib/arm64/libfoo.so": "arm64 foo",
		"lib/arm64/libbar.so": "arm64 bar",
		"lib/x86/libfoo.so":   "x86 foo",
	}
	storedLibs := []string{"lib/arm64/libfoo.so", "lib/arm64/libbar.so", "lib/x86/libfoo.so"}

	t.Run("stored libraries are used in place", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archive := testutil.WriteZip(t, filepath.Join(dir, "n.plugin"), files, storedLibs...)
		cache := filepath.Join(dir, "cache")
		testutil.MustWriteFile(t, filepath.Join(cache, LibDirName, "old.so"), "stale")

		c := nativeChain(t, archive, cache, NewStaticRuntime(WithABIs("arm64"), WithInArchiveNative(true)), false, stamp)
		got, err := c.FindLibrary("foo")
		if err != nil {
			t.Fatalf("FindLibrary() error = %v", err)
		}
		if want := archive + InArchiveSeparator + "lib/arm64/libfoo.so"; got != want {
			t.Errorf("FindLibrary() = %q, want %q", got, want)
		}
		if testutil.Exists(filepath.Join(cache, LibDirName)) {
			t.Error("libs directory kept although libraries are used in place")
		}
	})

	t.Run("compressed libraries are extracted", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archive := testutil.WriteZip(t, filepath.Join(dir, "n.plugin"), files)
		cache := filepath.Join(dir, "cache")

		c := nativeChain(t, archive, cache, NewStaticRuntime(WithABIs("arm64"), WithInArchiveNative(true)), false, stamp)
		got, err := c.FindLibrary("libbar.so")
		if err != nil {
			t.Fatalf("FindLibrary() error = %v", err)
		}
		if want := filepath.Join(cache, LibDirName, "libbar.so"); got != want {
			t.Errorf("FindLibrary() = %q, want %q", got, want)
		}
		if !filestore.Current(got, stamp) || !filestore.Current(filepath.Join(cache, LibDirName, "libfoo.so"), stamp) {
			t.Error("extracted libraries do not carry the archive stamp")
		}

		testutil.MustWriteFile(t, got, "tampered")
		p, err := c.FindLibrary("bar")
		if err != nil {
			t.Fatalf("FindLibrary() after tamper error = %v", err)
		}
		if !filestore.Current(p, stamp) {
			t.Error("stale library was not re-extracted")
		}
	})

	t.Run("shared cache uses an abi subdirectory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archive := testutil.WriteZip(t, filepath.Join(dir, "n.plugin"), files)
		cache := filepath.Join(dir, "cache")

		c := nativeChain(t, archive, cache, NewStaticRuntime(WithABIs("mips", "x86")), true, stamp)
		got, err := c.FindLibrary("foo")
		if err != nil {
			t.Fatalf("FindLibrary() error = %v", err)
		}
		if want := filepath.Join(cache, LibDirName, "x86", "libfoo.so"); got != want {
			t.Errorf("FindLibrary() = %q, want %q", got, want)
		}
		if abi, _ := c.ABI(); abi != "x86" {
			t.Errorf("ABI() = %q, want x86", abi)
		}
	})

	t.Run("extract prefixes force extraction", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archive := testutil.WriteZip(t, filepath.Join(dir, "removable", "n.plugin"), files, storedLibs...)
		cache := filepath.Join(dir, "cache")

		c := nativeChain(t, archive, cache, NewStaticRuntime(WithABIs("arm64"), WithInArchiveNative(true)), false, stamp, filepath.Join(dir, "removable"))
		got, err := c.FindLibrary("foo")
		if err != nil {
			t.Fatalf("FindLibrary() error = %v", err)
		}
		if strings.Contains(got, InArchiveSeparator) {
			t.Errorf("FindLibrary() = %q, want an extracted path", got)
		}
	})

	t.Run("no matching abi", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archive := testutil.WriteZip(t, filepath.Join(dir, "n.plugin"), files)
		cache := filepath.Join(dir, "cache")
		testutil.MustWriteFile(t, filepath.Join(cache, LibDirName, "old.so"), "stale")

		c := nativeChain(t, archive, cache, NewStaticRuntime(WithABIs("riscv64")), false, stamp)
		if _, err := c.FindLibrary("foo"); !errors.Is(err, ErrLibraryNotFound) {
			t.Fatalf("FindLibrary() error = %v, want ErrLibraryNotFound", err)
		}
		if testutil.Exists(filepath.Join(cache, LibDirName)) {
			t.Error("libs directory kept without a matching abi")
		}
	})
}

func TestChain_FindLibrary_DirectoryArchive(t *testing.T) {
	t.Parallel()

	dir := testutil.WriteDir(t, filepath.Join(t.TempDir(), "mod"), testutil.Files{
		module.ManifestFile:   testutil.Manifest{Package: "com.example.native"}.CUE(),
		"lib/arm64/libfoo.so": "foo",
	})
	c := nativeChain(t, dir, filepath.Join(t.TempDir(), "cache"), NewStaticRuntime(WithABIs("arm64")), false, time.Time{})
	got, err := c.FindLibrary("foo")
	if err != nil {
		t.Fatalf("FindLibrary() error = %v", err)
	}
	if want := filepath.Join(dir, "lib", "arm64", "libfoo.so"); got != want {
		t.Errorf("FindLibrary() = %q, want %q", got, want)
	}
}

func TestNew_RequiresRuntime(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Package: "a.b"}); err == nil {
		t.Error("New() without runtime succeeded")
	}
}
