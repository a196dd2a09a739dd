// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/charmbracelet/fang"
	"gopkg.in/yaml.v3"

	"github.com/plugkit/plugkit/internal/config"
	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/internal/testutil"
	"github.com/plugkit/plugkit/pkg/idmap"
	"github.com/plugkit/plugkit/pkg/resource"
)

const (
	pkgLibA     = "com.example.liba"
	pkgLibB     = "com.example.libb"
	pkgLibC     = "com.example.libc"
	pkgOverlayX = "com.example.overlayx"

	startScript = "exports.start = function(host) { return 0; };\n"
)

type staticProvider struct {
	cfg config.Config
}

func (p staticProvider) Load(context.Context, config.LoadOptions) (*config.Config, error) {
	c := p.cfg
	return &c, nil
}

type fixture struct {
	cfg       config.Config
	searchDir string
}

// newFixture writes liba (zip), libb (exploded, depends on liba) and
// overlayx (exploded, overlays liba) into a fresh search directory.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{searchDir: filepath.Join(root, "modules")}

	testutil.WriteZip(t, filepath.Join(f.searchDir, "liba.plugin"), testutil.Files{
		"manifest.cue":                    testutil.Manifest{Package: pkgLibA, Name: "Lib A", Version: "1.2.0"}.CUE(),
		"code/com/example/liba/Plugin.js": startScript,
		resource.FileName:                 `resources: [{name: "color/accent", id: 2130771969, value: "blue"}]`,
	})
	testutil.WriteDir(t, filepath.Join(f.searchDir, "libb.plugin"), testutil.Files{
		"manifest.cue":                    testutil.Manifest{Package: pkgLibB, Depends: []string{pkgLibA}}.CUE(),
		"code/com/example/libb/Plugin.js": startScript,
	})
	testutil.WriteDir(t, filepath.Join(f.searchDir, "overlayx", "overlayx.plugin"), testutil.Files{
		"manifest.cue":    testutil.Manifest{Package: pkgOverlayX, Name: "Red", Overlays: []string{pkgLibA}}.CUE(),
		resource.FileName: `resources: [{name: "color/accent", id: 2130837505, value: "red"}]`,
	})

	cfg := config.DefaultConfig()
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.SearchDirs = []config.SearchDir{{Path: f.searchDir}}
	f.cfg = *cfg
	return f
}

func (f *fixture) addBroken(t *testing.T) {
	t.Helper()
	testutil.WriteDir(t, filepath.Join(f.searchDir, "libc.plugin"), testutil.Files{
		"manifest.cue":                    testutil.Manifest{Package: pkgLibC, Depends: []string{"com.example.missing"}}.CUE(),
		"code/com/example/libc/Plugin.js": startScript,
	})
}

func (f *fixture) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp(Dependencies{Config: staticProvider{cfg: f.cfg}, Stdout: &out, Stderr: &errOut})
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err = root.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "list", "-o", "json")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, stderr)
	}
	var r moduleReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}

	kinds := make(map[string]string)
	for _, m := range r.Modules {
		kinds[m.Package] = m.Kind
		if m.State != graph.StateImported {
			t.Errorf("%s state = %s, want imported", m.Package, m.State)
		}
	}
	want := map[string]string{
		config.DefaultHostPackage: kindHost,
		pkgLibA:                   kindArchive,
		pkgLibB:                   kindArchive,
		pkgOverlayX:               kindOverlay,
	}
	for pkg, kind := range want {
		if kinds[pkg] != kind {
			t.Errorf("%s kind = %q, want %q", pkg, kinds[pkg], kind)
		}
	}
	if len(kinds) != len(want) {
		t.Errorf("modules = %v", kinds)
	}
}

func TestList_Table(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, _, err := f.run(t, "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"PACKAGE", pkgLibA, "Lib A", "1.2.0", "overlay"} {
		if !strings.Contains(out, s) {
			t.Errorf("table output lacks %q:\n%s", s, out)
		}
	}
}

func TestUnknownFormat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, _, err := f.run(t, "list", "-o", "xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestFailureKeepsCause(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, stderr, err := f.run(t, "resolve", "com.example.nope", "color/accent")
	if exitCode(err) != 1 {
		t.Fatalf("exit = %d (%v), want 1", exitCode(err), err)
	}
	if !errors.Is(err, graph.ErrUnknownModule) {
		t.Errorf("err = %v, want ErrUnknownModule in chain", err)
	}
	if !strings.Contains(stderr, "com.example.nope") {
		t.Errorf("stderr = %q", stderr)
	}

	var out bytes.Buffer
	errorHandler(&out, fang.Styles{}, err)
	if out.Len() != 0 {
		t.Errorf("reported error printed again: %q", out.String())
	}
}

func TestStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "start", "-o", "json")
	if err != nil {
		t.Fatalf("start: %v\n%s", err, stderr)
	}
	var r startReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pos := func(pkg string) int { return slices.Index(r.StartOrder, pkg) }
	if pos(pkgOverlayX) < 0 || pos(pkgOverlayX) > pos(pkgLibA) || pos(pkgLibA) > pos(pkgLibB) {
		t.Errorf("start order = %v", r.StartOrder)
	}
	for _, m := range r.Modules {
		if m.State != graph.StateStarted || m.Order == 0 {
			t.Errorf("%s: state %s order %d", m.Package, m.State, m.Order)
		}
	}
}

func TestStart_Failure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addBroken(t)
	out, stderr, err := f.run(t, "start", "-o", "yaml")
	if code := exitCode(err); code != 2 {
		t.Fatalf("exit code = %d (%v), want 2", code, err)
	}
	if !strings.Contains(stderr, "missing dependency") {
		t.Errorf("stderr lacks the failure:\n%s", stderr)
	}

	var r startReport
	if err := yaml.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if slices.Contains(r.StartOrder, pkgLibC) {
		t.Errorf("failed module started: %v", r.StartOrder)
	}
	if !slices.Contains(r.StartOrder, pkgLibB) {
		t.Errorf("healthy module did not start: %v", r.StartOrder)
	}
}

func TestStart_Delay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "start", "--delay", "-o", "json")
	if err != nil {
		t.Fatalf("start: %v\n%s", err, stderr)
	}
	var r startReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	deferred := make(map[string]bool)
	for _, m := range r.Modules {
		deferred[m.Package] = m.Deferred
		if m.State != graph.StateStarted {
			t.Errorf("%s state = %s after the continuation", m.Package, m.State)
		}
	}
	if !deferred[pkgLibB] || deferred[pkgOverlayX] || deferred[config.DefaultHostPackage] {
		t.Errorf("deferred = %v", deferred)
	}
}

func TestStart_Named(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "start", pkgLibB, "-o", "json")
	if err != nil {
		t.Fatalf("start: %v\n%s", err, stderr)
	}
	var r startReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	if slices.Contains(r.StartOrder, config.DefaultHostPackage) {
		t.Errorf("start %s started the host: %v", pkgLibB, r.StartOrder)
	}
	if !slices.Contains(r.StartOrder, pkgLibA) || !slices.Contains(r.StartOrder, pkgLibB) {
		t.Errorf("start order = %v", r.StartOrder)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addBroken(t)

	out, _, err := f.run(t, "check", pkgLibB, "-o", "json")
	if err != nil {
		t.Fatalf("check %s: %v", pkgLibB, err)
	}
	if !strings.Contains(out, `"state": "checked"`) {
		t.Errorf("output = %s", out)
	}

	_, stderr, err := f.run(t, "check")
	if exitCode(err) != 2 {
		t.Fatalf("check all: %v", err)
	}
	if !strings.Contains(stderr, pkgLibC) {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		selected map[string][]string
		wantFrom string
		want     string
	}{
		{name: "own value", wantFrom: pkgLibA, want: "blue"},
		{name: "overlay flag", args: []string{"--overlay", pkgOverlayX}, wantFrom: pkgOverlayX, want: "red"},
		{
			name:     "selected in config",
			selected: map[string][]string{pkgLibA: {pkgOverlayX}},
			wantFrom: pkgOverlayX,
			want:     "red",
		},
		{
			name:     "flag clears config selection",
			args:     []string{"--overlay", ""},
			selected: map[string][]string{pkgLibA: {pkgOverlayX}},
			wantFrom: pkgLibA,
			want:     "blue",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tt.selected != nil {
				f.cfg.SelectedOverlays = tt.selected
			}
			args := append([]string{"resolve", pkgLibA, "color/accent", "-o", "json"}, tt.args...)
			out, stderr, err := f.run(t, args...)
			if err != nil {
				t.Fatalf("resolve: %v\n%s", err, stderr)
			}
			var r resolveReport
			if err := json.Unmarshal([]byte(out), &r); err != nil {
				t.Fatal(err)
			}
			if r.From != tt.wantFrom || r.Value != tt.want {
				t.Errorf("resolved %s from %s, want %s from %s", r.Value, r.From, tt.want, tt.wantFrom)
			}
			if r.ID != "0x7f010001" {
				t.Errorf("id = %s", r.ID)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown module", args: []string{"com.example.nope", "color/accent"}, want: "plugkit list"},
		{name: "unknown resource", args: []string{pkgLibA, "color/none"}, want: "unknown resource"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, stderr, err := f.run(t, append([]string{"resolve"}, tt.args...)...)
			if exitCode(err) != 1 {
				t.Fatalf("err = %v, want exit 1", err)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr lacks %q:\n%s", tt.want, stderr)
			}
		})
	}
}

func TestOverlays(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "overlays", pkgLibB, "-o", "json")
	if err != nil {
		t.Fatalf("overlays: %v\n%s", err, stderr)
	}
	var r overlaysReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	if len(r.Overlays) != 1 {
		t.Fatalf("overlays = %+v", r.Overlays)
	}
	o := r.Overlays[0]
	if o.Package != pkgOverlayX || o.Title != "Red" || o.Selected || o.State != graph.StateStarted {
		t.Errorf("overlay = %+v", o)
	}
}

func TestIdmap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, stderr, err := f.run(t, "resolve", pkgLibA, "color/accent", "--overlay", pkgOverlayX); err != nil {
		t.Fatalf("resolve: %v\n%s", err, stderr)
	}
	path := filepath.Join(f.cfg.CacheDir, pkgLibA, graph.IdmapDirName, pkgOverlayX+idmap.FileExt)
	out, stderr, err := f.run(t, "idmap", path, "-o", "json")
	if err != nil {
		t.Fatalf("idmap: %v\n%s", err, stderr)
	}
	var r idmapReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	want := []idPair{{Target: "0x7f010001", Overlay: "0x7f020001"}}
	if !slices.Equal(r.Entries, want) {
		t.Errorf("entries = %v, want %v", r.Entries, want)
	}
	if r.TargetStamp.IsZero() || r.OverlayStamp.IsZero() {
		t.Errorf("stamps not set: %+v", r)
	}
}

func TestIdmap_Missing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.run(t, "idmap", filepath.Join(t.TempDir(), "none.idmap"))
	if exitCode(err) != 1 {
		t.Fatalf("err = %v, want exit 1", err)
	}
}

func TestConfigShow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.SelectedOverlays = map[string][]string{pkgLibA: {pkgOverlayX}}
	out, _, err := f.run(t, "config", "show", "-o", "yaml", "--cache-dir", "/tmp/elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	var got config.Config
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got.CacheDir != "/tmp/elsewhere" {
		t.Errorf("cache_dir = %q, flag not applied", got.CacheDir)
	}
	if !slices.Equal(got.SelectedOverlays[pkgLibA], []string{pkgOverlayX}) {
		t.Errorf("selected_overlays = %v", got.SelectedOverlays)
	}

	out, _, err = f.run(t, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "search_dirs") || !strings.Contains(out, f.searchDir) {
		t.Errorf("table output:\n%s", out)
	}
}

func TestSearchDirFlagTakesPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	extra := filepath.Join(t.TempDir(), "extra")
	testutil.WriteDir(t, filepath.Join(extra, "liba.plugin"), testutil.Files{
		"manifest.cue":                    testutil.Manifest{Package: pkgLibA, Name: "Lib A override"}.CUE(),
		"code/com/example/liba/Plugin.js": startScript,
	})
	out, _, err := f.run(t, "list", "--search-dir", extra, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Lib A override") {
		t.Errorf("flag search dir did not win:\n%s", out)
	}
}

func TestInvalidLoadFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.LoadFilter = "package ==="
	_, stderr, err := f.run(t, "list", "-v")
	if exitCode(err) != 1 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(stderr, "load_filter") {
		t.Errorf("stderr lacks the suggestion:\n%s", stderr)
	}
}

func TestStyle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, stderr, err := f.run(t, "style", pkgLibA,
		"--attr", "text=color/accent", "--attr", "foreground=color/accent",
		"--overlay", pkgOverlayX, "-o", "json")
	if err != nil {
		t.Fatalf("style: %v\n%s", err, stderr)
	}
	var r styleReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(r.Renders) != 2 {
		t.Fatalf("renders = %+v, want 2", r.Renders)
	}
	if first := r.Renders[0]; first.Text != "blue" || first.Foreground != "blue" || len(first.Selected) != 0 {
		t.Errorf("first render = %+v", first)
	}
	second := r.Renders[1]
	if second.Text != "red" || second.Foreground != "red" {
		t.Errorf("second render = %+v, want red after selecting %s", second, pkgOverlayX)
	}
	if !slices.Equal(second.Selected, []string{pkgOverlayX}) {
		t.Errorf("selected = %v", second.Selected)
	}
	if !strings.Contains(second.Rendered, "red") {
		t.Errorf("rendered = %q", second.Rendered)
	}
}

func TestStyle_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown resource", args: []string{"--attr", "text=color/missing"}, want: "unknown resource"},
		{name: "unhandled attribute", args: []string{"--attr", "border=color/accent"}, want: "border"},
		{name: "bad bool", args: []string{"--attr", "bold=color/accent"}, want: "bold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, stderr, err := f.run(t, append([]string{"style", pkgLibA}, tt.args...)...)
			if exitCode(err) != 1 {
				t.Fatalf("exit = %d (%v), want 1", exitCode(err), err)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr = %q, want %q", stderr, tt.want)
			}
		})
	}
}
