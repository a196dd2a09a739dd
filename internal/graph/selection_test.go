// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"maps"
	"path/filepath"
	"slices"
	"testing"

	"github.com/plugkit/plugkit/internal/testutil"
	"github.com/plugkit/plugkit/pkg/idmap"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
	"github.com/plugkit/plugkit/pkg/resource"
)

const (
	accentName = "color/accent"
	idAccentA  = 0x7f010001
	idAccentX  = 0x7f020001
	idAccentY  = 0x7f030001
)

func accent(id uint32, value string) testutil.Files {
	return testutil.Files{resource.FileName: testutil.Resources(
		func(string) string { return value },
		testutil.Resource{Name: accentName, ID: id},
	)}
}

// overlayEnv holds LibA with two overlays and LibB depending on LibA.
func overlayEnv(t *testing.T) (*env, *Graph) {
	t.Helper()
	e := newEnv(t)
	e.register(pkgLibA, behavior{})
	e.write(testutil.Manifest{Package: pkgLibA, Name: "Lib A"}, accent(idAccentA, "blue"))
	e.code(pkgLibB, behavior{}, pkgLibA)
	e.write(testutil.Manifest{Package: pkgOverlayX, Name: "Overlay X", Overlays: []string{pkgLibA}}, accent(idAccentX, "red"))
	e.write(testutil.Manifest{Package: "com.example.overlayy", Name: "Overlay Y", Overlays: []string{pkgLibA}}, accent(idAccentY, "green"))
	g := e.graph()
	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return e, g
}

func resolvedValue(t *testing.T, m *Module) string {
	t.Helper()
	set, id, ok := m.Context().Resolve(idAccentA)
	if !ok {
		t.Fatalf("Resolve(%s) failed", resource.ID(idAccentA))
	}
	v, _ := set.Value(id)
	return v
}

func TestSelectOverlays_PropagatesThroughDependencies(t *testing.T) {
	t.Parallel()

	_, g := overlayEnv(t)
	libA := mustModule(t, g, pkgLibA)
	if got := resolvedValue(t, libA); got != "blue" {
		t.Errorf("unselected value = %q, want blue", got)
	}

	got, err := g.SelectOverlays(pkgLibB, pkgOverlayX)
	if err != nil {
		t.Fatalf("SelectOverlays() error = %v", err)
	}
	if !slices.Equal(got, []module.PackageName{pkgOverlayX}) {
		t.Errorf("SelectOverlays() = %v", got)
	}
	if sel := libA.Mapper().Selected(); !slices.Equal(sel, []module.PackageName{pkgOverlayX}) {
		t.Errorf("Selected() = %v", sel)
	}
	if v := resolvedValue(t, libA); v != "red" {
		t.Errorf("selected value = %q, want red", v)
	}

	idmapFile := filepath.Join(libA.CacheDir(), IdmapDirName, pkgOverlayX+idmap.FileExt)
	if !testutil.Exists(idmapFile) {
		t.Errorf("idmap %s was not written", idmapFile)
	}
}

func TestSelectOverlays_Priority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		names []module.PackageName
		want  string
	}{
		{"first wins", []module.PackageName{"com.example.overlayy", pkgOverlayX}, "green"},
		{"reordered", []module.PackageName{pkgOverlayX, "com.example.overlayy"}, "red"},
		{"unknown ignored", []module.PackageName{"com.example.nothere", pkgOverlayX}, "red"},
		{"duplicates ignored", []module.PackageName{pkgOverlayX, pkgOverlayX}, "red"},
		{"empty clears", nil, "blue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, g := overlayEnv(t)
			libA := mustModule(t, g, pkgLibA)
			if _, err := g.SelectOverlays(pkgLibA, pkgOverlayX); err != nil {
				t.Fatal(err)
			}
			if _, err := g.SelectOverlays(pkgLibB, tt.names...); err != nil {
				t.Fatalf("SelectOverlays() error = %v", err)
			}
			if got := resolvedValue(t, libA); got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectOverlays_UnknownModule(t *testing.T) {
	t.Parallel()

	_, g := overlayEnv(t)
	if _, err := g.SelectOverlays("com.example.nothere"); err == nil {
		t.Error("SelectOverlays() on an unknown module succeeded")
	}
}

func TestOverlayTitles(t *testing.T) {
	t.Parallel()

	_, g := overlayEnv(t)
	got, err := g.OverlayTitles(pkgLibB)
	if err != nil {
		t.Fatalf("OverlayTitles() error = %v", err)
	}
	want := map[module.PackageName]string{
		pkgOverlayX:            "Overlay X",
		"com.example.overlayy": "Overlay Y",
	}
	if !maps.Equal(got, want) {
		t.Errorf("OverlayTitles() = %v, want %v", got, want)
	}
	titles := mustModule(t, g, pkgLibB).Context().OverlayTitles()
	if titles[pkgOverlayX] != "Overlay X" {
		t.Errorf("Context().OverlayTitles() = %v", titles)
	}
}

func TestSelectOverlays_FromModuleStart(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(pkgLibA, behavior{})
	e.write(testutil.Manifest{Package: pkgLibA}, accent(idAccentA, "blue"))
	e.write(testutil.Manifest{Package: pkgOverlayX, Overlays: []string{pkgLibA}}, accent(idAccentX, "red"))
	e.register(pkgLibB, behavior{onStart: func(h plugin.Host) {
		if err := h.SelectOverlays(pkgOverlayX); err != nil {
			t.Errorf("SelectOverlays() error = %v", err)
		}
	}})
	e.write(testutil.Manifest{Package: pkgLibB, Depends: []string{pkgLibA}}, nil)
	g := e.graph()

	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if v := resolvedValue(t, mustModule(t, g, pkgLibA)); v != "red" {
		t.Errorf("value = %q, want red", v)
	}
}

// An overlay of an overlay is selected when the outer overlay is.
func TestSelectOverlays_OverlayDependencies(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(pkgLibA, behavior{})
	e.write(testutil.Manifest{Package: pkgLibA}, accent(idAccentA, "blue"))
	e.write(testutil.Manifest{Package: "com.example.base", Overlays: []string{pkgLibA}}, accent(idAccentY, "green"))
	e.write(testutil.Manifest{
		Package:  pkgOverlayX,
		Overlays: []string{"com.example.nothere"},
		Depends:  []string{"com.example.base"},
	}, nil)
	g := e.graph()
	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := g.SelectOverlays(pkgLibA, pkgOverlayX); err != nil {
		t.Fatal(err)
	}
	// OverlayX targets nothing present, so it is not a candidate of LibA.
	if mustModule(t, g, pkgLibA).Mapper().HasSelection() {
		t.Error("overlay without a present target was selected")
	}

	if _, err := g.SelectOverlays(pkgLibA, "com.example.base"); err != nil {
		t.Fatal(err)
	}
	if v := resolvedValue(t, mustModule(t, g, pkgLibA)); v != "green" {
		t.Errorf("value = %q, want green", v)
	}
}

func TestSelectOverlays_Cycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(pkgLibA, behavior{})
	e.write(testutil.Manifest{Package: pkgLibA, Depends: []string{pkgLibB}}, accent(idAccentA, "blue"))
	e.code(pkgLibB, behavior{}, pkgLibA)
	e.write(testutil.Manifest{Package: pkgOverlayX, Overlays: []string{pkgLibA}}, accent(idAccentX, "red"))
	g := e.graph()
	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := g.SelectOverlays(pkgLibB, pkgOverlayX); err != nil {
		t.Fatalf("SelectOverlays() error = %v", err)
	}
	if v := resolvedValue(t, mustModule(t, g, pkgLibA)); v != "red" {
		t.Errorf("value = %q, want red", v)
	}
}

func TestStart_RemovesStaleIdmaps(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(pkgLibA, behavior{})
	e.write(testutil.Manifest{Package: pkgLibA}, accent(idAccentA, "blue"))
	e.write(testutil.Manifest{Package: pkgOverlayX, Overlays: []string{pkgLibA}}, accent(idAccentX, "red"))
	stale := filepath.Join(e.cacheRoot(), pkgLibA, IdmapDirName, "com.example.gone"+idmap.FileExt)
	testutil.MustWriteFile(t, stale, "x")
	g := e.graph()

	if _, err := g.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if testutil.Exists(stale) {
		t.Error("idmap of a vanished overlay survived")
	}
}
