// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

type (
	// Manifest describes a fixture manifest. Plain writes a unit without a
	// plugin block.
	Manifest struct {
		Package    string
		Name       string
		Version    string
		EntryClass string
		Depends    []string
		Overlays   []string
		Templates  []string
		Plain      bool
	}

	// Files maps archive entry names to contents.
	Files map[string]string
)

// CUE renders the manifest.
func (m Manifest) CUE() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %q\n", m.Package)
	if m.Plain {
		return b.String()
	}
	b.WriteString("plugin: {\n")
	if m.Name != "" {
		fmt.Fprintf(&b, "\tname: %q\n", m.Name)
	}
	if m.Version != "" {
		fmt.Fprintf(&b, "\tversion: %q\n", m.Version)
	}
	if m.EntryClass != "" {
		fmt.Fprintf(&b, "\tentryClass: %q\n", m.EntryClass)
	}
	writeList(&b, "depends", m.Depends)
	writeList(&b, "overlays", m.Overlays)
	if m.Templates != nil {
		writeList(&b, "templates", m.Templates)
		if len(m.Templates) == 0 {
			b.WriteString("\ttemplates: []\n")
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func writeList(b *strings.Builder, field string, items []string) {
	if len(items) == 0 {
		return
	}
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	fmt.Fprintf(b, "\t%s: [%s]\n", field, strings.Join(quoted, ", "))
}

// Resources renders a resources.cue table. value computes each entry's
// value; nil uses the resource name.
func Resources(value func(name string) string, entries ...Resource) string {
	var b strings.Builder
	b.WriteString("resources: [\n")
	for _, e := range entries {
		v := e.Name
		if value != nil {
			v = value(e.Name)
		}
		fmt.Fprintf(&b, "\t{name: %q, id: %d, value: %q},\n", e.Name, e.ID, v)
	}
	b.WriteString("]\n")
	return b.String()
}

// Resource is one entry passed to Resources.
type Resource struct {
	Name string
	ID   uint32
}

// WriteZip writes a module archive at path. Entries listed in stored are
// written uncompressed.
func WriteZip(t testing.TB, path string, files Files, stored ...string) string {
	t.Helper()
	MustMkdirAll(t, filepath.Dir(path))

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	zw := zip.NewWriter(f)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		method := zip.Deflate
		if slices.Contains(stored, name) {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
	return path
}

// WriteDir writes an exploded module directory.
func WriteDir(t testing.TB, dir string, files Files) string {
	t.Helper()
	for name, body := range files {
		MustWriteFile(t, filepath.Join(dir, filepath.FromSlash(name)), body)
	}
	return dir
}

// MustMkdirAll creates a directory along with any necessary parents.
func MustMkdirAll(t testing.TB, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

// MustWriteFile writes body to path, creating parent directories.
func MustWriteFile(t testing.TB, path, body string) {
	t.Helper()
	MustMkdirAll(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// MustChtime sets both access and modification time of path.
func MustChtime(t testing.TB, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
