// SPDX-License-Identifier: MPL-2.0

package module

import (
	"archive/zip"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ArchiveExt is the file extension of packed modules.
const ArchiveExt = ".plugin"

// Archive is an opened module archive.
type Archive struct {
	path    string
	fsys    fs.FS
	zr      *zip.ReadCloser
	entries map[string]*zip.File
}

// OpenArchive opens a zip archive or an exploded module directory.
func OpenArchive(p string) (*Archive, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return &Archive{path: p, fsys: os.DirFS(p)}, nil
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}
	return &Archive{path: p, fsys: zr, zr: zr, entries: entries}, nil
}

// Path returns the archive location on disk.
func (a *Archive) Path() string { return a.path }

// FS exposes the archive contents.
func (a *Archive) FS() fs.FS { return a.fsys }

// IsDir reports whether the archive is an exploded directory.
func (a *Archive) IsDir() bool { return a.zr == nil }

// Stored reports whether name is kept uncompressed, so it can be mapped
// directly from the archive. Directory archives store everything as-is.
func (a *Archive) Stored(name string) bool {
	if a.zr == nil {
		return true
	}
	f, ok := a.entries[name]
	return ok && f.Method == zip.Store
}

// List returns the regular files directly under dir, sorted by name.
func (a *Archive) List(dir string) ([]string, error) {
	ents, err := fs.ReadDir(a.fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.Type().IsRegular() {
			names = append(names, path.Join(dir, e.Name()))
		}
	}
	return names, nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error {
	if a.zr == nil {
		return nil
	}
	return a.zr.Close()
}

// IsArchiveName reports whether name looks like a packed module.
func IsArchiveName(name string) bool {
	return strings.HasSuffix(name, ArchiveExt)
}
