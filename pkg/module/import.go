// SPDX-License-Identifier: MPL-2.0

package module

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/plugkit/plugkit/pkg/cueutil"
)

// ManifestFile is the manifest's location inside an archive.
const ManifestFile = "manifest.cue"

const (
	// InvalidArchive covers unreadable archives and malformed manifests.
	InvalidArchive ImportErrorKind = iota + 1
	// MissingPackageID is reported when no package identity can be derived.
	MissingPackageID
)

//go:embed manifest_schema.cue
var manifestSchema []byte

var (
	// ErrInvalidArchive is the sentinel for InvalidArchive import errors.
	ErrInvalidArchive = errors.New("invalid archive")
	// ErrMissingPackageID is the sentinel for MissingPackageID import errors.
	ErrMissingPackageID = errors.New("missing package id")
)

type (
	// ImportErrorKind classifies import failures.
	ImportErrorKind int

	// ImportError describes why an archive could not be imported.
	ImportError struct {
		Path string
		Kind ImportErrorKind
		Err  error
	}

	manifestFile struct {
		Package string       `json:"id,omitempty"`
		Plugin  *pluginBlock `json:"plugin,omitempty"`
	}

	pluginBlock struct {
		Name        string   `json:"name,omitempty"`
		Author      string   `json:"author,omitempty"`
		Version     string   `json:"version,omitempty"`
		Description string   `json:"description,omitempty"`
		Thumbnail   string   `json:"thumbnail,omitempty"`
		EntryClass  string   `json:"entryClass,omitempty"`
		Templates   []string `json:"templates,omitempty"`
		Depends     []string `json:"depends,omitempty"`
		Overlays    []string `json:"overlays,omitempty"`
	}
)

// String returns the kind's name.
func (k ImportErrorKind) String() string {
	switch k {
	case InvalidArchive:
		return "invalid archive"
	case MissingPackageID:
		return "missing package id"
	default:
		return fmt.Sprintf("ImportErrorKind(%d)", int(k))
	}
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("import %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("import %s: %s: %v", e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *ImportError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case InvalidArchive:
		sentinel = ErrInvalidArchive
	case MissingPackageID:
		sentinel = ErrMissingPackageID
	}
	return []error{sentinel, e.Err}
}

// Import opens the archive at path and reads its descriptor. On success the
// caller owns the returned archive. Import never writes anything.
func Import(path string) (*Descriptor, *Archive, error) {
	a, err := OpenArchive(path)
	if err != nil {
		return nil, nil, &ImportError{Path: path, Kind: InvalidArchive, Err: err}
	}
	d, err := ReadDescriptor(a.FS())
	if err != nil {
		a.Close() //nolint:errcheck // already failing
		var ie *ImportError
		if errors.As(err, &ie) {
			ie.Path = path
			return nil, nil, ie
		}
		return nil, nil, &ImportError{Path: path, Kind: InvalidArchive, Err: err}
	}
	return d, a, nil
}

// ReadDescriptor reads manifest.cue from fsys.
func ReadDescriptor(fsys fs.FS) (*Descriptor, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, &ImportError{Kind: InvalidArchive, Err: err}
	}
	return ParseManifest(data, ManifestFile)
}

// ParseManifest decodes manifest bytes into a Descriptor.
func ParseManifest(data []byte, filename string) (*Descriptor, error) {
	result, err := cueutil.ParseAndDecode[manifestFile](manifestSchema, data, "#Manifest", cueutil.WithFilename(filename))
	if err != nil {
		return nil, &ImportError{Path: filename, Kind: InvalidArchive, Err: err}
	}
	mf := result.Value
	if mf.Package == "" {
		return nil, &ImportError{Path: filename, Kind: MissingPackageID}
	}

	d := &Descriptor{Package: PackageName(mf.Package)}
	if err := d.Package.Validate(); err != nil {
		return nil, &ImportError{Path: filename, Kind: InvalidArchive, Err: err}
	}
	if mf.Plugin == nil {
		d.Plain = true
		return d, nil
	}

	p := mf.Plugin
	d.Name = p.Name
	d.Author = p.Author
	d.Version = p.Version
	d.Description = p.Description
	d.Thumbnail = p.Thumbnail
	d.EntryClass = p.EntryClass
	for _, s := range p.Depends {
		dep, err := ParseDependency(s)
		if err != nil {
			return nil, &ImportError{Path: filename, Kind: InvalidArchive, Err: err}
		}
		d.Depends = append(d.Depends, dep)
	}
	for _, s := range p.Overlays {
		d.Overlays = append(d.Overlays, PackageName(s))
	}
	if p.Templates != nil {
		d.Templates = make([]Tag, 0, len(p.Templates))
		for _, s := range p.Templates {
			d.Templates = append(d.Templates, Tag(s))
		}
	}
	return d, nil
}
