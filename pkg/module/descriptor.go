// SPDX-License-Identifier: MPL-2.0

package module

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/plugkit/plugkit/internal/platform"
)

// DefaultEntryClass is the entry class simple name used when the manifest
// does not name one.
const DefaultEntryClass = "Plugin"

var (
	// ErrInvalidPackageName is the sentinel wrapped by InvalidPackageNameError.
	ErrInvalidPackageName = errors.New("invalid package name")

	packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)
)

type (
	// PackageName uniquely identifies a module within a graph.
	PackageName string

	// InvalidPackageNameError is returned when a PackageName is malformed.
	InvalidPackageNameError struct {
		Value PackageName
		// Reason is set when the shape is valid but the name is refused.
		Reason string
	}

	// Tag is a capability tag a module declares it satisfies.
	Tag string

	// Dependency is a declared dependency. Weak dependencies may be absent.
	Dependency struct {
		Name PackageName
		Weak bool
	}

	// Descriptor is the immutable metadata of an imported archive.
	Descriptor struct {
		Package     PackageName
		Name        string
		Author      string
		Version     string
		Description string
		Thumbnail   string
		EntryClass  string
		Depends     []Dependency
		// Overlays lists the packages this module overlays. Non-empty iff
		// the module is an overlay.
		Overlays []PackageName
		// Templates is nil when the manifest carries no template list.
		Templates []Tag
		// Plain is set for archives without a plugin block.
		Plain bool
	}
)

// Error implements the error interface.
func (e *InvalidPackageNameError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid package name %q: %s", string(e.Value), e.Reason)
	}
	return fmt.Sprintf("invalid package name %q", string(e.Value))
}

// Unwrap returns ErrInvalidPackageName for errors.Is() compatibility.
func (e *InvalidPackageNameError) Unwrap() error { return ErrInvalidPackageName }

// Validate checks the reverse-DNS style shape of the name. The name is
// also a cache directory name, so names Windows reserves are refused.
func (p PackageName) Validate() error {
	if !packageNamePattern.MatchString(string(p)) {
		return &InvalidPackageNameError{Value: p}
	}
	if platform.IsWindowsReservedName(string(p)) {
		return &InvalidPackageNameError{Value: p, Reason: "reserved device name on Windows"}
	}
	return nil
}

// String returns the name.
func (p PackageName) String() string { return string(p) }

// Prefixes reports whether p is a namespace prefix of the qualified name.
func (p PackageName) Prefixes(qualified string) bool {
	return qualified == string(p) || strings.HasPrefix(qualified, string(p)+".")
}

// ParseDependency parses a manifest dependency entry. A leading "?" marks
// the dependency as weak.
func ParseDependency(s string) (Dependency, error) {
	weak := strings.HasPrefix(s, "?")
	name := PackageName(strings.TrimPrefix(s, "?"))
	if err := name.Validate(); err != nil {
		return Dependency{}, err
	}
	return Dependency{Name: name, Weak: weak}, nil
}

// String renders the dependency in manifest syntax.
func (d Dependency) String() string {
	if d.Weak {
		return "?" + string(d.Name)
	}
	return string(d.Name)
}

// IsOverlay reports whether the module overlays other modules.
func (d *Descriptor) IsOverlay() bool {
	return len(d.Overlays) > 0
}

// EntryClassName returns the fully qualified entry class. A relative
// entryClass (".Main") is resolved against the package.
func (d *Descriptor) EntryClassName() string {
	switch {
	case d.EntryClass == "":
		return string(d.Package) + "." + DefaultEntryClass
	case strings.HasPrefix(d.EntryClass, "."):
		return string(d.Package) + d.EntryClass
	default:
		return d.EntryClass
	}
}

// Title returns the display name, falling back to the package.
func (d *Descriptor) Title() string {
	if d.Name != "" {
		return d.Name
	}
	return string(d.Package)
}

// HasTemplates reports whether the manifest declared a template list.
func (d *Descriptor) HasTemplates() bool {
	return d.Templates != nil
}

// MatchesAny reports whether any declared template is in tags.
func (d *Descriptor) MatchesAny(tags []Tag) bool {
	for _, t := range d.Templates {
		if slices.Contains(tags, t) {
			return true
		}
	}
	return false
}

// HasTag reports whether tag is declared.
func (d *Descriptor) HasTag(tag Tag) bool {
	return slices.Contains(d.Templates, tag)
}

// CompareVersions orders two manifest versions. Semantic versions (with or
// without a leading "v") compare by precedence, anything else lexically.
func CompareVersions(a, b string) int {
	va, vb := canonicalVersion(a), canonicalVersion(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return strings.Compare(a, b)
}

func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
