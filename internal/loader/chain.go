// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/plugin"
)

// Cache subdirectories owned by a chain.
const (
	CodeDirName = "dex"
	LibDirName  = "libs"
)

var (
	// ErrClassNotFound is the sentinel wrapped by ClassNotFoundError.
	ErrClassNotFound = errors.New("class not found")
	// ErrLibraryNotFound is returned when no native library matches.
	ErrLibraryNotFound = errors.New("native library not found")
)

type (
	// Files is the subset of the file store a chain needs.
	Files interface {
		Lock(dir string) (*filestore.Lock, error)
		Extract(fsys fs.FS, name, dst string, stamp time.Time) error
		CleanOthers(dir string, keep ...string) error
		RemoveAll(path string) error
	}

	// Options describes the chain to build.
	Options struct {
		Package  module.PackageName
		Archive  *module.Archive
		Stamp    time.Time
		CacheDir string
		// Shared caches are used by several host architectures, so
		// extracted libraries go into an ABI subdirectory.
		Shared  bool
		Depends []*Chain
		Runtime Runtime
		Files   Files
		// ExtractPrefixes lists archive locations whose libraries are always
		// extracted, even when they could be used in place.
		ExtractPrefixes []string
		Logger          *log.Logger
	}

	// Chain is a module's class loader.
	Chain struct {
		pkg     module.PackageName
		own     CodeUnit
		deps    []*Chain
		opts    Options
		logger  *log.Logger
		native  nativeState
		nativeM sync.Mutex
	}

	// ClassNotFoundError is returned by LoadClass.
	ClassNotFoundError struct {
		Name    string
		Package module.PackageName
	}
)

// Error implements the error interface.
func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("class %s not found from %s", e.Name, e.Package)
}

// Unwrap returns ErrClassNotFound for errors.Is() compatibility.
func (e *ClassNotFoundError) Unwrap() error { return ErrClassNotFound }

// New opens the module's code unit and links it to the dependency chains.
// Nil dependency entries are skipped.
func New(opts Options) (*Chain, error) {
	if opts.Runtime == nil {
		return nil, errors.New("loader: runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Chain{
		pkg:    opts.Package,
		opts:   opts,
		logger: logger,
	}
	for _, d := range opts.Depends {
		if d != nil {
			c.deps = append(c.deps, d)
		}
	}

	codeDir := filepath.Join(opts.CacheDir, CodeDirName)
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create code cache: %w", err)
	}
	own, err := opts.Runtime.Open(OpenRequest{
		Package:  opts.Package,
		Archive:  opts.Archive,
		CodeDir:  codeDir,
		Resolver: c,
	})
	if err != nil {
		return nil, fmt.Errorf("open code of %s: %w", opts.Package, err)
	}
	c.own = own
	return c, nil
}

// Package returns the owning module.
func (c *Chain) Package() module.PackageName { return c.pkg }

// LoadClass resolves name from the module's own code, then from the
// dependencies whose package prefixes name, in declaration order.
func (c *Chain) LoadClass(name string) (plugin.Class, error) {
	if cls, ok := c.own.Find(name); ok {
		return cls, nil
	}
	for _, dep := range c.deps {
		if !dep.pkg.Prefixes(name) {
			continue
		}
		if cls, err := dep.LoadClass(name); err == nil {
			return cls, nil
		}
	}
	return nil, &ClassNotFoundError{Name: name, Package: c.pkg}
}

// Close releases the code unit.
func (c *Chain) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}
