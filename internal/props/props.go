// SPDX-License-Identifier: MPL-2.0

package props

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/plugkit/plugkit/internal/filestore"
)

const (
	// DirName is the cache subdirectory holding property files.
	DirName = "props"
	// DefaultName is the file used by Host.Props.
	DefaultName = "default"
	// FileExt is the property file extension.
	FileExt = ".toml"
)

// ErrInvalidKey is returned for empty keys or keys containing a newline.
var ErrInvalidKey = errors.New("invalid property key")

type (
	// Locker guards writes with a directory lock.
	Locker interface {
		Lock(dir string) (*filestore.Lock, error)
	}

	// File is a property file. It is safe for concurrent use.
	File struct {
		path    string
		locker  Locker
		lockDir string

		mu     sync.Mutex
		values map[string]string
	}

	// Option configures a File.
	Option func(*File)
)

// WithLock takes the lock of dir around every write.
func WithLock(l Locker, dir string) Option {
	return func(f *File) {
		f.locker = l
		f.lockDir = dir
	}
}

// Path returns the location of the property file name under cacheDir.
func Path(cacheDir, name string) string {
	return filepath.Join(cacheDir, DirName, name+FileExt)
}

// Open loads the property file name under cacheDir. A missing file yields an
// empty set.
func Open(cacheDir, name string, opts ...Option) (*File, error) {
	f := &File{path: Path(cacheDir, name), values: make(map[string]string)}
	for _, opt := range opts {
		opt(f)
	}
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read properties: %w", err)
	}
	if err := toml.Unmarshal(data, &f.values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Get returns the value of key.
func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

// Keys returns the property keys in sorted order.
func (f *File) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.values))
}

// Set stores value under key and writes the file.
func (f *File) Set(key, value string) error {
	if key == "" || strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	f.values[key] = value
	if err := f.save(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

// Delete removes key and writes the file. Deleting a missing key is a no-op.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	if !had {
		return nil
	}
	delete(f.values, key)
	if err := f.save(); err != nil {
		f.values[key] = prev
		return err
	}
	return nil
}

func (f *File) save() error {
	if f.locker != nil {
		lock, err := f.locker.Lock(f.lockDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	data, err := toml.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error wins
		return fmt.Errorf("write properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return nil
}
