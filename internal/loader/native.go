// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/plugkit/plugkit/internal/filestore"
)

// InArchiveSeparator joins an archive path and an entry for libraries
// used in place.
const InArchiveSeparator = "!/"

type nativeState struct {
	resolved bool
	abi      string
	// libs maps a library file name to its archive entry.
	libs map[string]string
	// inPlace is set when paths point into the archive or the module
	// directory instead of the extraction directory.
	inPlace bool
	dir     string
}

// ABI returns the native ABI chosen for the module, resolving it first if
// needed. Empty means the archive ships no usable libraries.
func (c *Chain) ABI() (string, error) {
	c.nativeM.Lock()
	defer c.nativeM.Unlock()
	if err := c.resolveNative(); err != nil {
		return "", err
	}
	return c.native.abi, nil
}

// FindLibrary returns the path of a native library by file name ("libfoo.so")
// or short name ("foo"). Extracted copies are refreshed when they no longer
// carry the archive stamp.
func (c *Chain) FindLibrary(name string) (string, error) {
	c.nativeM.Lock()
	defer c.nativeM.Unlock()

	if err := c.resolveNative(); err != nil {
		return "", err
	}
	file := name
	entry, ok := c.native.libs[file]
	if !ok {
		file = "lib" + name + ".so"
		entry, ok = c.native.libs[file]
	}
	if !ok {
		return "", fmt.Errorf("%s: %s: %w", c.pkg, name, ErrLibraryNotFound)
	}

	switch {
	case c.native.inPlace && c.opts.Archive.IsDir():
		return filepath.Join(c.opts.Archive.Path(), filepath.FromSlash(entry)), nil
	case c.native.inPlace:
		return c.opts.Archive.Path() + InArchiveSeparator + entry, nil
	}

	dst := filepath.Join(c.native.dir, file)
	if filestore.Current(dst, c.opts.Stamp) {
		return dst, nil
	}
	lock, err := c.opts.Files.Lock(c.opts.CacheDir)
	if err != nil {
		return "", err
	}
	defer lock.Release()
	if !filestore.Current(dst, c.opts.Stamp) {
		c.logger.Info("re-extract stale library", "package", c.pkg, "lib", file)
		if err := c.opts.Files.Extract(c.opts.Archive.FS(), entry, dst, c.opts.Stamp); err != nil {
			return "", err
		}
	}
	return dst, nil
}

// resolveNative picks the ABI and prepares the libraries once. Callers hold
// nativeM.
func (c *Chain) resolveNative() error {
	if c.native.resolved {
		return nil
	}
	a := c.opts.Archive
	libRoot := filepath.Join(c.opts.CacheDir, LibDirName)

	var entries []string
	for _, abi := range c.opts.Runtime.ABIs() {
		found, err := a.List(path.Join("lib", abi))
		if err == nil && len(found) > 0 {
			c.native.abi = abi
			entries = found
			break
		}
	}
	c.native.libs = make(map[string]string, len(entries))
	for _, e := range entries {
		c.native.libs[path.Base(e)] = e
	}

	if len(entries) == 0 {
		c.native.resolved = true
		return c.opts.Files.RemoveAll(libRoot)
	}

	if a.IsDir() || c.canUseInPlace(entries) {
		c.native.inPlace = true
		c.native.resolved = true
		c.logger.Debug("native libraries in place", "package", c.pkg, "abi", c.native.abi)
		return c.opts.Files.RemoveAll(libRoot)
	}

	c.native.dir = libRoot
	if c.opts.Shared {
		c.native.dir = filepath.Join(libRoot, c.native.abi)
	}
	if err := c.extractAll(entries); err != nil {
		return err
	}
	c.native.resolved = true
	return nil
}

func (c *Chain) canUseInPlace(entries []string) bool {
	if !c.opts.Runtime.SupportsInArchiveNative() {
		return false
	}
	p := filepath.Clean(c.opts.Archive.Path())
	for _, prefix := range c.opts.ExtractPrefixes {
		if prefix != "" && strings.HasPrefix(p, filepath.Clean(prefix)) {
			return false
		}
	}
	return !slices.ContainsFunc(entries, func(e string) bool { return !c.opts.Archive.Stored(e) })
}

func (c *Chain) extractAll(entries []string) error {
	lock, err := c.opts.Files.Lock(c.opts.CacheDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	keep := make([]string, 0, len(entries))
	for _, e := range entries {
		file := path.Base(e)
		keep = append(keep, file)
		dst := filepath.Join(c.native.dir, file)
		if filestore.Current(dst, c.opts.Stamp) {
			continue
		}
		c.logger.Debug("extract library", "package", c.pkg, "lib", file, "abi", c.native.abi)
		if err := c.opts.Files.Extract(c.opts.Archive.FS(), e, dst, c.opts.Stamp); err != nil {
			return err
		}
	}
	return c.opts.Files.CleanOthers(c.native.dir, keep...)
}
