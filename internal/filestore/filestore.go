// SPDX-License-Identifier: MPL-2.0

package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LockFileName is the lock file kept in every locked directory.
const LockFileName = "lock"

type (
	// Store performs file operations relative to an optional read-only
	// system location.
	Store struct {
		systemPrefix string
		buildTime    time.Time
		logger       *log.Logger
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithSystemLocation marks paths under prefix as read-only system files
// installed at buildTime.
func WithSystemLocation(prefix string, buildTime time.Time) Option {
	return func(s *Store) {
		s.systemPrefix = filepath.Clean(prefix)
		s.buildTime = buildTime
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "filestore", Level: log.WarnLevel}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock creates dir if needed and takes the exclusive lock on dir/lock. The
// call blocks until the lock is available.
func (s *Store) Lock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return acquire(filepath.Join(dir, LockFileName))
}

// IsSystem reports whether path lives under the read-only system location.
func (s *Store) IsSystem(path string) bool {
	if s.systemPrefix == "" || s.systemPrefix == "." {
		return false
	}
	rel, err := filepath.Rel(s.systemPrefix, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Stamp returns the modification time of an archive. Directories report
// their newest file. System files never report a time before the system
// build time, so a reinstalled system image does not roll stamps back.
func (s *Store) Stamp(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	stamp := info.ModTime()
	if info.IsDir() {
		stamp, err = newest(path)
		if err != nil {
			return time.Time{}, err
		}
	}
	if s.IsSystem(path) && stamp.Before(s.buildTime) {
		stamp = s.buildTime
	}
	return stamp, nil
}

func newest(dir string) (time.Time, error) {
	var latest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest, err
}

// CleanOthers removes every entry of dir whose name is not in keep. A
// missing dir is not an error.
func (s *Store) CleanOthers(dir string, keep ...string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	var errs []error
	for _, e := range entries {
		if slices.Contains(keep, e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		s.logger.Debug("remove", "path", p)
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAll removes path and everything below it.
func (s *Store) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Extract copies name out of fsys into dst, then sets dst's modification
// time to stamp. The file appears atomically.
func (s *Store) Extract(fsys fs.FS, name, dst string, stamp time.Time) error {
	src, err := fsys.Open(name)
	if err != nil {
		return fmt.Errorf("extract %s: %w", name, err)
	}
	defer src.Close()
	return s.writeStamped(src, dst, 0o755, stamp)
}

// Copy copies src to dst preserving the modification time.
func (s *Store) Copy(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return s.writeStamped(f, dst, info.Mode().Perm(), info.ModTime())
}

// CopyNewer copies the files of srcDir accepted by match into dstDir when
// the destination is missing or older. It returns the copied destinations.
func (s *Store) CopyNewer(srcDir, dstDir string, match func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", srcDir, err)
	}

	var copied []string
	for _, e := range entries {
		if !e.Type().IsRegular() || (match != nil && !match(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return copied, err
		}
		dst := filepath.Join(dstDir, e.Name())
		if di, err := os.Stat(dst); err == nil && !di.ModTime().Before(info.ModTime()) {
			continue
		}
		if err := s.Copy(filepath.Join(srcDir, e.Name()), dst); err != nil {
			return copied, err
		}
		s.logger.Info("copied", "from", srcDir, "file", e.Name())
		copied = append(copied, dst)
	}
	return copied, nil
}

func (s *Store) writeStamped(r io.Reader, dst string, perm fs.FileMode, stamp time.Time) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if !stamp.IsZero() {
		if err := os.Chtimes(tmp, stamp, stamp); err != nil {
			os.Remove(tmp) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("stamp %s: %w", dst, err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

// Current reports whether path exists with modification time stamp.
func Current(path string, stamp time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && info.ModTime().Equal(stamp)
}
