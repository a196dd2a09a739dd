// SPDX-License-Identifier: MPL-2.0

// Package watch reports changed module archives in the search directories.
//
// Every search directory is watched recursively. Filesystem events are
// mapped to the archive they belong to (a `*.plugin` file or exploded
// directory, directly in the search directory or as `<name>/<name>.plugin`)
// and coalesced for a debounce period, so the callback fires once with the
// set of changed archive paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/plugkit/plugkit/pkg/module"
)

// defaultDebounce is the quiet period before OnChange fires. Copying an
// archive produces a burst of write events that coalesce within it.
const defaultDebounce = 500 * time.Millisecond

// defaultIgnores are always excluded. *.tmp covers the atomic writes of the
// file store and of editors.
var defaultIgnores = []string{
	"**/*.tmp",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

var errRunTwice = errors.New("watch: Run called more than once")

// errorAction is what Run does with an fsnotify error.
type errorAction int

const (
	// actionLog logs the error and keeps watching.
	actionLog errorAction = iota
	// actionRescan reports every archive of the search directories.
	actionRescan
	// actionStop ends Run with the error.
	actionStop
)

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Dirs are the search directories. Missing ones are skipped.
		Dirs []string

		// Ignore are additional doublestar patterns, matched against paths
		// relative to the search directory.
		Ignore []string

		// Debounce is the quiet period after the last event. Zero or negative
		// values fall back to defaultDebounce.
		Debounce time.Duration

		// OnChange receives the sorted absolute paths of the changed archives.
		OnChange func(ctx context.Context, archives []string) error

		Logger *log.Logger
	}

	// Watcher monitors search directories. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		dirs     []string
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}
)

// New creates a Watcher and registers every existing, non-ignored
// directory below the search directories.
func New(cfg Config) (*Watcher, error) {
	if err := validatePatterns(cfg.Ignore); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	dirs := make([]string, 0, len(cfg.Dirs))
	for _, d := range cfg.Dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", d, err)
		}
		dirs = append(dirs, abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		dirs:     dirs,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		logger:   logger,
	}
	for _, d := range dirs {
		if err := w.addTree(d); err != nil {
			fsw.Close() //nolint:errcheck // init error wins
			return nil, err
		}
	}
	return w, nil
}

// Dirs returns the absolute search directories.
func (w *Watcher) Dirs() []string { return slices.Clone(w.dirs) }

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errRunTwice
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire may run after cancellation; a callback still running when the
	// next window closes defers the batch by one more window.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			w.logger.Debug("callback busy, retrying")
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		w.logger.Info("archives changed", "count", len(changed))
		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				w.logger.Error("change callback", "err", err)
			}
		}
	}

	// schedule (re)starts the debounce window. Callers hold mu.
	schedule := func() {
		if timer == nil {
			timer = time.AfterFunc(w.debounce, fire)
		} else {
			timer.Reset(w.debounce)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			archive, ok := w.archiveOf(evt.Name)
			if !ok {
				continue
			}
			w.logger.Debug("event", "op", evt.Op.String(), "path", evt.Name, "archive", archive)

			mu.Lock()
			pending[archive] = struct{}{}
			schedule()
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			switch classifyError(err) {
			case actionStop:
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			case actionRescan:
				archives := w.archives()
				w.logger.Warn("events lost, rescanning", "err", err, "archives", len(archives))
				mu.Lock()
				for _, a := range archives {
					pending[a] = struct{}{}
				}
				schedule()
				mu.Unlock()
			default:
				w.logger.Warn("fsnotify error", "err", err)
			}
		}
	}
}

// archiveOf maps a path below a search directory to its archive: the first
// path element when it is an archive, or <name>/<name>.plugin.
func (w *Watcher) archiveOf(path string) (string, bool) {
	for _, dir := range w.dirs {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if w.isIgnored(rel) {
			return "", false
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		switch {
		case module.IsArchiveName(parts[0]):
			return filepath.Join(dir, parts[0]), true
		case len(parts) > 1 && parts[1] == parts[0]+module.ArchiveExt:
			return filepath.Join(dir, parts[0], parts[1]), true
		}
		return "", false
	}
	return "", false
}

// archives lists the archives currently present in the search directories.
func (w *Watcher) archives() []string {
	var out []string
	for _, dir := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if w.isIgnored(name) {
				continue
			}
			if module.IsArchiveName(name) {
				out = append(out, filepath.Join(dir, name))
				continue
			}
			nested := filepath.Join(dir, name, name+module.ArchiveExt)
			if _, err := os.Stat(nested); e.IsDir() && err == nil {
				out = append(out, nested)
			}
		}
	}
	return out
}

// addTree registers root and every non-ignored directory below it. A
// missing root is skipped.
func (w *Watcher) addTree(root string) error {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("search dir missing, not watched", "dir", root)
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "err", walkErr)
			return nil //nolint:nilerr // inaccessible paths are skipped
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(root, path); rel != "." && w.isIgnored(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", root, err)
	}
	return nil
}

// maybeAddDir extends the watch to directories created after startup, such
// as a freshly unpacked archive.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("add new directory", "path", path, "err", err)
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if matched, err := doublestar.Match(pat, normalized); err == nil && matched {
			return true
		}
	}
	return false
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func validatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid ignore pattern %q: %w", pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
