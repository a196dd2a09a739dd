// SPDX-License-Identifier: MPL-2.0

// Package overlay implements the per-target resource indirection used by
// overlay modules.
//
// A Mapper belongs to one target module. Overlays are attached while the
// target starts; a subset of them is then selected, in priority order. A
// lookup walks the selection and returns the first overlay whose id table
// translates the requested id.
package overlay

import (
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/pkg/idmap"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/resource"
)

type (
	// Source is one side of a mapping.
	Source interface {
		Package() module.PackageName
		Resources() resource.Set
		// Stamp returns the archive stamp used to detect a changed archive.
		Stamp() time.Time
	}

	// Locker serialises table builds across processes.
	Locker interface {
		Lock(dir string) (*filestore.Lock, error)
	}

	// Mapper routes resource lookups of a target through its selected
	// overlays. Map is safe for concurrent use.
	Mapper struct {
		target  Source
		service idmap.Service
		locker  Locker
		lockDir string
		logger  *log.Logger
		group   singleflight.Group

		mu        sync.RWMutex
		order     []module.PackageName
		attached  map[module.PackageName]*attachment
		selected  []*attachment
		listeners map[int]func()
		nextID    int
	}

	// Option configures a Mapper.
	Option func(*Mapper)

	attachment struct {
		overlay Source
		path    string

		mu           sync.Mutex
		handle       idmap.Handle
		targetStamp  time.Time
		overlayStamp time.Time
		builds       int
	}
)

// WithService sets the id map service. Defaults to idmap.NewFileService.
func WithService(s idmap.Service) Option {
	return func(m *Mapper) { m.service = s }
}

// WithLock guards table builds with the lock of dir.
func WithLock(l Locker, dir string) Option {
	return func(m *Mapper) {
		m.locker = l
		m.lockDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Mapper) { m.logger = l }
}

// New creates a Mapper for target with nothing attached.
func New(target Source, opts ...Option) *Mapper {
	m := &Mapper{
		target:    target,
		logger:    log.New(io.Discard),
		attached:  make(map[module.PackageName]*attachment),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.service == nil {
		m.service = idmap.NewFileService(idmap.WithLogger(m.logger))
	}
	return m
}

// Target returns the target package.
func (m *Mapper) Target() module.PackageName { return m.target.Package() }

// Attach registers overlay with its persisted table location. Attaching the
// same package again replaces the previous attachment.
func (m *Mapper) Attach(overlay Source, idmapPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := overlay.Package()
	if old, ok := m.attached[name]; ok {
		old.release()
	} else {
		m.order = append(m.order, name)
	}
	a := &attachment{overlay: overlay, path: idmapPath}
	m.attached[name] = a
	for i, s := range m.selected {
		if s.overlay.Package() == name {
			m.selected[i] = a
		}
	}
}

// Attached lists the attached overlays in attach order.
func (m *Mapper) Attached() []module.PackageName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Select replaces the selection. Unknown and repeated names are ignored.
// It returns the installed selection and notifies the listeners.
func (m *Mapper) Select(names ...module.PackageName) []module.PackageName {
	m.mu.Lock()
	sel := make([]*attachment, 0, len(names))
	installed := make([]module.PackageName, 0, len(names))
	for _, n := range names {
		a, ok := m.attached[n]
		if !ok || slices.Contains(installed, n) {
			continue
		}
		sel = append(sel, a)
		installed = append(installed, n)
	}
	m.selected = sel
	listeners := make([]func(), 0, len(m.listeners))
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Debug("select overlays", "target", m.target.Package(), "selected", installed)
	for _, fn := range listeners {
		fn()
	}
	return installed
}

// Selected returns the active selection in priority order.
func (m *Mapper) Selected() []module.PackageName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]module.PackageName, len(m.selected))
	for i, a := range m.selected {
		out[i] = a.overlay.Package()
	}
	return out
}

// HasSelection reports whether any overlay is selected.
func (m *Mapper) HasSelection() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.selected) > 0
}

// OnSelect registers fn to run after every selection change. The returned
// function unregisters it.
func (m *Mapper) OnSelect(fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Map resolves id through the selection. The first overlay translating id to
// a non-zero id wins. Otherwise the target's own set and id are returned
// when fallbackToSelf is set.
func (m *Mapper) Map(id resource.ID, fallbackToSelf bool) (resource.Set, resource.ID, bool) {
	m.mu.RLock()
	sel := m.selected
	m.mu.RUnlock()

	for _, a := range sel {
		h, err := m.handle(a)
		if err != nil {
			m.logger.Warn("id map unavailable", "target", m.target.Package(), "overlay", a.overlay.Package(), "err", err)
			continue
		}
		if to := h.Translate(id); to != 0 {
			return a.overlay.Resources(), to, true
		}
	}
	if fallbackToSelf {
		return m.target.Resources(), id, true
	}
	return nil, 0, false
}

// Configure pushes c to the target's and every attached overlay's
// resources.
func (m *Mapper) Configure(c resource.Configuration) {
	configure(m.target.Resources(), c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attached {
		configure(a.overlay.Resources(), c)
	}
}

// Builds returns how many tables were built for overlay.
func (m *Mapper) Builds(overlay module.PackageName) int {
	m.mu.RLock()
	a, ok := m.attached[overlay]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.builds
}

// Close releases every handle and drops all attachments.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attached {
		a.release()
	}
	clear(m.attached)
	clear(m.listeners)
	m.order = nil
	m.selected = nil
	return nil
}

// handle returns a's table, building it when missing or when either
// archive changed since it was built. Concurrent callers share one build.
func (m *Mapper) handle(a *attachment) (idmap.Handle, error) {
	tStamp, oStamp := m.target.Stamp(), a.overlay.Stamp()
	if h := a.current(tStamp, oStamp); h != nil {
		return h, nil
	}

	v, err, _ := m.group.Do(string(a.overlay.Package()), func() (any, error) {
		if h := a.current(tStamp, oStamp); h != nil {
			return h, nil
		}
		if m.locker != nil {
			lock, err := m.locker.Lock(m.lockDir)
			if err != nil {
				return nil, err
			}
			defer lock.Release()
		}
		h, err := m.service.Build(idmap.Request{
			Target:       m.target.Resources(),
			Overlay:      a.overlay.Resources(),
			TargetStamp:  tStamp,
			OverlayStamp: oStamp,
			Path:         a.path,
		})
		if err != nil {
			return nil, err
		}
		a.install(h, tStamp, oStamp)
		m.logger.Debug("id map ready", "target", m.target.Package(), "overlay", a.overlay.Package())
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(idmap.Handle), nil
}

func (a *attachment) current(tStamp, oStamp time.Time) idmap.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil && a.targetStamp.Equal(tStamp) && a.overlayStamp.Equal(oStamp) {
		return a.handle
	}
	return nil
}

func (a *attachment) install(h idmap.Handle, tStamp, oStamp time.Time) {
	a.mu.Lock()
	old := a.handle
	a.handle, a.targetStamp, a.overlayStamp = h, tStamp, oStamp
	a.builds++
	a.mu.Unlock()
	if old != nil {
		old.Close() //nolint:errcheck // replaced table
	}
}

func (a *attachment) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		a.handle.Close() //nolint:errcheck // released on teardown
		a.handle = nil
	}
}

func configure(s resource.Set, c resource.Configuration) {
	if cfg, ok := s.(resource.Configurable); ok {
		cfg.Configure(c)
	}
}
