// SPDX-License-Identifier: MPL-2.0

package styler

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/pkg/resource"
)

type (
	// Resolver translates a resource id through the active overlays.
	// overlay.Mapper implements it.
	Resolver interface {
		Map(id resource.ID, fallbackToSelf bool) (resource.Set, resource.ID, bool)
	}

	// Notifier registers selection listeners. overlay.Mapper implements it.
	Notifier interface {
		OnSelect(fn func()) func()
	}

	// Handle identifies a tracked target.
	Handle uint64

	// Tracker keeps targets styled from resource ids and re-applies them on
	// Refresh. It is safe for concurrent use.
	Tracker struct {
		table    *Table
		resolver Resolver
		logger   *log.Logger

		mu      sync.Mutex
		next    Handle
		tracked map[Handle]tracked
	}

	// TrackerOption configures a Tracker.
	TrackerOption func(*Tracker)

	tracked struct {
		target Target
		attrs  map[string]resource.ID
	}
)

// WithLogger sets the tracker logger.
func WithLogger(l *log.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a Tracker dispatching through table and resolving ids
// through r.
func NewTracker(table *Table, r Resolver, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		table:    table,
		resolver: r,
		logger:   log.New(io.Discard),
		next:     1,
		tracked:  make(map[Handle]tracked),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track applies attrs to target and keeps it for later refreshes. The
// target stays tracked even when applying fails.
func (t *Tracker) Track(target Target, attrs map[string]resource.ID) (Handle, error) {
	t.mu.Lock()
	h := t.next
	t.next++
	t.tracked[h] = tracked{target: target, attrs: maps.Clone(attrs)}
	t.mu.Unlock()

	return h, t.apply(target, attrs)
}

// Untrack forgets h. Unknown handles are ignored.
func (t *Tracker) Untrack(h Handle) {
	t.mu.Lock()
	delete(t.tracked, h)
	t.mu.Unlock()
}

// Len returns the number of tracked targets.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Refresh re-applies every tracked target in tracking order.
func (t *Tracker) Refresh() error {
	t.mu.Lock()
	handles := slices.Sorted(maps.Keys(t.tracked))
	items := make([]tracked, len(handles))
	for i, h := range handles {
		items[i] = t.tracked[h]
	}
	t.mu.Unlock()

	var errs []error
	for _, it := range items {
		if err := t.apply(it.target, it.attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bind refreshes t whenever n reports a selection change. The returned
// function undoes the binding.
func (t *Tracker) Bind(n Notifier) func() {
	return n.OnSelect(func() {
		if err := t.Refresh(); err != nil {
			t.logger.Warn("refresh styled targets", "err", err)
		}
	})
}

func (t *Tracker) apply(target Target, attrs map[string]resource.ID) error {
	values := make(map[string]string, len(attrs))
	var errs []error
	for name, id := range attrs {
		set, mapped, ok := t.resolver.Map(id, true)
		if !ok {
			errs = append(errs, fmt.Errorf("resource %s unresolved", id))
			continue
		}
		v, ok := set.Value(mapped)
		if !ok {
			errs = append(errs, fmt.Errorf("resource %s has no value in %s", mapped, set.Package()))
			continue
		}
		values[name] = v
	}
	if err := t.table.Apply(target, values); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
