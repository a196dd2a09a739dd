// SPDX-License-Identifier: MPL-2.0

package styler

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownKind is returned for kinds that were never defined.
	ErrUnknownKind = errors.New("unknown kind")
	// ErrDuplicateKind is returned when a kind is defined twice.
	ErrDuplicateKind = errors.New("kind already defined")
	// ErrNoApplier is returned when no kind in a chain handles an attribute.
	ErrNoApplier = errors.New("no applier for attribute")
)

type (
	// Kind tags a family of targets.
	Kind string

	// Target is something attributes can be applied to.
	Target interface {
		Kind() Kind
	}

	// Applier sets one attribute on t.
	Applier func(t Target, value string) error

	// Table dispatches attributes by kind. It is safe for concurrent use.
	Table struct {
		mu       sync.RWMutex
		chains   map[Kind][]Kind
		handlers map[Kind]map[string]Applier
	}
)

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		chains:   make(map[Kind][]Kind),
		handlers: make(map[Kind]map[string]Applier),
	}
}

// Define declares kind with an optional parent. The parent must already be
// defined; the chain of kind is fixed at this point.
func (t *Table) Define(kind, parent Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.chains[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	chain := []Kind{kind}
	if parent != "" {
		base, ok := t.chains[parent]
		if !ok {
			return fmt.Errorf("%w: %s (parent of %s)", ErrUnknownKind, parent, kind)
		}
		chain = append(chain, base...)
	}
	t.chains[kind] = chain
	return nil
}

// Handle registers fn for attr on kind.
func (t *Table) Handle(kind Kind, attr string, fn Applier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.chains[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if t.handlers[kind] == nil {
		t.handlers[kind] = make(map[string]Applier)
	}
	t.handlers[kind][attr] = fn
	return nil
}

// Chain returns kind followed by its ancestors.
func (t *Table) Chain(kind Kind) []Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.chains[kind])
}

// Lookup returns the nearest applier for attr along the chain of kind.
func (t *Table) Lookup(kind Kind, attr string) (Applier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, k := range t.chains[kind] {
		if fn, ok := t.handlers[k][attr]; ok {
			return fn, true
		}
	}
	return nil, false
}

// Apply sets every attribute of attrs on target in sorted attribute order.
func (t *Table) Apply(target Target, attrs map[string]string) error {
	var errs []error
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fn, ok := t.Lookup(target.Kind(), name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s on %s", ErrNoApplier, name, target.Kind()))
			continue
		}
		if err := fn(target, attrs[name]); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
