// SPDX-License-Identifier: MPL-2.0

package resource

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"

	"github.com/plugkit/plugkit/pkg/cueutil"
)

// FileName is the resource table's location inside an archive.
const FileName = "resources.cue"

//go:embed resource_schema.cue
var resourceSchema []byte

var (
	// ErrInvalidTable is returned when a resource table cannot be built.
	ErrInvalidTable = errors.New("invalid resource table")
)

type (
	// ID is an opaque resource identifier. Zero means "no resource".
	ID uint32

	// Entry is one resource of a table.
	Entry struct {
		Name   string
		ID     ID
		Value  string
		Values map[string]string
	}

	// Configuration selects between qualified resource values.
	Configuration struct {
		Locale string
	}

	// Set is a read-only view over a module's resources.
	Set interface {
		Package() string
		Lookup(name string) (ID, bool)
		Name(id ID) (string, bool)
		Value(id ID) (string, bool)
		Entries() []Entry
	}

	// Configurable is implemented by sets whose values depend on the active
	// configuration.
	Configurable interface {
		Configure(c Configuration)
	}

	// Table is the Set parsed from an archive.
	Table struct {
		pkg    string
		byID   map[ID]Entry
		byName map[string]ID
		order  []ID

		mu     sync.RWMutex
		config Configuration
	}

	fileResources struct {
		Resources []fileEntry `json:"resources,omitempty"`
	}

	fileEntry struct {
		Name   string            `json:"name"`
		ID     int64             `json:"id"`
		Value  string            `json:"value,omitempty"`
		Values map[string]string `json:"values,omitempty"`
	}
)

// String renders the id in hex, the way ids are written in resource tables.
func (id ID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// NewTable builds a table for pkg. Names and ids must be unique and ids
// non-zero.
func NewTable(pkg string, entries []Entry) (*Table, error) {
	t := &Table{
		pkg:    pkg,
		byID:   make(map[ID]Entry, len(entries)),
		byName: make(map[string]ID, len(entries)),
		order:  make([]ID, 0, len(entries)),
	}
	for _, e := range entries {
		if e.ID == 0 {
			return nil, fmt.Errorf("%w: %s: resource %q has id 0", ErrInvalidTable, pkg, e.Name)
		}
		if prev, ok := t.byID[e.ID]; ok {
			return nil, fmt.Errorf("%w: %s: id %s used by %q and %q", ErrInvalidTable, pkg, e.ID, prev.Name, e.Name)
		}
		if _, ok := t.byName[e.Name]; ok {
			return nil, fmt.Errorf("%w: %s: duplicate resource name %q", ErrInvalidTable, pkg, e.Name)
		}
		t.byID[e.ID] = e
		t.byName[e.Name] = e.ID
		t.order = append(t.order, e.ID)
	}
	return t, nil
}

// Parse decodes a resources.cue document.
func Parse(pkg string, data []byte, filename string) (*Table, error) {
	result, err := cueutil.ParseAndDecode[fileResources](resourceSchema, data, "#Resources", cueutil.WithFilename(filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	entries := make([]Entry, 0, len(result.Value.Resources))
	for _, fe := range result.Value.Resources {
		entries = append(entries, Entry{
			Name:   fe.Name,
			ID:     ID(fe.ID),
			Value:  fe.Value,
			Values: fe.Values,
		})
	}
	return NewTable(pkg, entries)
}

// Load reads the table from an archive file system. An archive without a
// resource table yields an empty table.
func Load(pkg string, fsys fs.FS) (*Table, error) {
	data, err := fs.ReadFile(fsys, FileName)
	if errors.Is(err, fs.ErrNotExist) {
		return NewTable(pkg, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	return Parse(pkg, data, FileName)
}

// Package returns the owning module's package.
func (t *Table) Package() string { return t.pkg }

// Lookup returns the id registered for name.
func (t *Table) Lookup(name string) (ID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the symbolic name of id.
func (t *Table) Name(id ID) (string, bool) {
	e, ok := t.byID[id]
	return e.Name, ok
}

// Value returns the value of id under the current configuration. A locale
// qualified value wins over the language-only one, which wins over the
// default.
func (t *Table) Value(id ID) (string, bool) {
	e, ok := t.byID[id]
	if !ok {
		return "", false
	}
	t.mu.RLock()
	locale := t.config.Locale
	t.mu.RUnlock()
	return e.resolve(locale), true
}

// Entries returns all resources in declaration order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Len returns the number of resources.
func (t *Table) Len() int { return len(t.order) }

// Configure switches the active configuration.
func (t *Table) Configure(c Configuration) {
	t.mu.Lock()
	t.config = c
	t.mu.Unlock()
}

// Configuration returns the active configuration.
func (t *Table) Configuration() Configuration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

func (e Entry) resolve(locale string) string {
	if locale == "" || len(e.Values) == 0 {
		return e.Value
	}
	if v, ok := e.Values[locale]; ok {
		return v
	}
	if lang, _, found := strings.Cut(locale, "-"); found {
		if v, ok := e.Values[lang]; ok {
			return v
		}
	}
	return e.Value
}

// Names returns the sorted resource names of s.
func Names(s Set) []string {
	entries := s.Entries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	slices.Sort(names)
	return names
}
