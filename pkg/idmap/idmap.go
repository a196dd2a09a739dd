// SPDX-License-Identifier: MPL-2.0

package idmap

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/pkg/resource"
)

// FileExt is the extension of persisted tables.
const FileExt = ".idmap"

var (
	magic = [8]byte{'P', 'K', 'I', 'D', 'M', 'A', 'P', 1}

	// ErrBadFormat is returned for files that are not idmap tables.
	ErrBadFormat = errors.New("bad idmap format")
)

type (
	// Request describes one target/overlay pair.
	Request struct {
		Target       resource.Set
		Overlay      resource.Set
		TargetStamp  time.Time
		OverlayStamp time.Time
		// Path is where the table is persisted. Empty keeps it in memory.
		Path string
	}

	// Handle translates target ids into overlay ids. Translate returns 0
	// for ids the overlay does not provide.
	Handle interface {
		Translate(id resource.ID) resource.ID
		Close() error
	}

	// Service builds handles.
	Service interface {
		Build(req Request) (Handle, error)
	}

	// Header is the persisted table preamble.
	Header struct {
		TargetStamp  time.Time
		OverlayStamp time.Time
	}

	// Table is an in-memory translation table.
	Table struct {
		pairs map[resource.ID]resource.ID
	}

	// FileService is the name-matching Service.
	FileService struct {
		logger *log.Logger
	}

	// Option configures a FileService.
	Option func(*FileService)

	pair struct {
		From, To uint32
	}
)

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *FileService) { s.logger = l }
}

// NewFileService creates the default Service.
func NewFileService(opts ...Option) *FileService {
	s := &FileService{
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "idmap", Level: log.WarnLevel}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build returns the persisted table when it is current, otherwise matches
// resources by name and persists the result.
func (s *FileService) Build(req Request) (Handle, error) {
	want := Header{TargetStamp: req.TargetStamp, OverlayStamp: req.OverlayStamp}
	if req.Path != "" {
		table, got, err := ReadFile(req.Path)
		switch {
		case err == nil && got.matches(want):
			s.logger.Debug("reuse idmap", "path", req.Path, "entries", table.Len())
			return table, nil
		case err == nil:
			s.logger.Debug("idmap stale", "path", req.Path)
		case !errors.Is(err, os.ErrNotExist):
			s.logger.Warn("discard unreadable idmap", "path", req.Path, "err", err)
		}
	}

	table := Match(req.Target, req.Overlay)
	if req.Path != "" {
		if err := WriteFile(req.Path, want, table); err != nil {
			return nil, err
		}
		s.logger.Debug("wrote idmap", "path", req.Path, "entries", table.Len())
	}
	return table, nil
}

// Match pairs every target resource with the overlay resource of the same
// name.
func Match(target, overlay resource.Set) *Table {
	t := &Table{pairs: make(map[resource.ID]resource.ID)}
	for _, e := range target.Entries() {
		if id, ok := overlay.Lookup(e.Name); ok {
			t.pairs[e.ID] = id
		}
	}
	return t
}

// Translate implements Handle.
func (t *Table) Translate(id resource.ID) resource.ID {
	return t.pairs[id]
}

// Len returns the number of mapped ids.
func (t *Table) Len() int { return len(t.pairs) }

// IDs returns the mapped target ids in ascending order.
func (t *Table) IDs() []resource.ID { return slices.Sorted(maps.Keys(t.pairs)) }

// Close implements Handle.
func (t *Table) Close() error { return nil }

func (h Header) matches(o Header) bool {
	return h.TargetStamp.Equal(o.TargetStamp) && h.OverlayStamp.Equal(o.OverlayStamp)
}

// ReadFile loads a persisted table.
func ReadFile(path string) (*Table, Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Header{}, err
	}
	return decode(bytes.NewReader(data))
}

func decode(r *bytes.Reader) (*Table, Header, error) {
	var (
		m      [8]byte
		stamps [2]int64
		count  uint32
	)
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil || m != magic {
		return nil, Header{}, ErrBadFormat
	}
	if err := binary.Read(r, binary.LittleEndian, &stamps); err != nil {
		return nil, Header{}, fmt.Errorf("%w: header: %w", ErrBadFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, Header{}, fmt.Errorf("%w: count: %w", ErrBadFormat, err)
	}
	if int64(count)*8 != int64(r.Len()) {
		return nil, Header{}, fmt.Errorf("%w: %d entries declared, %d bytes left", ErrBadFormat, count, r.Len())
	}
	pairs := make([]pair, count)
	if err := binary.Read(r, binary.LittleEndian, pairs); err != nil {
		return nil, Header{}, fmt.Errorf("%w: entries: %w", ErrBadFormat, err)
	}

	t := &Table{pairs: make(map[resource.ID]resource.ID, count)}
	for _, p := range pairs {
		t.pairs[resource.ID(p.From)] = resource.ID(p.To)
	}
	h := Header{
		TargetStamp:  fromNanos(stamps[0]),
		OverlayStamp: fromNanos(stamps[1]),
	}
	return t, h, nil
}

// WriteFile persists t through a temp file and rename.
func WriteFile(path string, h Header, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create idmap directory: %w", err)
	}

	pairs := make([]pair, 0, len(t.pairs))
	for from, to := range t.pairs {
		pairs = append(pairs, pair{From: uint32(from), To: uint32(to)})
	}
	slices.SortFunc(pairs, func(a, b pair) int { return cmp.Compare(a.From, b.From) })

	var buf bytes.Buffer
	buf.Write(magic[:])
	stamps := [2]int64{toNanos(h.TargetStamp), toNanos(h.OverlayStamp)}
	// bytes.Buffer writes cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, stamps)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pairs)))
	_ = binary.Write(&buf, binary.LittleEndian, pairs)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write idmap: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write idmap: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
