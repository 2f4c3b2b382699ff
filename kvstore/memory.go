// SPDX-License-Identifier: MIT

package kvstore

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithDisableDelay makes DisableTable asynchronous: the table keeps
// reporting enabled for the next polls calls to IsTableEnabled. Mirrors
// region servers that take a while to close a table.
func WithDisableDelay(polls int) MemoryOption {
	if polls < 0 {
		panic("kvstore: WithDisableDelay: polls must be >= 0")
	}

	return func(m *Memory) { m.disableDelay = polls }
}

// WithMemoryLogger sets the logger used for admin events.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.logger = l
		}
	}
}

// Memory is an in-process Store. All tables share one lock; rows are kept
// in a sorted key slice next to a map for O(log n) range starts.
type Memory struct {
	mu           sync.RWMutex
	tables       map[string]*memTable
	disableDelay int
	logger       *slog.Logger
	closed       bool
}

type memTable struct {
	families  map[string]struct{}
	enabled   bool
	disabling bool
	pending   int // IsTableEnabled polls left before a requested disable lands
	keys      []string
	rows      map[string]map[string]map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tables: make(map[string]*memTable),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// TableExists implements Admin.
func (m *Memory) TableExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.tables[name]

	return ok, nil
}

// CreateTable implements Admin.
func (m *Memory) CreateTable(_ context.Context, desc TableDescriptor) error {
	if err := desc.validate(); err != nil {
		return storeErrorf("CreateTable", desc.Name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tables[desc.Name]; ok {
		return storeErrorf("CreateTable", desc.Name, ErrTableExists)
	}
	t := &memTable{
		families: make(map[string]struct{}, len(desc.Families)),
		enabled:  true,
		rows:     make(map[string]map[string]map[string][]byte),
	}
	for _, f := range desc.Families {
		t.families[f] = struct{}{}
	}
	m.tables[desc.Name] = t
	m.logger.Debug("table created", "table", desc.Name, "families", desc.Families)

	return nil
}

// DisableTable implements Admin.
func (m *Memory) DisableTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup("DisableTable", name)
	if err != nil {
		return err
	}
	if !t.enabled || t.disabling {
		return nil
	}
	if m.disableDelay == 0 {
		t.enabled = false
		return nil
	}
	t.disabling = true
	t.pending = m.disableDelay

	return nil
}

// IsTableEnabled implements Admin.
func (m *Memory) IsTableEnabled(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup("IsTableEnabled", name)
	if err != nil {
		return false, err
	}
	if t.disabling {
		if t.pending > 0 {
			t.pending--
			return true, nil
		}
		t.disabling = false
		t.enabled = false
	}

	return t.enabled, nil
}

// DeleteTable implements Admin.
func (m *Memory) DeleteTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup("DeleteTable", name)
	if err != nil {
		return err
	}
	if t.enabled {
		return storeErrorf("DeleteTable", name, ErrTableEnabled)
	}
	delete(m.tables, name)
	m.logger.Debug("table deleted", "table", name)

	return nil
}

// ListTables implements Admin.
func (m *Memory) ListTables(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)

	return names, nil
}

// Table implements Store.
func (m *Memory) Table(_ context.Context, name string) (Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.lookup("Table", name); err != nil {
		return nil, err
	}

	return &memHandle{store: m, name: name}, nil
}

// Close implements Store. Later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tables = nil

	return nil
}

// lookup resolves a table; the caller holds m.mu.
func (m *Memory) lookup(op, name string) (*memTable, error) {
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tables[name]
	if !ok {
		return nil, storeErrorf(op, name, ErrTableNotFound)
	}

	return t, nil
}

// live resolves an enabled table whose families include every name in fams.
func (m *Memory) live(op, name string, fams []string) (*memTable, error) {
	t, err := m.lookup(op, name)
	if err != nil {
		return nil, err
	}
	if !t.enabled {
		return nil, storeErrorf(op, name, ErrTableDisabled)
	}
	for _, f := range fams {
		if _, ok := t.families[f]; !ok {
			return nil, storeErrorf(op, name, ErrUnknownFamily)
		}
	}

	return t, nil
}

// memHandle is the Table view of one in-memory table.
type memHandle struct {
	store *Memory
	name  string
}

func (h *memHandle) Name() string { return h.name }

func (h *memHandle) Get(_ context.Context, row []byte, families ...string) (*Result, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	t, err := h.store.live("Get", h.name, families)
	if err != nil {
		return nil, err
	}
	s := Scan{Families: families}
	res := NewResult(slices.Clone(row))
	for fam, quals := range t.rows[string(row)] {
		for q, v := range quals {
			if s.selects(fam, q) {
				res.Add(fam, q, slices.Clone(v))
			}
		}
	}

	return res, nil
}

func (h *memHandle) Put(_ context.Context, mu *Mutation) error {
	if len(mu.Row) == 0 {
		return storeErrorf("Put", h.name, ErrEmptyRow)
	}
	if mu.Len() == 0 {
		return nil
	}
	fams := make([]string, 0, 2)
	mu.Each(func(f, _ string, _ []byte) {
		if !slices.Contains(fams, f) {
			fams = append(fams, f)
		}
	})
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	t, err := h.store.live("Put", h.name, fams)
	if err != nil {
		return err
	}
	r := t.row(string(mu.Row))
	mu.Each(func(f, q string, v []byte) {
		fam, ok := r[f]
		if !ok {
			fam = make(map[string][]byte)
			r[f] = fam
		}
		fam[q] = slices.Clone(v)
	})

	return nil
}

func (h *memHandle) Increment(_ context.Context, row []byte, family, qualifier string, delta int64) (int64, error) {
	if len(row) == 0 {
		return 0, storeErrorf("Increment", h.name, ErrEmptyRow)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	t, err := h.store.live("Increment", h.name, []string{family})
	if err != nil {
		return 0, err
	}
	r := t.row(string(row))
	fam, ok := r[family]
	if !ok {
		fam = make(map[string][]byte)
		r[family] = fam
	}
	v, enc, err := addCounter(fam[qualifier], delta)
	if err != nil {
		return 0, storeErrorf("Increment", h.name, err)
	}
	fam[qualifier] = enc

	return v, nil
}

func (h *memHandle) Delete(_ context.Context, d *Deletion) error {
	if len(d.Row) == 0 {
		return storeErrorf("Delete", h.name, ErrEmptyRow)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	t, err := h.store.live("Delete", h.name, d.touched())
	if err != nil {
		return err
	}
	key := string(d.Row)
	r, ok := t.rows[key]
	if !ok {
		return nil
	}
	if d.whole() {
		t.drop(key)
		return nil
	}
	for _, f := range d.families {
		delete(r, f)
	}
	for _, c := range d.columns {
		if fam, ok := r[c.Family]; ok {
			delete(fam, c.Qualifier)
			if len(fam) == 0 {
				delete(r, c.Family)
			}
		}
	}
	if len(r) == 0 {
		t.drop(key)
	}

	return nil
}

// Scan snapshots the selected rows under the read lock and yields them
// after releasing it, so loop bodies may write back into the store.
func (h *memHandle) Scan(_ context.Context, s Scan) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		rows, err := h.snapshot(s)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (h *memHandle) snapshot(s Scan) ([]*Result, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	t, err := h.store.live("Scan", h.name, s.families())
	if err != nil {
		return nil, err
	}
	start := 0
	if len(s.StartRow) > 0 {
		start = sort.SearchStrings(t.keys, string(s.StartRow))
	}
	var out []*Result
	for _, key := range t.keys[start:] {
		if !s.inRange([]byte(key)) {
			break
		}
		res := NewResult([]byte(key))
		for fam, quals := range t.rows[key] {
			for q, v := range quals {
				if s.selects(fam, q) {
					res.Add(fam, q, slices.Clone(v))
				}
			}
		}
		if !res.Empty() {
			out = append(out, res)
		}
	}

	return out, nil
}

// row returns the cell map of key, inserting it in sorted position if new.
func (t *memTable) row(key string) map[string]map[string][]byte {
	r, ok := t.rows[key]
	if ok {
		return r
	}
	r = make(map[string]map[string][]byte)
	t.rows[key] = r
	i := sort.SearchStrings(t.keys, key)
	t.keys = slices.Insert(t.keys, i, key)

	return r
}

// drop removes key from both indexes.
func (t *memTable) drop(key string) {
	delete(t.rows, key)
	i := sort.SearchStrings(t.keys, key)
	if i < len(t.keys) && t.keys[i] == key {
		t.keys = slices.Delete(t.keys, i, i+1)
	}
}
