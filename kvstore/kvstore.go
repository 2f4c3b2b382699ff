// SPDX-License-Identifier: MIT

package kvstore

import (
	"bytes"
	"context"
	"iter"
	"slices"
)

// TableDescriptor names a table and the column families it accepts.
type TableDescriptor struct {
	Name     string
	Families []string
}

// validate checks the descriptor shape; family names must be unique and non-empty.
func (d TableDescriptor) validate() error {
	if d.Name == "" || len(d.Families) == 0 {
		return ErrInvalidTable
	}
	seen := make(map[string]struct{}, len(d.Families))
	for _, f := range d.Families {
		if f == "" {
			return ErrInvalidTable
		}
		if _, dup := seen[f]; dup {
			return ErrInvalidTable
		}
		seen[f] = struct{}{}
	}

	return nil
}

// Admin is the table administration surface.
type Admin interface {
	// TableExists reports whether a table with this name exists (enabled or not).
	TableExists(ctx context.Context, name string) (bool, error)

	// CreateTable creates an enabled, empty table.
	CreateTable(ctx context.Context, desc TableDescriptor) error

	// DisableTable requests that the table be taken offline. The request may
	// complete asynchronously; poll IsTableEnabled until it reports false.
	DisableTable(ctx context.Context, name string) error

	// IsTableEnabled reports whether the table still accepts data operations.
	IsTableEnabled(ctx context.Context, name string) (bool, error)

	// DeleteTable drops a disabled table and all of its rows.
	DeleteTable(ctx context.Context, name string) error

	// ListTables returns all table names in ascending order.
	ListTables(ctx context.Context) ([]string, error)
}

// Table is the data surface of one table.
type Table interface {
	// Name returns the table name.
	Name() string

	// Get reads one row, restricted to families when given. A missing row
	// yields an empty Result, not an error.
	Get(ctx context.Context, row []byte, families ...string) (*Result, error)

	// Put applies every cell of m to its row atomically.
	Put(ctx context.Context, m *Mutation) error

	// Increment atomically adds delta to an 8-byte counter cell (absent = 0)
	// and returns the new value.
	Increment(ctx context.Context, row []byte, family, qualifier string, delta int64) (int64, error)

	// Delete removes a row, or only the families/columns named by d.
	Delete(ctx context.Context, d *Deletion) error

	// Scan yields rows in ascending key order. Rows with no selected cells
	// are skipped. The sequence stops at the first error.
	Scan(ctx context.Context, s Scan) iter.Seq2[*Result, error]
}

// Store bundles administration and table access for one backend.
type Store interface {
	Admin

	// Table opens a handle on an existing table.
	Table(ctx context.Context, name string) (Table, error)

	// Close releases backend resources.
	Close() error
}

// Column addresses one cell inside a row.
type Column struct {
	Family    string
	Qualifier string
}

// Scan describes a range read. StartRow is inclusive, StopRow exclusive;
// empty bounds are open. With no Families and no Columns every cell is
// selected; otherwise a cell is selected when its family is listed in
// Families or its (family, qualifier) pair is listed in Columns.
type Scan struct {
	StartRow []byte
	StopRow  []byte
	Families []string
	Columns  []Column
}

// selects reports whether the cell (family, qualifier) passes the filter.
func (s *Scan) selects(family, qualifier string) bool {
	if len(s.Families) == 0 && len(s.Columns) == 0 {
		return true
	}
	if slices.Contains(s.Families, family) {
		return true
	}
	for _, c := range s.Columns {
		if c.Family == family && c.Qualifier == qualifier {
			return true
		}
	}

	return false
}

// inRange reports whether row falls inside [StartRow, StopRow).
func (s *Scan) inRange(row []byte) bool {
	if len(s.StartRow) > 0 && bytes.Compare(row, s.StartRow) < 0 {
		return false
	}
	if len(s.StopRow) > 0 && bytes.Compare(row, s.StopRow) >= 0 {
		return false
	}

	return true
}

// families returns every family the filter touches, for backend validation.
func (s *Scan) families() []string {
	out := slices.Clone(s.Families)
	for _, c := range s.Columns {
		if !slices.Contains(out, c.Family) {
			out = append(out, c.Family)
		}
	}

	return out
}

// Result is one row as returned by Get or Scan.
type Result struct {
	Row   []byte
	cells map[string]map[string][]byte
}

// NewResult returns an empty result for row.
func NewResult(row []byte) *Result {
	return &Result{Row: row, cells: make(map[string]map[string][]byte)}
}

// Value returns the cell value or nil when the cell is absent.
func (r *Result) Value(family, qualifier string) []byte {
	if r == nil {
		return nil
	}

	return r.cells[family][qualifier]
}

// Family returns the qualifier → value map of one family. The map is owned
// by the result; callers must not modify it.
func (r *Result) Family(family string) map[string][]byte {
	if r == nil {
		return nil
	}

	return r.cells[family]
}

// Empty reports whether the result carries no cells.
func (r *Result) Empty() bool {
	return r == nil || len(r.cells) == 0
}

// Len returns the number of cells in the result.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, fam := range r.cells {
		n += len(fam)
	}

	return n
}

// Add stores a cell in the result. Backends use it while assembling rows.
func (r *Result) Add(family, qualifier string, value []byte) {
	fam, ok := r.cells[family]
	if !ok {
		fam = make(map[string][]byte)
		r.cells[family] = fam
	}
	fam[qualifier] = value
}

// Mutation collects the cells of a single-row atomic put.
type Mutation struct {
	Row   []byte
	cells []cell
}

type cell struct {
	family, qualifier string
	value             []byte
}

// NewMutation starts a put against row.
func NewMutation(row []byte) *Mutation {
	return &Mutation{Row: row}
}

// Set adds a cell; later Sets of the same cell win.
func (m *Mutation) Set(family, qualifier string, value []byte) *Mutation {
	m.cells = append(m.cells, cell{family: family, qualifier: qualifier, value: value})

	return m
}

// Len returns the number of cells queued.
func (m *Mutation) Len() int { return len(m.cells) }

// Each calls fn for every queued cell in insertion order.
func (m *Mutation) Each(fn func(family, qualifier string, value []byte)) {
	for _, c := range m.cells {
		fn(c.family, c.qualifier, c.value)
	}
}

// Deletion selects what to remove from one row. With no families and no
// columns the whole row is removed.
type Deletion struct {
	Row      []byte
	families []string
	columns  []Column
}

// NewDeletion starts a delete against row.
func NewDeletion(row []byte) *Deletion {
	return &Deletion{Row: row}
}

// Family restricts the deletion to a whole family.
func (d *Deletion) Family(family string) *Deletion {
	d.families = append(d.families, family)

	return d
}

// Column restricts the deletion to one cell.
func (d *Deletion) Column(family, qualifier string) *Deletion {
	d.columns = append(d.columns, Column{Family: family, Qualifier: qualifier})

	return d
}

// whole reports whether the deletion removes the entire row.
func (d *Deletion) whole() bool {
	return len(d.families) == 0 && len(d.columns) == 0
}

// touched returns every family the deletion names.
func (d *Deletion) touched() []string {
	out := slices.Clone(d.families)
	for _, c := range d.columns {
		if !slices.Contains(out, c.Family) {
			out = append(out, c.Family)
		}
	}

	return out
}

// Collect drains a scan into a slice. Convenient for small ranges and tests.
func Collect(seq iter.Seq2[*Result, error]) ([]*Result, error) {
	var out []*Result
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}

	return out, nil
}
