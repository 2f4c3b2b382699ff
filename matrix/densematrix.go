// SPDX-License-Identifier: MIT

// Package matrix - store-backed DenseMatrix: lifecycle and accessors.
//
// Purpose:
//   - One physical table per matrix, keyed by row index, one column
//     family per concern (cells, metadata, alias info, Jacobi state).
//   - Aliases and reference counts live in the registry; this file only
//     decides when to retain, release or drop.
//
// Reference rules:
//   - Save and the force path of OpenOrCreate take one reference for the alias.
//   - Open takes one more for the handle; Close releases it.
//   - Close on an unsaved matrix drops it unless something else holds a reference.
//   - Load never touches references; Close on it is a no-op.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/registry"
)

// handle kinds.
const (
	kindAnonymous = iota // New*, results of algebra
	kindAliased          // Create/OpenOrCreate(force)
	kindOpened           // Open: holds its own reference
	kindLoaded           // Load: registry untouched
)

// DenseMatrix is a matrix persisted in the table store. Only its shape
// and table handle are held in memory.
type DenseMatrix struct {
	svc   *Service
	table kvstore.Table
	path  string
	rows  int
	cols  int

	mu     sync.Mutex
	kind   int
	alias  string
	closed bool
}

// ---------- constructors ----------

// New creates an anonymous rows×cols matrix with no cells written.
func (s *Service) New(ctx context.Context, rows, cols int) (*DenseMatrix, error) {
	m, err := s.create(ctx, rows, cols)
	if err != nil {
		return nil, matrixErrorf("New", err)
	}

	return m, nil
}

// NewConstant creates a matrix whose every cell is v.
func (s *Service) NewConstant(ctx context.Context, rows, cols int, v float64) (*DenseMatrix, error) {
	if err := validateFinite(v); err != nil {
		return nil, matrixErrorf("NewConstant", err)
	}
	row := make([]float64, cols)
	for j := range row {
		row[j] = v
	}

	return s.fill(ctx, "NewConstant", rows, cols, func(int) []float64 { return row })
}

// Identity creates a matrix with ones on the main diagonal and zeros elsewhere.
func (s *Service) Identity(ctx context.Context, rows, cols int) (*DenseMatrix, error) {
	return s.fill(ctx, "Identity", rows, cols, func(i int) []float64 {
		row := make([]float64, cols)
		if i < cols {
			row[i] = 1
		}
		return row
	})
}

// Random creates a matrix of uniform values in [0, 1). Row i is drawn
// from a PCG stream seeded by (seed, i), so the same seed reproduces the
// same matrix.
func (s *Service) Random(ctx context.Context, rows, cols int, seed int64) (*DenseMatrix, error) {
	return s.fill(ctx, "Random", rows, cols, func(i int) []float64 {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(i)))
		row := make([]float64, cols)
		for j := range row {
			row[j] = rng.Float64()
		}
		return row
	})
}

// FromDense stores d as a new anonymous matrix.
func (s *Service) FromDense(ctx context.Context, d *Dense) (*DenseMatrix, error) {
	if d == nil {
		return nil, matrixErrorf("FromDense", ErrNilMatrix)
	}

	return s.fill(ctx, "FromDense", d.r, d.c, d.RawRowView)
}

func (s *Service) fill(ctx context.Context, op string, rows, cols int, row func(i int) []float64) (*DenseMatrix, error) {
	m, err := s.create(ctx, rows, cols)
	if err != nil {
		return nil, matrixErrorf(op, err)
	}
	for i := 0; i < rows; i++ {
		if err = m.table.Put(ctx, denseMutation(i, familyColumn, row(i))); err != nil {
			return nil, matrixErrorf(op, errors.Join(err, m.Close(ctx)))
		}
	}

	return m, nil
}

// create allocates the table and writes the metadata row.
func (s *Service) create(ctx context.Context, rows, cols int) (*DenseMatrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%dx%d: %w", rows, cols, ErrInvalidDimensions)
	}
	path, err := s.createTable(ctx, registry.MatrixPrefix, matrixFamilies)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Table(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := kvstore.NewMutation(registry.MetadataRow).
		Set(registry.FamilyAttribute, registry.QualifierRows, kvstore.EncodeInt(int64(rows))).
		Set(registry.FamilyAttribute, registry.QualifierColumns, kvstore.EncodeInt(int64(cols))).
		Set(registry.FamilyAttribute, registry.QualifierType, []byte(TypeDense))
	if err = t.Put(ctx, meta); err != nil {
		return nil, err
	}
	s.logger.Debug("matrix created", "path", path, "rows", rows, "cols", cols)

	return &DenseMatrix{svc: s, table: t, path: path, rows: rows, cols: cols, kind: kindAnonymous}, nil
}

// Create makes a fresh rows×cols matrix and binds alias to it, replacing
// (and possibly collecting) any previous target.
func (s *Service) Create(ctx context.Context, alias string, rows, cols int) (*DenseMatrix, error) {
	return s.OpenOrCreate(ctx, alias, true, rows, cols)
}

// Open loads the matrix alias points at and takes a reference for the
// returned handle. A missing alias fails with ErrNotFound.
func (s *Service) Open(ctx context.Context, alias string) (*DenseMatrix, error) {
	return s.OpenOrCreate(ctx, alias, false, 0, 0)
}

// OpenOrCreate is the create-or-load entry point. With force, any
// existing alias is unbound first and a new rows×cols matrix is bound in
// its place. Without force, rows and cols are ignored and the alias must
// exist.
func (s *Service) OpenOrCreate(ctx context.Context, alias string, force bool, rows, cols int) (*DenseMatrix, error) {
	if alias == "" {
		return nil, matrixErrorf("OpenOrCreate", registry.ErrInvalidAlias)
	}
	if force {
		if err := s.registry.Unbind(ctx, alias); err != nil {
			return nil, matrixErrorf("Create", err)
		}
		m, err := s.create(ctx, rows, cols)
		if err != nil {
			return nil, matrixErrorf("Create", err)
		}
		if err = m.bind(ctx, alias); err != nil {
			return nil, matrixErrorf("Create", errors.Join(err, s.registry.Drop(ctx, m.path)))
		}
		m.kind, m.alias = kindAliased, alias
		return m, nil
	}

	path, err := s.registry.Resolve(ctx, alias)
	if errors.Is(err, registry.ErrAliasNotFound) {
		return nil, matrixErrorf("Open", fmt.Errorf("alias %q: %w", alias, ErrNotFound))
	}
	if err != nil {
		return nil, matrixErrorf("Open", err)
	}
	if path == "" {
		return nil, matrixErrorf("Open", fmt.Errorf("alias %q is dangling: %w", alias, ErrNotFound))
	}
	m, err := s.load(ctx, path)
	if err != nil {
		return nil, matrixErrorf("Open", err)
	}
	if _, err = s.registry.Retain(ctx, path); err != nil {
		return nil, matrixErrorf("Open", err)
	}
	m.kind, m.alias = kindOpened, alias
	s.logger.Debug("matrix opened", "alias", alias, "path", path)

	return m, nil
}

// Load opens a matrix by physical path without touching the registry.
// It is meant for batch tasks and tooling; Close on the result is a no-op.
func (s *Service) Load(ctx context.Context, path string) (*DenseMatrix, error) {
	m, err := s.load(ctx, path)
	if err != nil {
		return nil, matrixErrorf("Load", err)
	}

	return m, nil
}

func (s *Service) load(ctx context.Context, path string) (*DenseMatrix, error) {
	ok, err := s.store.TableExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("table %q: %w", path, ErrNotFound)
	}
	t, err := s.store.Table(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := t.Get(ctx, registry.MetadataRow, registry.FamilyAttribute)
	if err != nil {
		return nil, err
	}
	rows, ok1, err := readInt(res, registry.FamilyAttribute, registry.QualifierRows)
	if err != nil {
		return nil, err
	}
	cols, ok2, err := readInt(res, registry.FamilyAttribute, registry.QualifierColumns)
	if err != nil {
		return nil, err
	}
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("table %q has no shape: %w", path, ErrNotFound)
	}

	return &DenseMatrix{svc: s, table: t, path: path, rows: int(rows), cols: int(cols), kind: kindLoaded}, nil
}

// bind points alias at m, records the alias on m and takes its reference.
func (m *DenseMatrix) bind(ctx context.Context, alias string) error {
	if err := m.svc.registry.Bind(ctx, alias, m.path); err != nil {
		return err
	}
	info := kvstore.NewMutation(registry.MetadataRow).
		Set(registry.FamilyAlias, registry.QualifierAliasName, []byte(alias))
	if err := m.table.Put(ctx, info); err != nil {
		return err
	}
	_, err := m.svc.registry.Retain(ctx, m.path)

	return err
}

// Save binds alias to m. An existing binding of alias is removed first.
// After Save the matrix outlives Close.
func (m *DenseMatrix) Save(ctx context.Context, alias string) error {
	if err := m.check(); err != nil {
		return matrixErrorf("Save", err)
	}
	if alias == "" {
		return matrixErrorf("Save", registry.ErrInvalidAlias)
	}
	cur, err := m.svc.registry.Resolve(ctx, alias)
	switch {
	case err == nil && cur == m.path:
		return nil
	case err == nil:
		if err = m.svc.registry.Unbind(ctx, alias); err != nil {
			return matrixErrorf("Save", err)
		}
	case !errors.Is(err, registry.ErrAliasNotFound):
		return matrixErrorf("Save", err)
	}
	if err = m.bind(ctx, alias); err != nil {
		return matrixErrorf("Save", err)
	}
	m.mu.Lock()
	m.alias = alias
	m.mu.Unlock()
	m.svc.logger.Debug("matrix saved", "alias", alias, "path", m.path)

	return nil
}

// Close ends the handle. See the package notes for the reference rules.
// Closing twice is a no-op.
func (m *DenseMatrix) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	kind := m.kind
	m.mu.Unlock()

	switch kind {
	case kindLoaded:
		return nil
	case kindOpened:
		n, err := m.svc.registry.Release(ctx, m.path)
		if errors.Is(err, kvstore.ErrTableNotFound) {
			return nil
		}
		if err != nil {
			return matrixErrorf("Close", err)
		}
		if n > 0 {
			return nil
		}
	}
	if err := m.svc.registry.Drop(ctx, m.path); err != nil {
		return matrixErrorf("Close", err)
	}

	return nil
}

func (m *DenseMatrix) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	return nil
}

// ---------- accessors ----------

// Path returns the physical table name.
func (m *DenseMatrix) Path() string { return m.path }

// Rows returns the declared row count.
func (m *DenseMatrix) Rows() int { return m.rows }

// Cols returns the declared column count.
func (m *DenseMatrix) Cols() int { return m.cols }

// Alias returns the alias the handle was created, opened or saved under.
func (m *DenseMatrix) Alias() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alias
}

// Type returns the stored type tag.
func (m *DenseMatrix) Type(ctx context.Context) (string, error) {
	if err := m.check(); err != nil {
		return "", matrixErrorf("Type", err)
	}
	res, err := m.table.Get(ctx, registry.MetadataRow, registry.FamilyAttribute)
	if err != nil {
		return "", matrixErrorf("Type", err)
	}

	return string(res.Value(registry.FamilyAttribute, registry.QualifierType)), nil
}

// References returns the stored reference count.
func (m *DenseMatrix) References(ctx context.Context) (int64, error) {
	return m.svc.registry.References(ctx, m.path)
}

func (m *DenseMatrix) cellErrorf(op string, i, j int, err error) error {
	return fmt.Errorf("DenseMatrix.%s(%d,%d): %w", op, i, j, err)
}

// Get returns cell (i, j). Indices outside the declared extent fail with
// ErrOutOfRange; a cell that was never written fails with ErrMissingValue.
func (m *DenseMatrix) Get(ctx context.Context, i, j int) (float64, error) {
	if err := m.check(); err != nil {
		return 0, m.cellErrorf("Get", i, j, err)
	}
	if err := validateIndex(m.rows, m.cols, i, j); err != nil {
		return 0, m.cellErrorf("Get", i, j, err)
	}
	v, ok, err := readCell(ctx, m.table, i, familyColumn, qualifier(j))
	if err != nil {
		return 0, m.cellErrorf("Get", i, j, err)
	}
	if !ok {
		return 0, m.cellErrorf("Get", i, j, ErrMissingValue)
	}

	return v, nil
}

// Set writes cell (i, j).
func (m *DenseMatrix) Set(ctx context.Context, i, j int, v float64) error {
	if err := m.check(); err != nil {
		return m.cellErrorf("Set", i, j, err)
	}
	if err := validateIndex(m.rows, m.cols, i, j); err != nil {
		return m.cellErrorf("Set", i, j, err)
	}
	if err := validateFinite(v); err != nil {
		return m.cellErrorf("Set", i, j, err)
	}
	if err := m.table.Put(ctx, rowMutation(i, familyColumn, map[int]float64{j: v})); err != nil {
		return m.cellErrorf("Set", i, j, err)
	}

	return nil
}

// Row returns the stored cells of row i keyed by column.
func (m *DenseMatrix) Row(ctx context.Context, i int) (map[int]float64, error) {
	if err := m.check(); err != nil {
		return nil, m.cellErrorf("Row", i, 0, err)
	}
	if err := validateIndex(m.rows, max(m.cols, 1), i, 0); err != nil {
		return nil, m.cellErrorf("Row", i, 0, err)
	}
	row, err := readRow(ctx, m.table, i, familyColumn, m.cols)
	if err != nil {
		return nil, m.cellErrorf("Row", i, 0, err)
	}

	return row, nil
}

// Column returns the stored cells of column j keyed by row. It scans
// every row of the matrix.
func (m *DenseMatrix) Column(ctx context.Context, j int) (map[int]float64, error) {
	if err := m.check(); err != nil {
		return nil, m.cellErrorf("Column", 0, j, err)
	}
	if err := validateIndex(max(m.rows, 1), m.cols, 0, j); err != nil {
		return nil, m.cellErrorf("Column", 0, j, err)
	}
	s := rowSpan(0, m.rows)
	s.Families = nil
	s.Columns = []kvstore.Column{{Family: familyColumn, Qualifier: qualifier(j)}}
	out := make(map[int]float64)
	for res, err := range m.table.Scan(ctx, s) {
		if err != nil {
			return nil, m.cellErrorf("Column", 0, j, err)
		}
		i, err := kvstore.RowIndex(res.Row)
		if err != nil {
			return nil, m.cellErrorf("Column", 0, j, err)
		}
		v, err := kvstore.DecodeFloat(res.Value(familyColumn, qualifier(j)))
		if err != nil {
			return nil, m.cellErrorf("Column", i, j, err)
		}
		out[i] = v
	}

	return out, nil
}

// SetRow writes the given cells of row i in one put.
func (m *DenseMatrix) SetRow(ctx context.Context, i int, cells map[int]float64) error {
	if err := m.check(); err != nil {
		return m.cellErrorf("SetRow", i, 0, err)
	}
	for j, v := range cells {
		if err := validateIndex(m.rows, m.cols, i, j); err != nil {
			return m.cellErrorf("SetRow", i, j, err)
		}
		if err := validateFinite(v); err != nil {
			return m.cellErrorf("SetRow", i, j, err)
		}
	}
	if len(cells) == 0 {
		return nil
	}
	if err := m.table.Put(ctx, rowMutation(i, familyColumn, cells)); err != nil {
		return m.cellErrorf("SetRow", i, 0, err)
	}

	return nil
}

// SetColumn writes the given cells of column j, one put per row in
// ascending row order. A failure leaves earlier rows written.
func (m *DenseMatrix) SetColumn(ctx context.Context, j int, cells map[int]float64) error {
	if err := m.check(); err != nil {
		return m.cellErrorf("SetColumn", 0, j, err)
	}
	rows := make([]int, 0, len(cells))
	for i, v := range cells {
		if err := validateIndex(m.rows, m.cols, i, j); err != nil {
			return m.cellErrorf("SetColumn", i, j, err)
		}
		if err := validateFinite(v); err != nil {
			return m.cellErrorf("SetColumn", i, j, err)
		}
		rows = append(rows, i)
	}
	slices.Sort(rows)
	for _, i := range rows {
		if err := m.table.Put(ctx, rowMutation(i, familyColumn, map[int]float64{j: cells[i]})); err != nil {
			return m.cellErrorf("SetColumn", i, j, err)
		}
	}

	return nil
}

// ToDense reads the whole matrix into memory; absent cells read as 0.
func (m *DenseMatrix) ToDense(ctx context.Context) (*Dense, error) {
	if m.rows == 0 || m.cols == 0 {
		return nil, matrixErrorf("ToDense", ErrInvalidDimensions)
	}

	return m.SubMatrix(ctx, 0, m.rows-1, 0, m.cols-1)
}

// Format renders the matrix like Dense.String.
func (m *DenseMatrix) Format(ctx context.Context) (string, error) {
	d, err := m.ToDense(ctx)
	if err != nil {
		return "", err
	}

	return d.String(), nil
}
