// SPDX-License-Identifier: MIT

package matrix_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/matrix"
	"github.com/achimnol/mrcl/registry"
)

func TestCellAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	m, err := s.New(ctx, 2, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(ctx) })

	typ, err := m.Type(ctx)
	require.NoError(t, err)
	require.Equal(t, matrix.TypeDense, typ)

	_, err = m.Get(ctx, 0, 0)
	require.ErrorIs(t, err, matrix.ErrMissingValue)
	_, err = m.Get(ctx, 2, 0)
	require.ErrorIs(t, err, matrix.ErrOutOfRange)
	_, err = m.Get(ctx, 0, -1)
	require.ErrorIs(t, err, matrix.ErrOutOfRange)
	require.ErrorIs(t, m.Set(ctx, 0, 3, 1), matrix.ErrOutOfRange)

	require.NoError(t, m.Set(ctx, 1, 2, 4.5))
	v, err := m.Get(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 4.5, v)
}

func TestRowAndColumn(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	m := fromRows(t, s, [][]float64{{1, 2, 3}, {4, 5, 6}})

	row, err := m.Row(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, map[int]float64{0: 4, 1: 5, 2: 6}, row)

	col, err := m.Column(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, map[int]float64{0: 3, 1: 6}, col)

	_, err = m.Row(ctx, 2)
	require.ErrorIs(t, err, matrix.ErrOutOfRange)
	_, err = m.Column(ctx, 3)
	require.ErrorIs(t, err, matrix.ErrOutOfRange)
}

func TestSetRowSetColumn(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	m, err := s.New(ctx, 3, 3)
	require.NoError(t, err)

	require.NoError(t, m.SetRow(ctx, 0, map[int]float64{0: 1, 2: 3}))
	require.NoError(t, m.SetColumn(ctx, 1, map[int]float64{0: 2, 2: 8}))
	require.ErrorIs(t, m.SetRow(ctx, 0, map[int]float64{3: 1}), matrix.ErrOutOfRange)
	require.ErrorIs(t, m.SetColumn(ctx, 0, map[int]float64{5: 1}), matrix.ErrOutOfRange)

	requireDense(t, [][]float64{{1, 2, 3}, {0, 0, 0}, {0, 8, 0}}, m, 0)
	_, err = m.Get(ctx, 1, 1)
	require.ErrorIs(t, err, matrix.ErrMissingValue)
}

func TestConstructors(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	c, err := s.NewConstant(ctx, 2, 2, 7)
	require.NoError(t, err)
	requireDense(t, [][]float64{{7, 7}, {7, 7}}, c, 0)

	id, err := s.Identity(ctx, 2, 3)
	require.NoError(t, err)
	requireDense(t, [][]float64{{1, 0, 0}, {0, 1, 0}}, id, 0)

	r1, err := s.Random(ctx, 3, 3, 42)
	require.NoError(t, err)
	r2, err := s.Random(ctx, 3, 3, 42)
	require.NoError(t, err)
	d1, err := r1.ToDense(ctx)
	require.NoError(t, err)
	d2, err := r2.ToDense(ctx)
	require.NoError(t, err)
	require.Equal(t, d1.String(), d2.String())
	for i := 0; i < 3; i++ {
		for _, v := range d1.RawRowView(i) {
			require.GreaterOrEqual(t, v, 0.0)
			require.Less(t, v, 1.0)
		}
	}

	_, err = s.New(ctx, -1, 2)
	require.ErrorIs(t, err, matrix.ErrInvalidDimensions)
}

func TestCreateOpenCloseReferences(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	a, err := s.Create(ctx, "a", 2, 2)
	require.NoError(t, err)
	require.Equal(t, "a", a.Alias())
	require.NoError(t, a.Set(ctx, 0, 0, 1))
	refs, err := a.References(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)

	o, err := s.Open(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, a.Path(), o.Path())
	require.Equal(t, 2, o.Rows())
	require.Equal(t, 2, o.Cols())
	refs, err = o.References(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, refs)

	require.NoError(t, o.Close(ctx))
	require.NoError(t, o.Close(ctx))
	refs, err = a.References(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)

	// The alias keeps the matrix alive past Close.
	require.NoError(t, a.Close(ctx))
	require.Len(t, tablesWithPrefix(t, store, registry.MatrixPrefix), 1)
	_, err = a.Get(ctx, 0, 0)
	require.ErrorIs(t, err, matrix.ErrClosed)

	again, err := s.Open(ctx, "a")
	require.NoError(t, err)
	v, err := again.Get(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	require.NoError(t, again.Close(ctx))
}

func TestCreateReplacesAlias(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	first, err := s.Create(ctx, "x", 1, 1)
	require.NoError(t, err)
	second, err := s.Create(ctx, "x", 2, 2)
	require.NoError(t, err)
	require.NotEqual(t, first.Path(), second.Path())

	// The first table lost its only reference and was collected.
	require.Equal(t, []string{second.Path()}, tablesWithPrefix(t, store, registry.MatrixPrefix))
}

func TestTwoAliasesThenCollect(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	m, err := s.New(ctx, 2, 2)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, "one"))
	require.NoError(t, m.Save(ctx, "two"))
	require.NoError(t, m.Save(ctx, "two"))
	refs, err := m.References(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, refs)
	require.NoError(t, m.Close(ctx))

	require.NoError(t, s.Remove(ctx, "one"))
	require.Len(t, tablesWithPrefix(t, store, registry.MatrixPrefix), 1)
	require.NoError(t, s.Remove(ctx, "two"))
	require.Empty(t, tablesWithPrefix(t, store, registry.MatrixPrefix))
}

func TestCloseAnonymousDrops(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	m, err := s.New(ctx, 1, 1)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	require.Empty(t, tablesWithPrefix(t, store, registry.MatrixPrefix))
}

func TestOpenMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	_, err := s.Open(ctx, "nope")
	require.ErrorIs(t, err, matrix.ErrNotFound)
	_, err = s.Open(ctx, "")
	require.ErrorIs(t, err, registry.ErrInvalidAlias)
	_, err = s.Load(ctx, registry.MatrixPrefix+"missing")
	require.ErrorIs(t, err, matrix.ErrNotFound)
}

func TestLoadLeavesReferences(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	m := fromRows(t, s, [][]float64{{1, 2}})
	require.NoError(t, m.Save(ctx, "m"))

	l, err := s.Load(ctx, m.Path())
	require.NoError(t, err)
	require.Equal(t, 1, l.Rows())
	require.Equal(t, 2, l.Cols())
	require.Empty(t, l.Alias())
	requireDense(t, [][]float64{{1, 2}}, l, 0)
	require.NoError(t, l.Close(ctx))

	refs, err := m.References(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)
	require.Len(t, tablesWithPrefix(t, store, registry.MatrixPrefix), 1)
}

func TestSaveMovesAlias(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	a := fromRows(t, s, [][]float64{{1}})
	b := fromRows(t, s, [][]float64{{2}})
	require.NoError(t, a.Save(ctx, "cur"))
	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Save(ctx, "cur"))
	require.Equal(t, "cur", b.Alias())

	require.Equal(t, []string{b.Path()}, tablesWithPrefix(t, store, registry.MatrixPrefix))
	o, err := s.Open(ctx, "cur")
	require.NoError(t, err)
	v, err := o.Get(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
}

func TestFormat(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	m := fromRows(t, s, [][]float64{{1, 2}, {3, 4}})

	out, err := m.Format(ctx)
	require.NoError(t, err)
	require.Equal(t, "[1, 2]\n[3, 4]\n", out)
}
