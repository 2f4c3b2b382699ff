// SPDX-License-Identifier: MIT

package matrix_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/matrix"
	"github.com/achimnol/mrcl/registry"
)

// newService builds a Service over a fresh in-memory store.
func newService(t *testing.T, opts ...matrix.Option) (*matrix.Service, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	opts = append([]matrix.Option{
		matrix.WithGCBackoff(time.Millisecond, 4*time.Millisecond),
		matrix.WithScratchDir(t.TempDir()),
		matrix.WithParallelism(4),
	}, opts...)
	s, err := matrix.NewService(context.Background(), store, opts...)
	require.NoError(t, err)

	return s, store
}

// fromRows stores rows as an anonymous matrix.
func fromRows(t *testing.T, s *matrix.Service, rows [][]float64) *matrix.DenseMatrix {
	t.Helper()
	d, err := matrix.NewDenseFrom(len(rows), len(rows[0]), flatten(rows))
	require.NoError(t, err)
	m, err := s.FromDense(context.Background(), d)
	require.NoError(t, err)

	return m
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}

	return out
}

// requireDense compares m's cells against want within tol.
func requireDense(t *testing.T, want [][]float64, m *matrix.DenseMatrix, tol float64) {
	t.Helper()
	d, err := m.ToDense(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(want), d.Rows())
	require.Equal(t, len(want[0]), d.Cols())
	for i := range want {
		for j := range want[i] {
			got, err := d.At(i, j)
			require.NoError(t, err)
			require.InDeltaf(t, want[i][j], got, tol, "cell (%d,%d)", i, j)
		}
	}
}

// tablesWithPrefix lists the store tables whose name starts with prefix.
func tablesWithPrefix(t *testing.T, store kvstore.Store, prefix string) []string {
	t.Helper()
	names, err := store.ListTables(context.Background())
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}

	return out
}

func TestNewServiceNilStore(t *testing.T) {
	_, err := matrix.NewService(context.Background(), nil)
	require.Error(t, err)
}

func TestServiceAliasesAndRemove(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	a, err := s.Create(ctx, "a", 2, 2)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	entries, err := s.Aliases(ctx)
	require.NoError(t, err)
	require.Equal(t, []registry.Entry{{Alias: "a", Path: a.Path()}}, entries)

	require.NoError(t, s.Remove(ctx, "a"))
	require.Empty(t, tablesWithPrefix(t, store, registry.MatrixPrefix))
}

func TestServiceSweepReclaimsUnsaved(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	kept, err := s.Create(ctx, "kept", 1, 1)
	require.NoError(t, err)
	_, err = s.New(ctx, 3, 3) // never closed
	require.NoError(t, err)
	require.Len(t, tablesWithPrefix(t, store, registry.MatrixPrefix), 2)

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, []string{kept.Path()}, tablesWithPrefix(t, store, registry.MatrixPrefix))
}
