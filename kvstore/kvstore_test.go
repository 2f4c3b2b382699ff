// SPDX-License-Identifier: MIT

package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/kvstore"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]kvstore.Store {
	t.Helper()
	sq, err := kvstore.OpenSQLite(kvstore.SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "kv.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]kvstore.Store{
		"memory": kvstore.NewMemory(),
		"sqlite": sq,
	}
}

func mustTable(t *testing.T, s kvstore.Store, name string, families ...string) kvstore.Table {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateTable(ctx, kvstore.TableDescriptor{Name: name, Families: families}))
	tbl, err := s.Table(ctx, name)
	require.NoError(t, err)

	return tbl
}

func TestAdminLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.TableExists(ctx, "m")
			require.NoError(t, err)
			require.False(t, ok)

			mustTable(t, s, "m", "column", "attribute")
			err = s.CreateTable(ctx, kvstore.TableDescriptor{Name: "m", Families: []string{"column"}})
			require.ErrorIs(t, err, kvstore.ErrTableExists)

			// Delete requires a prior disable.
			require.ErrorIs(t, s.DeleteTable(ctx, "m"), kvstore.ErrTableEnabled)
			require.NoError(t, s.DisableTable(ctx, "m"))
			enabled, err := s.IsTableEnabled(ctx, "m")
			require.NoError(t, err)
			require.False(t, enabled)
			require.NoError(t, s.DeleteTable(ctx, "m"))

			ok, err = s.TableExists(ctx, "m")
			require.NoError(t, err)
			require.False(t, ok)
			_, err = s.Table(ctx, "m")
			require.ErrorIs(t, err, kvstore.ErrTableNotFound)
		})
	}
}

func TestInvalidDescriptor(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.ErrorIs(t, s.CreateTable(ctx, kvstore.TableDescriptor{Name: "x"}), kvstore.ErrInvalidTable)
			require.ErrorIs(t, s.CreateTable(ctx, kvstore.TableDescriptor{Families: []string{"a"}}), kvstore.ErrInvalidTable)
			require.ErrorIs(t, s.CreateTable(ctx, kvstore.TableDescriptor{Name: "x", Families: []string{"a", "a"}}), kvstore.ErrInvalidTable)
		})
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl := mustTable(t, s, "m", "column", "attribute")

			row := kvstore.RowKey(3)
			m := kvstore.NewMutation(row).
				Set("column", "0", kvstore.EncodeFloat(1.5)).
				Set("column", "1", kvstore.EncodeFloat(-2)).
				Set("attribute", "tag", []byte("dense"))
			require.NoError(t, tbl.Put(ctx, m))

			res, err := tbl.Get(ctx, row)
			require.NoError(t, err)
			require.Equal(t, 3, res.Len())
			v, err := kvstore.DecodeFloat(res.Value("column", "1"))
			require.NoError(t, err)
			require.Equal(t, -2.0, v)

			// Family filter.
			res, err = tbl.Get(ctx, row, "attribute")
			require.NoError(t, err)
			require.Equal(t, 1, res.Len())
			require.Nil(t, res.Value("column", "0"))

			// Missing row is an empty result.
			res, err = tbl.Get(ctx, kvstore.RowKey(99))
			require.NoError(t, err)
			require.True(t, res.Empty())

			// Unknown family is rejected and nothing is written.
			bad := kvstore.NewMutation(row).Set("column", "2", kvstore.EncodeFloat(9)).Set("nope", "x", []byte{1})
			require.ErrorIs(t, tbl.Put(ctx, bad), kvstore.ErrUnknownFamily)
			res, err = tbl.Get(ctx, row, "column")
			require.NoError(t, err)
			require.Nil(t, res.Value("column", "2"))

			require.NoError(t, tbl.Delete(ctx, kvstore.NewDeletion(row).Column("column", "0")))
			res, err = tbl.Get(ctx, row)
			require.NoError(t, err)
			require.Equal(t, 2, res.Len())

			require.NoError(t, tbl.Delete(ctx, kvstore.NewDeletion(row).Family("attribute")))
			res, err = tbl.Get(ctx, row)
			require.NoError(t, err)
			require.Equal(t, 1, res.Len())

			require.NoError(t, tbl.Delete(ctx, kvstore.NewDeletion(row)))
			res, err = tbl.Get(ctx, row)
			require.NoError(t, err)
			require.True(t, res.Empty())
		})
	}
}

func TestIncrement(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl := mustTable(t, s, "m", "attribute")
			row := []byte("\xffmetadata")

			n, err := tbl.Increment(ctx, row, "attribute", "reference", 1)
			require.NoError(t, err)
			require.EqualValues(t, 1, n)
			n, err = tbl.Increment(ctx, row, "attribute", "reference", 1)
			require.NoError(t, err)
			require.EqualValues(t, 2, n)
			n, err = tbl.Increment(ctx, row, "attribute", "reference", -3)
			require.NoError(t, err)
			require.EqualValues(t, -1, n)

			res, err := tbl.Get(ctx, row)
			require.NoError(t, err)
			got, err := kvstore.DecodeInt(res.Value("attribute", "reference"))
			require.NoError(t, err)
			require.EqualValues(t, -1, got)
		})
	}
}

func TestScanOrderAndFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl := mustTable(t, s, "m", "column", "eicol")

			// Insert out of order, spanning the 256 boundary to cover key width.
			for _, i := range []int{300, 2, 0, 257, 1, 256} {
				m := kvstore.NewMutation(kvstore.RowKey(i)).
					Set("column", "0", kvstore.EncodeFloat(float64(i))).
					Set("eicol", "0", kvstore.EncodeFloat(float64(-i)))
				require.NoError(t, tbl.Put(ctx, m))
			}

			rows, err := kvstore.Collect(tbl.Scan(ctx, kvstore.Scan{}))
			require.NoError(t, err)
			var got []int
			for _, r := range rows {
				i, err := kvstore.RowIndex(r.Row)
				require.NoError(t, err)
				got = append(got, i)
			}
			require.Equal(t, []int{0, 1, 2, 256, 257, 300}, got)

			// Bounded range with a column filter.
			rows, err = kvstore.Collect(tbl.Scan(ctx, kvstore.Scan{
				StartRow: kvstore.RowKey(1),
				StopRow:  kvstore.RowKey(257),
				Columns:  []kvstore.Column{{Family: "eicol", Qualifier: "0"}},
			}))
			require.NoError(t, err)
			require.Len(t, rows, 3)
			for _, r := range rows {
				require.Equal(t, 1, r.Len())
				require.NotNil(t, r.Value("eicol", "0"))
			}

			_, err = kvstore.Collect(tbl.Scan(ctx, kvstore.Scan{Families: []string{"nope"}}))
			require.ErrorIs(t, err, kvstore.ErrUnknownFamily)
		})
	}
}

func TestScanPagesLargeTables(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl := mustTable(t, s, "big", "column")
			const n = 600
			for i := 0; i < n; i++ {
				require.NoError(t, tbl.Put(ctx, kvstore.NewMutation(kvstore.RowKey(i)).
					Set("column", "0", kvstore.EncodeFloat(float64(i)))))
			}
			count := 0
			for r, err := range tbl.Scan(ctx, kvstore.Scan{}) {
				require.NoError(t, err)
				i, err := kvstore.RowIndex(r.Row)
				require.NoError(t, err)
				require.Equal(t, count, i)
				count++
			}
			require.Equal(t, n, count)
		})
	}
}

func TestDisabledTableRejectsData(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl := mustTable(t, s, "m", "column")
			require.NoError(t, s.DisableTable(ctx, "m"))
			_, err := tbl.Get(ctx, kvstore.RowKey(0))
			require.ErrorIs(t, err, kvstore.ErrTableDisabled)
			err = tbl.Put(ctx, kvstore.NewMutation(kvstore.RowKey(0)).Set("column", "0", []byte{1}))
			require.ErrorIs(t, err, kvstore.ErrTableDisabled)
		})
	}
}

func TestMemoryDisableDelay(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory(kvstore.WithDisableDelay(2))
	mustTable(t, s, "m", "column")
	require.NoError(t, s.DisableTable(ctx, "m"))

	// Two polls still see the table enabled; the third sees it disabled.
	for i := 0; i < 2; i++ {
		enabled, err := s.IsTableEnabled(ctx, "m")
		require.NoError(t, err)
		require.True(t, enabled)
		require.ErrorIs(t, s.DeleteTable(ctx, "m"), kvstore.ErrTableEnabled)
	}
	enabled, err := s.IsTableEnabled(ctx, "m")
	require.NoError(t, err)
	require.False(t, enabled)
	require.NoError(t, s.DeleteTable(ctx, "m"))
}

func TestListTables(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustTable(t, s, "b", "f")
			mustTable(t, s, "a", "f")
			names, err := s.ListTables(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, names)
		})
	}
}

func TestKeysAndValues(t *testing.T) {
	for _, i := range []int{0, 1, 255, 256, 1 << 40} {
		got, err := kvstore.RowIndex(kvstore.RowKey(i))
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	_, err := kvstore.RowIndex([]byte{1, 2})
	require.ErrorIs(t, err, kvstore.ErrBadValue)
	_, err = kvstore.DecodeFloat([]byte{1})
	require.ErrorIs(t, err, kvstore.ErrBadValue)

	v, err := kvstore.DecodeInt(kvstore.EncodeInt(-42))
	require.NoError(t, err)
	require.EqualValues(t, -42, v)
	require.Panics(t, func() { kvstore.RowKey(-1) })
}
