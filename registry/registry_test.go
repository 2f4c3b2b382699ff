// SPDX-License-Identifier: MIT

package registry_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/registry"
)

func newRegistry(t *testing.T, s kvstore.Store, opts ...registry.Option) *registry.Registry {
	t.Helper()
	opts = append([]registry.Option{registry.WithGCBackoff(time.Millisecond, 4*time.Millisecond)}, opts...)
	r, err := registry.New(context.Background(), s, opts...)
	require.NoError(t, err)

	return r
}

func matrixTable(t *testing.T, s kvstore.Store, name string) {
	t.Helper()
	require.NoError(t, s.CreateTable(context.Background(), kvstore.TableDescriptor{
		Name:     name,
		Families: []string{"column", registry.FamilyAttribute, registry.FamilyAlias},
	}))
}

func exists(t *testing.T, s kvstore.Store, name string) bool {
	t.Helper()
	ok, err := s.TableExists(context.Background(), name)
	require.NoError(t, err)

	return ok
}

func TestBindResolveUnbind(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	r := newRegistry(t, s)

	_, err := r.Resolve(ctx, "a")
	require.ErrorIs(t, err, registry.ErrAliasNotFound)
	require.NoError(t, r.Unbind(ctx, "a"))
	require.ErrorIs(t, r.Bind(ctx, "", "x"), registry.ErrInvalidAlias)

	require.NoError(t, r.Bind(ctx, "a", "DenseMatrix_1"))
	got, err := r.Resolve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "DenseMatrix_1", got)

	require.NoError(t, r.Bind(ctx, "a", "DenseMatrix_2"))
	got, err = r.Resolve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "DenseMatrix_2", got)

	// The target table does not exist; unbind only removes the entry.
	require.NoError(t, r.Unbind(ctx, "a"))
	ok, err := r.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = r.Resolve(ctx, "a")
	require.ErrorIs(t, err, registry.ErrAliasNotFound)
}

func TestDanglingEntry(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, kvstore.NewMemory())
	require.NoError(t, r.Bind(ctx, "ghost", ""))

	ok, err := r.Exists(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, ok)
	got, err := r.Resolve(ctx, "ghost")
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, r.Unbind(ctx, "ghost"))
	ok, err = r.Exists(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnbindCollectsLastReference(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	r := newRegistry(t, s)
	matrixTable(t, s, "DenseMatrix_m")

	for _, alias := range []string{"a1", "a2"} {
		require.NoError(t, r.Bind(ctx, alias, "DenseMatrix_m"))
		_, err := r.Retain(ctx, "DenseMatrix_m")
		require.NoError(t, err)
	}
	refs, err := r.References(ctx, "DenseMatrix_m")
	require.NoError(t, err)
	require.EqualValues(t, 2, refs)

	require.NoError(t, r.Unbind(ctx, "a1"))
	require.True(t, exists(t, s, "DenseMatrix_m"))
	refs, err = r.References(ctx, "DenseMatrix_m")
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)

	require.NoError(t, r.Unbind(ctx, "a2"))
	require.False(t, exists(t, s, "DenseMatrix_m"))
}

func TestUnbindKeepsOtherAliasInfo(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	r := newRegistry(t, s)
	matrixTable(t, s, "DenseMatrix_m")
	tbl, err := s.Table(ctx, "DenseMatrix_m")
	require.NoError(t, err)

	for _, alias := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Bind(ctx, alias, "DenseMatrix_m"))
		info := kvstore.NewMutation(registry.MetadataRow).
			Set(registry.FamilyAlias, registry.QualifierAliasName, []byte(alias))
		require.NoError(t, tbl.Put(ctx, info))
		_, err = r.Retain(ctx, "DenseMatrix_m")
		require.NoError(t, err)
	}
	aliasInfo := func() string {
		res, err := tbl.Get(ctx, registry.MetadataRow, registry.FamilyAlias)
		require.NoError(t, err)
		return string(res.Value(registry.FamilyAlias, registry.QualifierAliasName))
	}

	require.NoError(t, r.Unbind(ctx, "a1"))
	require.Equal(t, "a3", aliasInfo())

	require.NoError(t, r.Unbind(ctx, "a3"))
	require.Empty(t, aliasInfo())
	refs, err := r.References(ctx, "DenseMatrix_m")
	require.NoError(t, err)
	require.EqualValues(t, 1, refs)
}

func TestCollectToleratesAsyncDisable(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory(kvstore.WithDisableDelay(3))
	r := newRegistry(t, s)
	matrixTable(t, s, "DenseMatrix_slow")

	require.NoError(t, r.Collect(ctx, "DenseMatrix_slow"))
	require.False(t, exists(t, s, "DenseMatrix_slow"))
	// Idempotent.
	require.NoError(t, r.Collect(ctx, "DenseMatrix_slow"))
}

// stuckStore never reports a table as disabled and counts the polls.
type stuckStore struct {
	kvstore.Store
	polls *atomic.Int32
	err   error
}

func newStuckStore(mem kvstore.Store) stuckStore {
	return stuckStore{Store: mem, polls: new(atomic.Int32)}
}

func (s stuckStore) IsTableEnabled(context.Context, string) (bool, error) {
	s.polls.Add(1)
	return s.err == nil, s.err
}

func TestCollectGivesUp(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	stuck := newStuckStore(mem)
	r := newRegistry(t, stuck, registry.WithGCRetries(3))
	matrixTable(t, mem, "DenseMatrix_stuck")

	err := r.Collect(ctx, "DenseMatrix_stuck")
	require.ErrorIs(t, err, registry.ErrTableNotDisabled)
	require.True(t, exists(t, mem, "DenseMatrix_stuck"))
	// One initial poll plus three retries.
	require.EqualValues(t, 4, stuck.polls.Load())
}

func TestCollectStopsOnStoreError(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	stuck := newStuckStore(mem)
	stuck.err = kvstore.ErrClosed
	r := newRegistry(t, stuck)
	matrixTable(t, mem, "DenseMatrix_broken")

	err := r.Collect(ctx, "DenseMatrix_broken")
	require.ErrorIs(t, err, kvstore.ErrClosed)
	require.NotErrorIs(t, err, registry.ErrTableNotDisabled)
	require.EqualValues(t, 1, stuck.polls.Load())
}

func TestCollectHonoursContext(t *testing.T) {
	mem := kvstore.NewMemory()
	r := newRegistry(t, newStuckStore(mem), registry.WithGCBackoff(time.Hour, time.Hour))
	matrixTable(t, mem, "DenseMatrix_ctx")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Collect(ctx, "DenseMatrix_ctx"), context.Canceled)
}

func TestDropRespectsReferences(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	r := newRegistry(t, s)
	matrixTable(t, s, "collect_tmp")

	_, err := r.Retain(ctx, "collect_tmp")
	require.NoError(t, err)
	require.NoError(t, r.Drop(ctx, "collect_tmp"))
	require.True(t, exists(t, s, "collect_tmp"))

	n, err := r.Release(ctx, "collect_tmp")
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, r.Drop(ctx, "collect_tmp"))
	require.False(t, exists(t, s, "collect_tmp"))
	require.NoError(t, r.Drop(ctx, "collect_tmp"))
}

func TestSweepReclaimsOrphans(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	r := newRegistry(t, s)
	for _, name := range []string{"DenseMatrix_bound", "DenseMatrix_orphan", "DenseMatrix_held", "collect_left"} {
		matrixTable(t, s, name)
	}
	require.NoError(t, s.CreateTable(ctx, kvstore.TableDescriptor{Name: "unrelated", Families: []string{"f"}}))
	require.NoError(t, r.Bind(ctx, "kept", "DenseMatrix_bound"))
	_, err := r.Retain(ctx, "DenseMatrix_held")
	require.NoError(t, err)

	swept, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"DenseMatrix_orphan", "collect_left"}, swept)
	for _, name := range []string{"DenseMatrix_bound", "DenseMatrix_held", "unrelated", registry.AliasTable} {
		require.True(t, exists(t, s, name), name)
	}

	entries, err := r.Aliases(ctx)
	require.NoError(t, err)
	require.Equal(t, []registry.Entry{{Alias: "kept", Path: "DenseMatrix_bound"}}, entries)
}
