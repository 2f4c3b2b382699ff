// SPDX-License-Identifier: MIT

package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/block"
	"github.com/achimnol/mrcl/config"
	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/matrix"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mrcl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, cfg.Validate())
	require.Equal(t, config.BackendMemory, cfg.Store.Backend)
	require.Equal(t, matrix.DefaultMaxIterations, cfg.Jacobi.MaxIterations)
	require.Equal(t, block.DefaultBlockSize, cfg.Block.Size)
	require.Equal(t, "bg4_lz4", cfg.Block.Compression)
}

func TestLoadWithoutConfigUsesDefaults(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvStorePath, "")
	t.Setenv(config.EnvLogLevel, "debug")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.BackendMemory, cfg.Store.Backend)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(config.EnvStorePath, "")
	t.Setenv(config.EnvLogLevel, "")
	scratch := t.TempDir()
	path := writeConfig(t, `
store:
  backend: sqlite
  path: `+filepath.Join(t.TempDir(), "mrcl.db")+`
  pool_size: 2
batch:
  parallelism: 3
  splits: 6
  scratch_dir: `+scratch+`
registry:
  gc_retries: 5
  gc_backoff: 1ms
  gc_max_backoff: 8ms
block:
  size: 16
  compression: zstd
  accelerator: "off"
jacobi:
  max_iterations: 50
log:
  level: warn
  format: json
`)
	t.Setenv(config.EnvConfig, path)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	require.Equal(t, 2, cfg.Store.PoolSize)
	require.Equal(t, 3, cfg.Batch.Parallelism)
	require.Equal(t, 6, cfg.Batch.Splits)
	require.Equal(t, scratch, cfg.Batch.ScratchDir)
	require.Equal(t, 5, cfg.Registry.GCRetries)
	require.Equal(t, 16, cfg.Block.Size)
	require.Equal(t, "zstd", cfg.Block.Compression)
	require.Equal(t, 50, cfg.Jacobi.MaxIterations)

	// Unset keys keep their defaults.
	partial, err := config.LoadFile(writeConfig(t, "log:\n  level: error\n"))
	require.NoError(t, err)
	require.Equal(t, "error", partial.Log.Level)
	require.Equal(t, "text", partial.Log.Format)
	require.Equal(t, config.BackendMemory, partial.Store.Backend)
}

func TestEnvOverrides(t *testing.T) {
	db := filepath.Join(t.TempDir(), "env.db")
	t.Setenv(config.EnvStorePath, db)
	t.Setenv(config.EnvLogLevel, "debug")

	cfg, err := config.LoadFile(writeConfig(t, "log:\n  level: error\n"))
	require.NoError(t, err)
	require.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	require.Equal(t, db, cfg.Store.Path)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "hbase"
	cfg.Registry.GCBackoff = "soon"
	cfg.Block.Compression = "gzip"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.backend", "registry.gc_backoff", "block.compression", "log.format"} {
		require.Contains(t, err.Error(), want)
	}

	cfg = config.Default()
	cfg.Store.Backend = config.BackendSQLite
	require.ErrorContains(t, cfg.Validate(), "store.path")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = config.LoadFile(writeConfig(t, "store: [1, 2"))
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	logger := cfg.Logger(&buf)

	logger.Info("dropped")
	logger.Warn("kept", "k", 1)
	require.NotContains(t, buf.String(), "dropped")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestWiring(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Batch.ScratchDir = t.TempDir()
	cfg.Batch.Parallelism = 2
	cfg.Block.Size = 2

	store, err := cfg.OpenStore(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := matrix.NewService(ctx, store, cfg.MatrixOptions(nil)...)
	require.NoError(t, err)
	m, err := svc.Identity(ctx, 2, 2)
	require.NoError(t, err)
	norm, err := m.Norm(ctx, matrix.NormFrobenius)
	require.NoError(t, err)
	require.InDelta(t, 1.4142135, norm, 1e-6)

	cfg.Block.Accelerator = "off"
	portable, err := matrix.NewService(ctx, store, cfg.MatrixOptions(nil)...)
	require.NoError(t, err)
	m2, err := portable.Identity(ctx, 2, 2)
	require.NoError(t, err)
	sq, err := m2.MultiplyBlocked(ctx, m2, 4)
	require.NoError(t, err)
	v, err := sq.Get(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	bs, err := cfg.BlockStore(ctx, store, "blocks", nil)
	require.NoError(t, err)
	bm, err := block.CreateFill(ctx, bs, "ones", 3, 3, 1, cfg.BlockOptions(nil)...)
	require.NoError(t, err)
	require.Equal(t, 2, bm.BlockRows())
	ok, err := store.TableExists(ctx, "blocks")
	require.NoError(t, err)
	require.True(t, ok)

	cfg.Block.Dir = t.TempDir()
	fs, err := cfg.BlockStore(ctx, store, "", nil)
	require.NoError(t, err)
	require.IsType(t, &block.FileStore{}, fs)
}

func TestOpenSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "mrcl.db")
	cfg.Store.PoolSize = 2
	require.NoError(t, cfg.Validate())

	store, err := cfg.OpenStore(nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateTable(context.Background(), kvstore.TableDescriptor{Name: "t", Families: []string{"f"}}))
	names, err := store.ListTables(context.Background())
	require.NoError(t, err)
	require.Contains(t, names, "t")
}
