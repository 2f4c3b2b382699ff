// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// harness runs commands against one SQLite store so state carries over.
type harness struct {
	t    *testing.T
	conf string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "mrcl.yaml")
	body := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "mrcl.db") + "\n" +
		"batch:\n  parallelism: 2\n  scratch_dir: " + filepath.Join(dir, "scratch") + "\n" +
		"registry:\n  gc_backoff: 1ms\n  gc_max_backoff: 4ms\n" +
		"block:\n  size: 2\n  compression: bg4_lz4\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(conf, []byte(body), 0o600))
	t.Setenv("MRCL_STORE_PATH", "")
	t.Setenv("MRCL_LOG_LEVEL", "")

	return &harness{t: t, conf: conf}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), append([]string{"--config", h.conf}, args...), &out, &errOut)

	return out.String(), err
}

func (h *harness) must(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "mrcl %s", strings.Join(args, " "))

	return out
}

func TestCreateShowListRemove(t *testing.T) {
	h := newHarness(t)

	h.must("create", "a", "--rows", "2", "--cols", "2", "--identity")
	h.must("create", "b", "--rows", "2", "--cols", "2", "--fill", "3")
	require.Equal(t, "[1, 0]\n[0, 1]\n", h.must("show", "a"))

	ls := h.must("ls")
	require.Contains(t, ls, "a\tDenseMatrix_")
	require.Contains(t, ls, "b\tDenseMatrix_")

	h.must("add", "c", "a", "b", "--alpha", "2")
	require.Equal(t, "[7, 6]\n[6, 7]\n", h.must("show", "c"))

	h.must("mult", "d", "c", "a")
	require.Equal(t, "[7, 6]\n[6, 7]\n", h.must("show", "d"))
	h.must("mult", "e", "c", "a", "--blocks", "4")
	require.Equal(t, "[7, 6]\n[6, 7]\n", h.must("show", "e"))

	require.Equal(t, "13\n", h.must("norm", "c", "--type", "infinity"))

	h.must("rm", "a")
	_, err := h.run("show", "a")
	require.Error(t, err)
	require.Empty(t, h.must("sweep"))
}

func TestEigen(t *testing.T) {
	h := newHarness(t)
	h.must("create", "m", "--rows", "3", "--cols", "3", "--identity")

	out := h.must("eigen", "m", "--vectors")
	require.Contains(t, out, "converged after 1 iterations, 0 rotations")
	require.Contains(t, out, "eigenvalues: [1, 1, 1]")
	require.Contains(t, out, "[1, 0, 0]\n[0, 1, 0]\n[0, 0, 1]\n")

	out = h.must("eigen", "m", "--check")
	require.Contains(t, out, "residual: 0\n")
}

func TestBlocks(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, "ones (3x3, 2x2 blocks of 2)\n", h.must("blocks", "create", "ones", "--rows", "3", "--cols", "3", "--fill", "1"))
	h.must("blocks", "mult", "nine", "ones", "ones")
	require.Equal(t, "[3, 3, 3]\n[3, 3, 3]\n[3, 3, 3]\n", h.must("blocks", "show", "nine"))
	h.must("blocks", "rm", "nine")
	_, err := h.run("blocks", "show", "nine")
	require.Error(t, err)
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)

	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"create", "x"},
		{"show"},
		{"norm", "x", "--type", "two"},
		{"blocks"},
		{"blocks", "spin"},
	} {
		_, err := h.run(args...)
		require.ErrorIs(t, err, errUsage, "args %q", args)
	}
}
