// SPDX-License-Identifier: MIT

package batch_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/kvstore"
)

// seed creates table "in" with rows 0..n-1, column "v" holding i.
func seed(t *testing.T, s kvstore.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"in", "out"} {
		require.NoError(t, s.CreateTable(ctx, kvstore.TableDescriptor{Name: name, Families: []string{"f"}}))
	}
	tbl, err := s.Table(ctx, "in")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, tbl.Put(ctx, kvstore.NewMutation(kvstore.RowKey(i)).
			Set("f", "v", kvstore.EncodeFloat(float64(i)))))
	}
}

// registerParity maps each row to key "even"/"odd" and sums per key into "out".
func registerParity(r *batch.Registry) {
	r.RegisterTransform("parity.map", func(_ context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
		v, err := kvstore.DecodeFloat(row.Value("f", "v"))
		if err != nil {
			return err
		}
		scale, err := tc.Config.Float("scale")
		if err != nil {
			return err
		}
		key := "even"
		if int(v)%2 == 1 {
			key = "odd"
		}
		return batch.EmitValue(out, []byte(key), v*scale)
	})
	r.RegisterCombine("parity.sum", func(ctx context.Context, _ *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
		sum := 0.0
		for _, b := range values {
			v, err := batch.Decode[float64](b)
			if err != nil {
				return err
			}
			sum += v
		}
		return out.Put(ctx, kvstore.NewMutation(key).Set("f", "sum", kvstore.EncodeFloat(sum)).
			Set("f", "n", kvstore.EncodeInt(int64(len(values)))))
	})
}

func TestLocalMapCombineToTable(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	seed(t, s, 10)
	eng := batch.NewLocal(s, batch.WithParallelism(3), batch.WithSplits(4))
	registerParity(eng.Registry())

	job := &batch.Job{
		Name:      "parity",
		Input:     batch.Input{Table: "in", Scan: kvstore.Scan{Families: []string{"f"}}},
		Transform: "parity.map",
		Combine:   "parity.sum",
		Output:    batch.Output{Table: "out"},
		Config:    batch.Config{}.SetFloat("scale", 2),
	}
	h, err := eng.Submit(ctx, job)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, batch.Succeeded, h.Status())
	require.True(t, h.Done())

	st := h.Stats()
	require.Equal(t, 10, st.InputRows)
	require.Equal(t, 4, st.MapTasks)
	require.Equal(t, 10, st.Emitted)
	require.Equal(t, 2, st.Groups)
	require.Equal(t, 2, st.OutputPuts)

	out, err := s.Table(ctx, "out")
	require.NoError(t, err)
	for key, want := range map[string]float64{"even": 2 * (0 + 2 + 4 + 6 + 8), "odd": 2 * (1 + 3 + 5 + 7 + 9)} {
		res, err := out.Get(ctx, []byte(key))
		require.NoError(t, err)
		got, err := kvstore.DecodeFloat(res.Value("f", "sum"))
		require.NoError(t, err)
		require.Equal(t, want, got)
		n, err := kvstore.DecodeInt(res.Value("f", "n"))
		require.NoError(t, err)
		require.EqualValues(t, 5, n)
	}
}

func TestLocalSeqFileOutputIsKeyOrdered(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	seed(t, s, 20)
	eng := batch.NewLocal(s, batch.WithParallelism(4))
	eng.Registry().RegisterTransform("id.map", func(_ context.Context, _ *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
		// Reverse the order to make sure the shuffle sorts.
		i, err := kvstore.RowIndex(row.Row)
		if err != nil {
			return err
		}
		return out.Emit(kvstore.RowKey(100-i), []byte(strconv.Itoa(i)))
	})
	eng.Registry().RegisterCombine("first", func(_ context.Context, _ *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
		return out.Emit(key, values[0])
	})

	path := filepath.Join(t.TempDir(), "nested", "part-00000")
	require.NoError(t, batch.Run(ctx, eng, &batch.Job{
		Name:      "order",
		Input:     batch.Input{Table: "in"},
		Transform: "id.map",
		Combine:   "first",
		Output:    batch.Output{SeqFile: path},
	}))

	r, err := batch.OpenSeqFile(path)
	require.NoError(t, err)
	defer r.Close()
	prev := -1
	count := 0
	for {
		k, v, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		ki, err := kvstore.RowIndex(k)
		require.NoError(t, err)
		require.Greater(t, ki, prev)
		prev = ki
		require.Equal(t, strconv.Itoa(100-ki), string(v))
		count++
	}
	require.Equal(t, 20, count)

	k, _, err := batch.ReadFirst(path)
	require.NoError(t, err)
	require.Equal(t, kvstore.RowKey(81), k)
}

func TestLocalMapOnlySideEffects(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	seed(t, s, 5)
	eng := batch.NewLocal(s)
	eng.Registry().RegisterTransform("copy", func(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, _ batch.Emitter) error {
		out, err := tc.Table(ctx, "out")
		if err != nil {
			return err
		}
		return out.Put(ctx, kvstore.NewMutation(row.Row).Set("f", "copy", row.Value("f", "v")))
	})
	require.NoError(t, batch.Run(ctx, eng, &batch.Job{Name: "copy", Input: batch.Input{Table: "in"}, Transform: "copy"}))

	out, err := s.Table(ctx, "out")
	require.NoError(t, err)
	rows, err := kvstore.Collect(out.Scan(ctx, kvstore.Scan{}))
	require.NoError(t, err)
	require.Len(t, rows, 5)
}

func TestLocalFailures(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemory()
	seed(t, s, 3)
	eng := batch.NewLocal(s)
	boom := errors.New("boom")
	eng.Registry().RegisterTransform("fail", func(context.Context, *batch.TaskContext, *kvstore.Result, batch.Emitter) error {
		return boom
	})

	_, err := eng.Submit(ctx, &batch.Job{Name: "x", Input: batch.Input{Table: "in"}, Transform: "missing"})
	require.ErrorIs(t, err, batch.ErrUnknownTransform)
	_, err = eng.Submit(ctx, &batch.Job{Name: "x", Input: batch.Input{Table: "in"}, Transform: "fail", Combine: "missing"})
	require.ErrorIs(t, err, batch.ErrUnknownCombine)
	_, err = eng.Submit(ctx, &batch.Job{Name: "x", Input: batch.Input{Table: "nope"}, Transform: "fail"})
	require.ErrorIs(t, err, kvstore.ErrTableNotFound)
	_, err = eng.Submit(ctx, &batch.Job{Input: batch.Input{Table: "in"}, Transform: "fail"})
	require.ErrorIs(t, err, batch.ErrInvalidJob)
	_, err = eng.Submit(ctx, &batch.Job{Name: "x", Input: batch.Input{Table: "in"}, Transform: "fail",
		Output: batch.Output{Table: "out", SeqFile: "/tmp/x"}})
	require.ErrorIs(t, err, batch.ErrInvalidJob)

	h, err := eng.Submit(ctx, &batch.Job{Name: "x", Input: batch.Input{Table: "in"}, Transform: "fail"})
	require.NoError(t, err)
	err = h.Wait(ctx)
	require.ErrorIs(t, err, batch.ErrJobFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, batch.Failed, h.Status())
}

func TestConfigGetters(t *testing.T) {
	c := batch.Config{}.
		SetInt("n", 7).
		SetFloat("x", 0.1).
		SetStrings("paths", []string{"a", "b"}).
		SetFloats("alphas", []float64{1, -0.5})

	n, err := c.Int("n")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	x, err := c.Float("x")
	require.NoError(t, err)
	require.Equal(t, 0.1, x)
	ps, err := c.Strings("paths")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ps)
	as, err := c.Floats("alphas")
	require.NoError(t, err)
	require.Equal(t, []float64{1, -0.5}, as)

	_, err = c.Int("missing")
	require.ErrorIs(t, err, batch.ErrMissingConfig)
	require.Equal(t, "succeeded", batch.Succeeded.String())
}

func TestSeqFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	w, err := batch.CreateSeqFile(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, _, err = batch.ReadFirst(path)
	require.ErrorIs(t, err, io.EOF)
}
