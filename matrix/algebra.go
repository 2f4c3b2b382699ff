// SPDX-License-Identifier: MIT

package matrix

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/kvstore"
)

// Registered transform and combine names.
const (
	transformAdd         = "mrcl.add"
	transformMultiplyRow = "mrcl.multiply.row"
	combineMultiplyRow   = "mrcl.multiply.row.sum"
)

// Job configuration keys.
const (
	cfgOut    = "out"
	cfgCols   = "cols"
	cfgPaths  = "paths"
	cfgAlphas = "alphas"
	cfgLeft   = "left"
	cfgRow    = "row"
)

// Add returns C = A + alpha·B as a new anonymous matrix.
func (m *DenseMatrix) Add(ctx context.Context, alpha float64, b *DenseMatrix) (*DenseMatrix, error) {
	return m.AddAll(ctx, PlusScaled(b, alpha))
}

// AddAll returns C = A + Σ alpha_t·B_t in a single distributed pass over
// the rows of A. Every operand must have A's shape. Absent cells count as
// zero; rows A does not store are not produced.
func (m *DenseMatrix) AddAll(ctx context.Context, terms ...AddTerm) (*DenseMatrix, error) {
	if err := m.check(); err != nil {
		return nil, matrixErrorf(opAdd, err)
	}
	paths := make([]string, len(terms))
	alphas := make([]float64, len(terms))
	for k, t := range terms {
		if t.M == nil {
			return nil, matrixErrorf(opAdd, ErrNilMatrix)
		}
		if err := ValidateSameShape(m, t.M); err != nil {
			return nil, matrixErrorf(opAdd, fmt.Errorf("%dx%d + %dx%d: %w",
				m.rows, m.cols, t.M.rows, t.M.cols, err))
		}
		if err := validateFinite(t.Alpha); err != nil {
			return nil, matrixErrorf(opAdd, err)
		}
		if err := t.M.check(); err != nil {
			return nil, matrixErrorf(opAdd, err)
		}
		paths[k], alphas[k] = t.M.path, t.Alpha
	}

	c, err := m.svc.create(ctx, m.rows, m.cols)
	if err != nil {
		return nil, matrixErrorf(opAdd, err)
	}
	cfg := batch.Config{}.
		Set(cfgOut, c.path).
		SetInt(cfgCols, m.cols).
		SetStrings(cfgPaths, paths).
		SetFloats(cfgAlphas, alphas)
	job := &batch.Job{
		Name:      "add " + c.path,
		Input:     batch.Input{Table: m.path, Scan: rowSpan(0, m.rows, familyColumn)},
		Transform: transformAdd,
		Config:    cfg,
	}
	if err = m.svc.run(ctx, job); err != nil {
		return nil, matrixErrorf(opAdd, errors.Join(err, c.Close(ctx)))
	}

	return c, nil
}

// addRow writes row i of the sum: A's row plus every scaled operand row.
func addRow(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, _ batch.Emitter) error {
	out, err := tc.Config.String(cfgOut)
	if err != nil {
		return err
	}
	cols, err := tc.Config.Int(cfgCols)
	if err != nil {
		return err
	}
	paths, err := tc.Config.Strings(cfgPaths)
	if err != nil {
		return err
	}
	alphas, err := tc.Config.Floats(cfgAlphas)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}

	sum, err := decodeRow(row, familyColumn, cols)
	if err != nil {
		return err
	}
	for k, p := range paths {
		t, err := tc.Table(ctx, p)
		if err != nil {
			return err
		}
		other, err := readRow(ctx, t, i, familyColumn, cols)
		if err != nil {
			return err
		}
		for j, v := range other {
			sum[j] += alphas[k] * v
		}
	}
	if len(sum) == 0 {
		return nil
	}
	dst, err := tc.Table(ctx, out)
	if err != nil {
		return err
	}

	return dst.Put(ctx, rowMutation(i, familyColumn, sum))
}

// multiplyColumns is the column count of A·B. A product involving a
// single-column operand is a vector result and keeps exactly one column.
func multiplyColumns(a, b *DenseMatrix) int {
	if a.cols == 1 || b.cols == 1 {
		return 1
	}

	return b.cols
}

// Multiply returns C = A·B with the row-iterative strategy: one batch job
// per output row i maps over B's rows, scaling row k of B by A[i][k], and
// sums the contributions into row i of C. Every row of C is written, so a
// row with no contributions reads as zeros. Jobs run in a bounded group;
// the first failure cancels the rest.
func (m *DenseMatrix) Multiply(ctx context.Context, b *DenseMatrix) (*DenseMatrix, error) {
	if err := m.checkMultiply(b); err != nil {
		return nil, matrixErrorf(opMul, err)
	}
	cols := multiplyColumns(m, b)
	c, err := m.svc.create(ctx, m.rows, cols)
	if err != nil {
		return nil, matrixErrorf(opMul, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.svc.opts.parallelism)
	for i := 0; i < m.rows; i++ {
		cfg := batch.Config{}.
			Set(cfgLeft, m.path).
			SetInt(cfgRow, i).
			SetInt(cfgCols, cols)
		job := &batch.Job{
			Name:      fmt.Sprintf("multiply %s row %d", c.path, i),
			Input:     batch.Input{Table: b.path, Scan: rowSpan(0, b.rows, familyColumn)},
			Transform: transformMultiplyRow,
			Combine:   combineMultiplyRow,
			Output:    batch.Output{Table: c.path},
			Config:    cfg,
		}
		g.Go(func() error {
			stats, err := m.svc.runStats(gctx, job)
			if err != nil || stats.Groups > 0 {
				return err
			}
			// Nothing reached the combine: row i of A or all of B is empty.
			return c.table.Put(gctx, denseMutation(i, familyColumn, make([]float64, cols)))
		})
	}
	if err = g.Wait(); err != nil {
		return nil, matrixErrorf(opMul, errors.Join(err, c.Close(ctx)))
	}
	m.svc.logger.Debug("row-iterative multiply done", "left", m.path, "right", b.path,
		"result", c.path, "jobs", m.rows)

	return c, nil
}

func (m *DenseMatrix) checkMultiply(b *DenseMatrix) error {
	if b == nil {
		return ErrNilMatrix
	}
	if err := m.check(); err != nil {
		return err
	}
	if err := b.check(); err != nil {
		return err
	}
	if err := ValidateMulCompatible(m, b); err != nil {
		return fmt.Errorf("%dx%d · %dx%d: %w", m.rows, m.cols, b.rows, b.cols, err)
	}

	return nil
}

// multiplyRowMap handles row k of B for output row i: it emits
// A[i][k]·B[k][j] for every output column j under key RowKey(i).
func multiplyRowMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
	left, err := tc.Config.String(cfgLeft)
	if err != nil {
		return err
	}
	i, err := tc.Config.Int(cfgRow)
	if err != nil {
		return err
	}
	cols, err := tc.Config.Int(cfgCols)
	if err != nil {
		return err
	}
	k, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	a, err := tc.Table(ctx, left)
	if err != nil {
		return err
	}
	aik, ok, err := readCell(ctx, a, i, familyColumn, qualifier(k))
	if err != nil || !ok {
		return err
	}
	bk, err := decodeRow(row, familyColumn, cols)
	if err != nil {
		return err
	}
	for j, v := range bk {
		bk[j] = aik * v
	}

	return batch.EmitValue(out, kvstore.RowKey(i), bk)
}

// multiplyRowCombine sums the partial rows and writes every output column.
func multiplyRowCombine(ctx context.Context, tc *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
	cols, err := tc.Config.Int(cfgCols)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(key)
	if err != nil {
		return err
	}
	sum := make([]float64, cols)
	for _, raw := range values {
		part, err := batch.Decode[map[int]float64](raw)
		if err != nil {
			return err
		}
		for j, v := range part {
			if j >= 0 && j < cols {
				sum[j] += v
			}
		}
	}

	return out.Put(ctx, denseMutation(i, familyColumn, sum))
}

// SubMatrix copies rows i0..i1 and columns j0..j1 (inclusive) into memory
// with one range scan. Absent cells read as 0. No table is created.
func (m *DenseMatrix) SubMatrix(ctx context.Context, i0, i1, j0, j1 int) (*Dense, error) {
	if err := m.check(); err != nil {
		return nil, matrixErrorf("SubMatrix", err)
	}
	if i0 < 0 || i1 < i0 || i1 >= m.rows || j0 < 0 || j1 < j0 || j1 >= m.cols {
		return nil, matrixErrorf("SubMatrix", fmt.Errorf("[%d:%d, %d:%d] of %dx%d: %w",
			i0, i1, j0, j1, m.rows, m.cols, ErrOutOfRange))
	}
	d, err := NewDense(i1-i0+1, j1-j0+1)
	if err != nil {
		return nil, matrixErrorf("SubMatrix", err)
	}
	for res, err := range m.table.Scan(ctx, rowSpan(i0, i1+1, familyColumn)) {
		if err != nil {
			return nil, matrixErrorf("SubMatrix", err)
		}
		i, err := kvstore.RowIndex(res.Row)
		if err != nil {
			return nil, matrixErrorf("SubMatrix", err)
		}
		cells, err := decodeRow(res, familyColumn, m.cols)
		if err != nil {
			return nil, matrixErrorf("SubMatrix", err)
		}
		dst := d.RawRowView(i - i0)
		for j, v := range cells {
			if j >= j0 && j <= j1 {
				dst[j-j0] = v
			}
		}
	}

	return d, nil
}

