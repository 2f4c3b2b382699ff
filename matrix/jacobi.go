// SPDX-License-Identifier: MIT

// Package matrix - Jacobi eigenvalue iteration over a stored symmetric matrix.
//
// Purpose:
//   - Compute all eigenvalues and eigenvectors of a symmetric matrix whose
//     working set does not fit the driver, using classical Jacobi rotations.
//
// Implementation:
//   - Stage 1 (Initializing): one pass copies the cells into eicol (working
//     copy), seeds eival:value with the diagonal, eival:changed with 1,
//     eival:ind with the column of the largest upper off-diagonal entry of
//     each row, and eivec with the identity. state = n.
//   - Stage 2 (Iterating), while state != 0 and below the cap:
//     a. pivot pass: the largest |eicol[i][ind[i]]| over rows i < n-1,
//     reduced through a sequence file; pivot (0,0) ends the run.
//     b. rotation parameters from the pivot and the two eigenvalue estimates.
//     c. zero the pivot cell, shift both estimates by ∓t with the
//     JacobiEpsilon hysteresis on the changed flags and state.
//     d. rotation pass over the other rows of eicol.
//     e. driver-local rotation of eigenvector rows k and l.
//     f. ind refresh for rows k and l.
//   - Stage 3: Converged (state == 0 or pivot (0,0)) or IterationCapReached.
//
// Notes:
//   - Only the strict upper triangle of eicol is read after Stage 1.
//   - Symmetry is a precondition and is not checked.
//   - Row k of eivec is the eigenvector of eigenvalue k.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/kvstore"
)

const opJacobi = "Jacobi"

const (
	transformJacobiInit   = "mrcl.jacobi.init"
	transformJacobiPivot  = "mrcl.jacobi.pivot"
	combineJacobiPivot    = "mrcl.jacobi.pivot.max"
	transformJacobiRotate = "mrcl.jacobi.rotate"
)

const (
	cfgN   = "n"
	cfgK   = "k"
	cfgL   = "l"
	cfgSin = "sin"
	cfgCos = "cos"
)

var pivotKey = []byte("pivot")

// pivot is the record exchanged through the pivot sequence file.
type pivot struct {
	Row   int     `cbor:"1,keyasint"`
	Col   int     `cbor:"2,keyasint"`
	Value float64 `cbor:"3,keyasint"`
}

// Jacobi runs the eigenvalue iteration in place. maxIter <= 0 uses the
// service default. The matrix must be square; symmetry is assumed.
func (m *DenseMatrix) Jacobi(ctx context.Context, maxIter int) (JacobiResult, error) {
	res := JacobiResult{State: Initializing}
	if err := m.check(); err != nil {
		return res, matrixErrorf(opJacobi, err)
	}
	if err := ValidateSquare(m); err != nil {
		return res, matrixErrorf(opJacobi, fmt.Errorf("%dx%d: %w", m.rows, m.cols, err))
	}
	if maxIter <= 0 {
		maxIter = m.svc.opts.maxIter
	}
	n := m.rows
	log := m.svc.logger.With("path", m.path)

	job := &batch.Job{
		Name:      "jacobi init " + m.path,
		Input:     batch.Input{Table: m.path, Scan: rowSpan(0, n, familyColumn)},
		Transform: transformJacobiInit,
		Config:    batch.Config{}.SetInt(cfgN, n).Set(cfgOut, m.path),
	}
	if err := m.svc.run(ctx, job); err != nil {
		return res, matrixErrorf(opJacobi, err)
	}
	// Rows the scan skipped (nothing stored) still need their state.
	for i := 0; i < n; i++ {
		if err := m.ensureJacobiRow(ctx, i); err != nil {
			return res, matrixErrorf(opJacobi, err)
		}
	}

	state := n
	res.State = Iterating
	for state != 0 && res.Iterations < maxIter {
		res.Iterations++
		p, err := m.findPivot(ctx, res.Iterations)
		if err != nil {
			return res, matrixErrorf(opJacobi, err)
		}
		if p.Row == 0 && p.Col == 0 {
			log.Debug("jacobi pivot exhausted", "iterations", res.Iterations, "rotations", res.Rotations)
			res.State = Converged
			return res, nil
		}
		if err = m.rotate(ctx, p, &state); err != nil {
			return res, matrixErrorf(opJacobi, err)
		}
		res.Rotations++
	}
	if state == 0 {
		res.State = Converged
	} else {
		res.State = IterationCapReached
	}
	log.Debug("jacobi finished", "state", res.State.String(), "iterations", res.Iterations,
		"rotations", res.Rotations)

	return res, nil
}

// findPivot runs the pivot pass and reads its single record back.
func (m *DenseMatrix) findPivot(ctx context.Context, iter int) (pivot, error) {
	path := filepath.Join(m.svc.opts.scratchDir,
		fmt.Sprintf("jacobi-%s-%06d-%s.seq", m.path, iter, uuid.NewString()))
	defer os.Remove(path)
	job := &batch.Job{
		Name: fmt.Sprintf("jacobi pivot %s #%d", m.path, iter),
		Input: batch.Input{Table: m.path, Scan: rowSpan(0, m.rows, familyEigenCol, familyEigenVal)},
		Transform: transformJacobiPivot,
		Combine:   combineJacobiPivot,
		Output:    batch.Output{SeqFile: path},
		Config:    batch.Config{}.SetInt(cfgN, m.rows),
	}
	if err := m.svc.run(ctx, job); err != nil {
		return pivot{}, err
	}
	_, v, err := batch.ReadFirst(path)
	if errors.Is(err, io.EOF) {
		return pivot{}, nil
	}
	if err != nil {
		return pivot{}, err
	}

	return batch.Decode[pivot](v)
}

// rotationParams returns (s, c, t) for pivot value p and estimates e1, e2.
func rotationParams(p, e1, e2 float64) (s, c, t float64) {
	y := (e2 - e1) / 2
	t = math.Abs(y) + math.Sqrt(p*p+y*y)
	r := math.Sqrt(p*p + t*t)
	c = t / r
	s = p / r
	t = p * p / t
	if y < 0 {
		s, t = -s, -t
	}

	return s, c, t
}

// rotate applies one Jacobi rotation at pivot p.
func (m *DenseMatrix) rotate(ctx context.Context, p pivot, state *int) error {
	k, l := p.Row, p.Col
	e1, err := m.eigenValue(ctx, k)
	if err != nil {
		return err
	}
	e2, err := m.eigenValue(ctx, l)
	if err != nil {
		return err
	}
	s, c, t := rotationParams(p.Value, e1, e2)

	zero := rowMutation(k, familyEigenCol, map[int]float64{l: 0})
	if err = m.table.Put(ctx, zero); err != nil {
		return err
	}
	if err = m.shiftEigenValue(ctx, k, -t, state); err != nil {
		return err
	}
	if err = m.shiftEigenValue(ctx, l, t, state); err != nil {
		return err
	}

	job := &batch.Job{
		Name:      fmt.Sprintf("jacobi rotate %s (%d,%d)", m.path, k, l),
		Input:     batch.Input{Table: m.path, Scan: rowSpan(0, m.rows, familyEigenCol)},
		Transform: transformJacobiRotate,
		Config: batch.Config{}.
			Set(cfgOut, m.path).
			SetInt(cfgN, m.rows).
			SetInt(cfgK, k).
			SetInt(cfgL, l).
			SetFloat(cfgSin, s).
			SetFloat(cfgCos, c),
	}
	if err = m.svc.run(ctx, job); err != nil {
		return err
	}

	if err = m.rotateEigenVectors(ctx, k, l, s, c); err != nil {
		return err
	}
	if err = m.refreshIndex(ctx, k); err != nil {
		return err
	}

	return m.refreshIndex(ctx, l)
}

func (m *DenseMatrix) eigenValue(ctx context.Context, i int) (float64, error) {
	v, ok, err := readCell(ctx, m.table, i, familyEigenVal, qualValue)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("eigenvalue %d: %w", i, ErrMissingValue)
	}

	return v, nil
}

// shiftEigenValue adds delta to estimate i and applies the changed-flag
// hysteresis: a changed row whose shift is below JacobiEpsilon becomes
// unchanged, an unchanged row whose shift exceeds it becomes changed.
func (m *DenseMatrix) shiftEigenValue(ctx context.Context, i int, delta float64, state *int) error {
	res, err := m.table.Get(ctx, kvstore.RowKey(i), familyEigenVal)
	if err != nil {
		return err
	}
	old, err := kvstore.DecodeFloat(res.Value(familyEigenVal, qualValue))
	if err != nil {
		return fmt.Errorf("eigenvalue %d: %w", i, err)
	}
	changed, _, err := readInt(res, familyEigenVal, qualChanged)
	if err != nil {
		return err
	}
	y := old + delta
	mut := kvstore.NewMutation(kvstore.RowKey(i)).Set(familyEigenVal, qualValue, kvstore.EncodeFloat(y))
	switch moved := math.Abs(y - old); {
	case changed == 1 && moved < JacobiEpsilon:
		mut.Set(familyEigenVal, qualChanged, kvstore.EncodeInt(0))
		*state--
	case changed == 0 && moved > JacobiEpsilon:
		mut.Set(familyEigenVal, qualChanged, kvstore.EncodeInt(1))
		*state++
	}

	return m.table.Put(ctx, mut)
}

// rotateEigenVectors rotates eigenvector rows k and l on the driver.
func (m *DenseMatrix) rotateEigenVectors(ctx context.Context, k, l int, s, c float64) error {
	vk, err := readRow(ctx, m.table, k, familyEigenVec, m.cols)
	if err != nil {
		return err
	}
	vl, err := readRow(ctx, m.table, l, familyEigenVec, m.cols)
	if err != nil {
		return err
	}
	rk := make([]float64, m.cols)
	rl := make([]float64, m.cols)
	for j := 0; j < m.cols; j++ {
		e1, e2 := vk[j], vl[j]
		rk[j] = c*e1 - s*e2
		rl[j] = s*e1 + c*e2
	}
	if err = m.table.Put(ctx, denseMutation(k, familyEigenVec, rk)); err != nil {
		return err
	}

	return m.table.Put(ctx, denseMutation(l, familyEigenVec, rl))
}

// maxIndex returns the column of the largest |row[j]| for j > i, or n
// when row i has no upper off-diagonal entry. Ties keep the lowest column.
func maxIndex(row map[int]float64, i, n int) int {
	ind := i + 1
	if i+2 < n {
		for j := i + 2; j < n; j++ {
			if math.Abs(row[j]) > math.Abs(row[ind]) {
				ind = j
			}
		}
	}

	return ind
}

func (m *DenseMatrix) refreshIndex(ctx context.Context, i int) error {
	row, err := readRow(ctx, m.table, i, familyEigenCol, m.cols)
	if err != nil {
		return err
	}
	ind := maxIndex(row, i, m.rows)
	mut := kvstore.NewMutation(kvstore.RowKey(i)).Set(familyEigenVal, qualInd, kvstore.EncodeInt(int64(ind)))

	return m.table.Put(ctx, mut)
}

// jacobiRow builds the full Jacobi state of row i from its cells.
func jacobiRow(i, n int, cells map[int]float64) *kvstore.Mutation {
	mut := kvstore.NewMutation(kvstore.RowKey(i))
	for j := 0; j < n; j++ {
		mut.Set(familyEigenCol, qualifier(j), kvstore.EncodeFloat(cells[j]))
		vec := 0.0
		if j == i {
			vec = 1
		}
		mut.Set(familyEigenVec, qualifier(j), kvstore.EncodeFloat(vec))
	}

	return mut.
		Set(familyEigenVal, qualValue, kvstore.EncodeFloat(cells[i])).
		Set(familyEigenVal, qualChanged, kvstore.EncodeInt(1)).
		Set(familyEigenVal, qualInd, kvstore.EncodeInt(int64(maxIndex(cells, i, n))))
}

// ensureJacobiRow seeds row i when the init pass did not see it.
func (m *DenseMatrix) ensureJacobiRow(ctx context.Context, i int) error {
	res, err := m.table.Get(ctx, kvstore.RowKey(i), familyEigenVal)
	if err != nil {
		return err
	}
	if !res.Empty() {
		return nil
	}

	return m.table.Put(ctx, jacobiRow(i, m.rows, nil))
}

// jacobiInitMap seeds the Jacobi state of one row.
func jacobiInitMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, _ batch.Emitter) error {
	n, err := tc.Config.Int(cfgN)
	if err != nil {
		return err
	}
	out, err := tc.Config.String(cfgOut)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	cells, err := decodeRow(row, familyColumn, n)
	if err != nil {
		return err
	}
	t, err := tc.Table(ctx, out)
	if err != nil {
		return err
	}

	return t.Put(ctx, jacobiRow(i, n, cells))
}

// jacobiPivotMap emits the indexed off-diagonal candidate of one row.
func jacobiPivotMap(_ context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
	n, err := tc.Config.Int(cfgN)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	ind, ok, err := readInt(row, familyEigenVal, qualInd)
	if err != nil || !ok || int(ind) >= n {
		return err
	}
	b := row.Value(familyEigenCol, qualifier(int(ind)))
	if b == nil {
		return fmt.Errorf("eicol[%d][%d]: %w", i, ind, ErrMissingValue)
	}
	v, err := kvstore.DecodeFloat(b)
	if err != nil {
		return err
	}

	return batch.EmitValue(out, pivotKey, pivot{Row: i, Col: int(ind), Value: v})
}

// jacobiPivotCombine keeps the candidate of largest magnitude; the first
// one wins ties. A zero maximum is reported as pivot (0,0).
func jacobiPivotCombine(_ context.Context, _ *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
	var best pivot
	for _, raw := range values {
		p, err := batch.Decode[pivot](raw)
		if err != nil {
			return err
		}
		if math.Abs(p.Value) > math.Abs(best.Value) {
			best = p
		}
	}
	if best.Value == 0 {
		best = pivot{}
	}

	return batch.EmitValue(out, key, best)
}

// jacobiRotateMap applies the rotation to the upper-triangle pairs owned
// by row i (i != k, l):
//
//	i < k:     (S[i][k], S[i][l])
//	k < i < l: (S[k][i], S[i][l])
//	i > l:     (S[k][i], S[l][i])
//
// Every pair is owned by exactly one row, so tasks never write the same
// cell. Each task also refreshes ind[i] when it changed row i.
func jacobiRotateMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, _ batch.Emitter) error {
	cfg := tc.Config
	n, err := cfg.Int(cfgN)
	if err != nil {
		return err
	}
	k, err := cfg.Int(cfgK)
	if err != nil {
		return err
	}
	l, err := cfg.Int(cfgL)
	if err != nil {
		return err
	}
	s, err := cfg.Float(cfgSin)
	if err != nil {
		return err
	}
	c, err := cfg.Float(cfgCos)
	if err != nil {
		return err
	}
	out, err := cfg.String(cfgOut)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	if i == k || i == l {
		return nil
	}
	t, err := tc.Table(ctx, out)
	if err != nil {
		return err
	}
	own, err := decodeRow(row, familyEigenCol, n)
	if err != nil {
		return err
	}
	cell := func(r, j int) (float64, error) {
		v, ok, err := readCell(ctx, t, r, familyEigenCol, qualifier(j))
		if err == nil && !ok {
			err = fmt.Errorf("eicol[%d][%d]: %w", r, j, ErrMissingValue)
		}
		return v, err
	}
	put := func(r, j int, v float64) error {
		return t.Put(ctx, rowMutation(r, familyEigenCol, map[int]float64{j: v}))
	}

	switch {
	case i < k:
		a, b := own[k], own[l]
		own[k], own[l] = c*a-s*b, s*a+c*b
		mut := rowMutation(i, familyEigenCol, map[int]float64{k: own[k], l: own[l]})
		mut.Set(familyEigenVal, qualInd, kvstore.EncodeInt(int64(maxIndex(own, i, n))))
		return t.Put(ctx, mut)

	case i < l:
		a, err := cell(k, i)
		if err != nil {
			return err
		}
		b := own[l]
		own[l] = s*a + c*b
		if err = put(k, i, c*a-s*b); err != nil {
			return err
		}
		mut := rowMutation(i, familyEigenCol, map[int]float64{l: own[l]})
		mut.Set(familyEigenVal, qualInd, kvstore.EncodeInt(int64(maxIndex(own, i, n))))
		return t.Put(ctx, mut)

	default:
		a, err := cell(k, i)
		if err != nil {
			return err
		}
		b, err := cell(l, i)
		if err != nil {
			return err
		}
		if err = put(k, i, c*a-s*b); err != nil {
			return err
		}
		return put(l, i, s*a+c*b)
	}
}

// EigenValues returns the eigenvalue estimates left by Jacobi, by row.
func (m *DenseMatrix) EigenValues(ctx context.Context) ([]float64, error) {
	if err := m.check(); err != nil {
		return nil, matrixErrorf("EigenValues", err)
	}
	out := make([]float64, m.rows)
	for i := range out {
		v, err := m.eigenValue(ctx, i)
		if err != nil {
			return nil, matrixErrorf("EigenValues", err)
		}
		out[i] = v
	}

	return out, nil
}

// EigenVectors returns the eigenvectors left by Jacobi as the columns of
// a Dense: column i belongs to EigenValues()[i].
func (m *DenseMatrix) EigenVectors(ctx context.Context) (*Dense, error) {
	if err := m.check(); err != nil {
		return nil, matrixErrorf("EigenVectors", err)
	}
	d, err := NewDense(m.rows, m.cols)
	if err != nil {
		return nil, matrixErrorf("EigenVectors", err)
	}
	for res, err := range m.table.Scan(ctx, rowSpan(0, m.rows, familyEigenVec)) {
		if err != nil {
			return nil, matrixErrorf("EigenVectors", err)
		}
		i, err := kvstore.RowIndex(res.Row)
		if err != nil {
			return nil, matrixErrorf("EigenVectors", err)
		}
		vec, err := decodeRow(res, familyEigenVec, m.cols)
		if err != nil {
			return nil, matrixErrorf("EigenVectors", err)
		}
		if len(vec) != m.cols {
			return nil, matrixErrorf("EigenVectors", fmt.Errorf("row %d: %w", i, ErrMissingValue))
		}
		for j, v := range vec {
			d.data[j*d.c+i] = v
		}
	}

	return d, nil
}

// EigenResidual returns max |(A·V − V·Λ)[i][j]| for the pairs left by
// Jacobi. A is read from the column family, which Jacobi leaves intact.
func (m *DenseMatrix) EigenResidual(ctx context.Context) (float64, error) {
	vals, err := m.EigenValues(ctx)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	vecs, err := m.EigenVectors(ctx)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	a, err := m.ToDense(ctx)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	lambda, err := NewDense(m.rows, m.cols)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	for i, v := range vals {
		lambda.data[i*lambda.c+i] = v
	}

	av, err := Mul(a, vecs)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	vl, err := Mul(vecs, lambda)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	r, err := Sub(av, vl)
	if err != nil {
		return 0, matrixErrorf("EigenResidual", err)
	}
	var worst float64
	for _, x := range r.data {
		worst = math.Max(worst, math.Abs(x))
	}

	return worst, nil
}
