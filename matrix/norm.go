// SPDX-License-Identifier: MIT

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

const (
	transformNorm = "mrcl.norm"
	combineNorm   = "mrcl.norm.reduce"

	cfgNorm = "norm"
)

// Norm computes the requested norm with one batch pass whose reduced
// records are staged in a sequence file under the scratch directory.
// Absent cells count as zero; an empty matrix has norm 0.
func (m *DenseMatrix) Norm(ctx context.Context, kind NormType) (float64, error) {
	if err := m.check(); err != nil {
		return 0, matrixErrorf("Norm", err)
	}
	if kind < NormOne || kind > NormMaxValue {
		return 0, matrixErrorf("Norm", fmt.Errorf("unknown norm %s", kind))
	}
	path := filepath.Join(m.svc.opts.scratchDir, fmt.Sprintf("norm-%s-%s.seq", kind, uuid.NewString()))
	defer os.Remove(path)

	job := &batch.Job{
		Name:      fmt.Sprintf("norm %s of %s", kind, m.path),
		Input:     batch.Input{Table: m.path, Scan: rowSpan(0, m.rows, familyColumn)},
		Transform: transformNorm,
		Combine:   combineNorm,
		Output:    batch.Output{SeqFile: path},
		Config:    batch.Config{}.SetInt(cfgNorm, int(kind)).SetInt(cfgCols, m.cols),
	}
	if err := m.svc.run(ctx, job); err != nil {
		return 0, matrixErrorf("Norm", err)
	}

	r, err := batch.OpenSeqFile(path)
	if err != nil {
		return 0, matrixErrorf("Norm", err)
	}
	defer r.Close()
	var acc float64
	for {
		_, v, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, matrixErrorf("Norm", err)
		}
		x, err := batch.Decode[float64](v)
		if err != nil {
			return 0, matrixErrorf("Norm", err)
		}
		// Every kind reduces across records by maximum; Frobenius has one record.
		acc = math.Max(acc, x)
	}
	if kind == NormFrobenius {
		acc = math.Sqrt(acc)
	}

	return acc, nil
}

// Norm record keys. NormOne keys by column; the other kinds use one key.
var normTotalKey = []byte("total")

// normMap emits per-row contributions: |v| per column for NormOne, the
// absolute row sum for NormInfinity, Σv² for NormFrobenius, and max |v|
// for NormMaxValue.
func normMap(_ context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
	kind, err := tc.Config.Int(cfgNorm)
	if err != nil {
		return err
	}
	cols, err := tc.Config.Int(cfgCols)
	if err != nil {
		return err
	}
	cells, err := decodeRow(row, familyColumn, cols)
	if err != nil {
		return err
	}

	var acc float64
	for j, v := range cells {
		switch NormType(kind) {
		case NormOne:
			if err = batch.EmitValue(out, kvstore.RowKey(j), math.Abs(v)); err != nil {
				return err
			}
		case NormInfinity:
			acc += math.Abs(v)
		case NormFrobenius:
			acc += v * v
		case NormMaxValue:
			acc = math.Max(acc, math.Abs(v))
		}
	}
	if NormType(kind) == NormOne {
		return nil
	}

	return batch.EmitValue(out, normTotalKey, acc)
}

// normCombine sums per key for NormOne and NormFrobenius and keeps the
// maximum for the others.
func normCombine(_ context.Context, tc *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
	kind, err := tc.Config.Int(cfgNorm)
	if err != nil {
		return err
	}
	var acc float64
	for _, raw := range values {
		x, err := batch.Decode[float64](raw)
		if err != nil {
			return err
		}
		switch NormType(kind) {
		case NormOne, NormFrobenius:
			acc += x
		default:
			acc = math.Max(acc, x)
		}
	}

	return batch.EmitValue(out, key, acc)
}
