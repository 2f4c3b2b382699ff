// SPDX-License-Identifier: MIT
// Package matrix provides the in-memory kernels used to check results held
// as Dense: subtraction and multiplication. Both validate shapes up front
// and return wrapped sentinels.

package matrix

import "fmt"

// Operation name constants for unified error wrapping.
const (
	opAdd = "Add"
	opSub = "Sub"
	opMul = "Mul"
)

// matrixErrorf wraps err with an operation tag, preserving the original
// error via %w. Call only with err != nil.
func matrixErrorf(tag string, err error) error {
	return fmt.Errorf("%s: %w", tag, err)
}

// Sub returns a - b. Fast path when both operands are *Dense; otherwise
// At in i→j order.
func Sub(a, b Matrix) (*Dense, error) {
	if err := ValidateSameShape(a, b); err != nil {
		return nil, matrixErrorf(opSub, err)
	}
	out, err := NewDense(a.Rows(), a.Cols())
	if err != nil {
		return nil, matrixErrorf(opSub, err)
	}

	ad, okA := a.(*Dense)
	bd, okB := b.(*Dense)
	if okA && okB {
		for k := range out.data {
			out.data[k] = ad.data[k] - bd.data[k]
		}
		return out, nil
	}

	var av, bv float64
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			if av, err = a.At(i, j); err != nil {
				return nil, matrixErrorf(opSub, err)
			}
			if bv, err = b.At(i, j); err != nil {
				return nil, matrixErrorf(opSub, err)
			}
			out.data[i*out.c+j] = av - bv
		}
	}

	return out, nil
}

// Mul returns a·b. The *Dense fast path runs the i-k-j loop over the flat
// buffers and skips zero a[i][k]; other implementations go through At.
//
// Errors: ErrNilMatrix, ErrDimensionMismatch.
// Complexity: O(r·k·c).
func Mul(a, b Matrix) (*Dense, error) {
	if err := ValidateMulCompatible(a, b); err != nil {
		return nil, matrixErrorf(opMul, err)
	}
	out, err := NewDense(a.Rows(), b.Cols())
	if err != nil {
		return nil, matrixErrorf(opMul, err)
	}

	ad, okA := a.(*Dense)
	bd, okB := b.(*Dense)
	if okA && okB {
		n, inner := bd.c, ad.c
		for i := 0; i < ad.r; i++ {
			row := out.data[i*n : (i+1)*n]
			for k := 0; k < inner; k++ {
				aik := ad.data[i*inner+k]
				if aik == 0 {
					continue
				}
				brow := bd.data[k*n : (k+1)*n]
				for j, bkj := range brow {
					row[j] += aik * bkj
				}
			}
		}
		return out, nil
	}

	var aik, bkj float64
	for i := 0; i < a.Rows(); i++ {
		for k := 0; k < a.Cols(); k++ {
			if aik, err = a.At(i, k); err != nil {
				return nil, matrixErrorf(opMul, err)
			}
			for j := 0; j < b.Cols(); j++ {
				if bkj, err = b.At(k, j); err != nil {
					return nil, matrixErrorf(opMul, err)
				}
				out.data[i*out.c+j] += aik * bkj
			}
		}
	}

	return out, nil
}
