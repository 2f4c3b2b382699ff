// SPDX-License-Identifier: MIT

package block

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// Multiplier is the dense GEMM device.
//
// Multiply computes c = a·b for square n×n row-major float32 tiles.
// MultiplyAdd accumulates c += a·b for row-major float64 operands of shape
// m×k and k×n; it serves the collected tiles of stored matrices, whose
// cells are float64. Implementations must agree within rounding.
type Multiplier interface {
	Name() string
	Multiply(n int, a, b, c []float32) error
	MultiplyAdd(m, k, n int, a, b, c []float64) error
}

func checkGEMM(n int, a, b, c []float32) error {
	if n <= 0 {
		return fmt.Errorf("%w: n=%d", ErrInvalidBlockSize, n)
	}
	if len(a) != n*n || len(b) != n*n || len(c) != n*n {
		return fmt.Errorf("%w: buffers %d/%d/%d for n=%d", ErrShapeMismatch, len(a), len(b), len(c), n)
	}

	return nil
}

func checkGEMM64(m, k, n int, a, b, c []float64) error {
	if m <= 0 || k <= 0 || n <= 0 {
		return fmt.Errorf("%w: %dx%d·%dx%d", ErrInvalidBlockSize, m, k, k, n)
	}
	if len(a) != m*k || len(b) != k*n || len(c) != m*n {
		return fmt.Errorf("%w: buffers %d/%d/%d for %dx%d·%dx%d", ErrShapeMismatch, len(a), len(b), len(c), m, k, k, n)
	}

	return nil
}

// Portable is the triple-loop GEMM. Always available.
type Portable struct{}

func (Portable) Name() string { return "portable" }

// Multiply runs the i-k-j loop so the inner loop walks both b and c by row.
func (Portable) Multiply(n int, a, b, c []float32) error {
	if err := checkGEMM(n, a, b, c); err != nil {
		return err
	}
	clear(c)
	for i := 0; i < n; i++ {
		ci := c[i*n : (i+1)*n]
		for k := 0; k < n; k++ {
			aik := a[i*n+k]
			if aik == 0 {
				continue
			}
			bk := b[k*n : (k+1)*n]
			for j, v := range bk {
				ci[j] += aik * v
			}
		}
	}

	return nil
}

func (Portable) MultiplyAdd(m, k, n int, a, b, c []float64) error {
	if err := checkGEMM64(m, k, n, a, b, c); err != nil {
		return err
	}
	for i := 0; i < m; i++ {
		ci := c[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			aip := a[i*k+p]
			if aip == 0 {
				continue
			}
			for j, v := range b[p*n : (p+1)*n] {
				ci[j] += aip * v
			}
		}
	}

	return nil
}

// BLAS delegates to the registered blas32 and blas64 implementations
// (gonum's native ones unless the process installed others with Use). The
// float32 result is staged and copied back into c; the float64 product
// accumulates into c in place.
type BLAS struct{}

func (BLAS) Name() string { return "blas" }

func (BLAS) Multiply(n int, a, b, c []float32) error {
	if err := checkGEMM(n, a, b, c); err != nil {
		return err
	}
	ga := blas32.General{Rows: n, Cols: n, Stride: n, Data: a}
	gb := blas32.General{Rows: n, Cols: n, Stride: n, Data: b}
	gc := blas32.General{Rows: n, Cols: n, Stride: n, Data: make([]float32, n*n)}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 0, gc)
	copy(c, gc.Data)

	return nil
}

func (BLAS) MultiplyAdd(m, k, n int, a, b, c []float64) error {
	if err := checkGEMM64(m, k, n, a, b, c); err != nil {
		return err
	}
	ga := blas64.General{Rows: m, Cols: k, Stride: k, Data: a}
	gb := blas64.General{Rows: k, Cols: n, Stride: n, Data: b}
	gc := blas64.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 1, gc)

	return nil
}

// SelectMultiplier returns BLAS when preferAccelerated is set and both
// BLAS implementations are installed, Portable otherwise.
func SelectMultiplier(preferAccelerated bool) Multiplier {
	if preferAccelerated && blas32.Implementation() != nil && blas64.Implementation() != nil {
		return BLAS{}
	}

	return Portable{}
}
