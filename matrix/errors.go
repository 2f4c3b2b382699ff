// SPDX-License-Identifier: MIT
// Package matrix: sentinel error set.
// All operations return these sentinels, wrapped with an operation tag via
// matrixErrorf or denseErrorf; callers match them with errors.Is. Storage and
// batch failures are wrapped the same way and never swallowed.

package matrix

import "errors"

// NOTE ON NAMING & PREFIXING
// --------------------------
// Every message is prefixed with "matrix: ..." so store-level and
// matrix-level failures are easy to tell apart in logs.

var (
	// ErrInvalidDimensions is returned for negative row or column counts, and
	// for non-positive Dense shapes.
	ErrInvalidDimensions = errors.New("matrix: invalid dimensions")

	// ErrOutOfRange indicates that a row or column index is outside the
	// declared extent. Accessors return it and never clamp.
	ErrOutOfRange = errors.New("matrix: index out of range")

	// ErrMissingValue indicates an in-range cell that was never written.
	ErrMissingValue = errors.New("matrix: missing value")

	// ErrDimensionMismatch indicates incompatible operand shapes, e.g. Add
	// on different shapes or Multiply where a.Cols != b.Rows.
	ErrDimensionMismatch = errors.New("matrix: dimension mismatch")

	// ErrIndivisibleBlocks is returned by MultiplyBlocked for a block count
	// that is not a positive perfect square.
	ErrIndivisibleBlocks = errors.New("matrix: block count is not a perfect square")

	// ErrNotFound is returned when an alias or physical matrix does not exist.
	ErrNotFound = errors.New("matrix: not found")

	// ErrClosed is returned by every operation on a closed DenseMatrix.
	ErrClosed = errors.New("matrix: matrix is closed")

	// ErrNonSquare signals that a square matrix was required.
	ErrNonSquare = errors.New("matrix: matrix is not square")

	// ErrNilMatrix indicates that a nil operand was passed.
	ErrNilMatrix = errors.New("matrix: nil matrix")

	// ErrNaNInf signals a NaN or ±Inf value where finite values are required.
	ErrNaNInf = errors.New("matrix: NaN or Inf encountered")
)
