// SPDX-License-Identifier: MIT

// Package matrix - Dense storage (row-major) & safe accessors.
//
// Purpose:
//   - Hold the in-memory results of SubMatrix and the block operands of the
//     blocked multiply pass.
//   - Guarantee safety at the public surface: At/Set return errors instead of panicking.
//   - Travel through the batch engine as a compact CBOR record.
//
// Complexity quicksheet:
//   - NewDense: O(r*c) zero-init; At/Set: O(1); Clone: O(r*c).

package matrix

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ---------- error context tags ----------

const (
	ctxAt  = "At"
	ctxSet = "Set"
)

// ---------- Formatting literals ----------
const (
	_fmtRowOpen  = "["
	_fmtRowClose = "]\n"
	_fmtSep      = ", "
)

// denseErrorf wraps an error with a uniform Dense context and callsite indices.
func denseErrorf(method string, row, col int, err error) error {
	return fmt.Errorf("Dense.%s(%d,%d): %w", method, row, col, err)
}

// Dense is a concrete row-major matrix.
//   - r,c hold dimensions (rows, cols).
//   - data is a flat buffer of length r*c in row-major order (offset = i*c + j).
type Dense struct {
	r, c int
	data []float64
}

// Compile-time assertions for interface & fmt.Stringer conformance.
var (
	_ Matrix         = (*Dense)(nil)
	_ fmt.Stringer   = (*Dense)(nil)
	_ cbor.Marshaler = (*Dense)(nil)
)

// NewDense creates an r×c zero matrix using row-major storage.
//
// Errors:
//   - ErrInvalidDimensions when rows <= 0 or cols <= 0.
//
// Complexity:
//   - Time O(r*c), Space O(r*c).
func NewDense(rows, cols int) (*Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, denseErrorf("New", rows, cols, ErrInvalidDimensions)
	}

	return &Dense{r: rows, c: cols, data: make([]float64, rows*cols)}, nil
}

// NewDenseFrom copies a row-major slice of rows*cols values.
func NewDenseFrom(rows, cols int, values []float64) (*Dense, error) {
	m, err := NewDense(rows, cols)
	if err != nil {
		return nil, err
	}
	if len(values) != rows*cols {
		return nil, denseErrorf("New", rows, cols, ErrDimensionMismatch)
	}
	copy(m.data, values)

	return m, nil
}

// Rows returns the number of rows.
func (m *Dense) Rows() int { return m.r }

// Cols returns the number of columns.
func (m *Dense) Cols() int { return m.c }

// Shape returns (rows, cols).
func (m *Dense) Shape() (rows, cols int) { return m.r, m.c }

// indexOf maps (row, col) to the flat offset after a bounds check.
func (m *Dense) indexOf(row, col int) (int, error) {
	if err := validateIndex(m.r, m.c, row, col); err != nil {
		return 0, err
	}

	return row*m.c + col, nil
}

// At returns the value at (row, col) or ErrOutOfRange.
func (m *Dense) At(row, col int) (float64, error) {
	off, err := m.indexOf(row, col)
	if err != nil {
		return 0, denseErrorf(ctxAt, row, col, err)
	}

	return m.data[off], nil
}

// Set stores v at (row, col).
//
// Errors:
//   - ErrOutOfRange for bounds; ErrNaNInf for non-finite values.
func (m *Dense) Set(row, col int, v float64) error {
	off, err := m.indexOf(row, col)
	if err != nil {
		return denseErrorf(ctxSet, row, col, err)
	}
	if err = validateFinite(v); err != nil {
		return denseErrorf(ctxSet, row, col, err)
	}
	m.data[off] = v

	return nil
}

// Clone returns a deep copy.
func (m *Dense) Clone() Matrix {
	cp := make([]float64, len(m.data))
	copy(cp, m.data)

	return &Dense{r: m.r, c: m.c, data: cp}
}

// RawRowView returns row i of the backing buffer without copying.
// Mutations are visible in m. Panics if i is out of range.
func (m *Dense) RawRowView(i int) []float64 {
	return m.data[i*m.c : (i+1)*m.c]
}

// String renders rows as lines with comma-separated values.
func (m *Dense) String() string {
	var b strings.Builder
	for i := 0; i < m.r; i++ {
		b.WriteString(_fmtRowOpen)
		base := i * m.c
		for j := 0; j < m.c; j++ {
			fmt.Fprintf(&b, "%g", m.data[base+j])
			if j+1 < m.c {
				b.WriteString(_fmtSep)
			}
		}
		b.WriteString(_fmtRowClose)
	}

	return b.String()
}

// denseRecord is the wire form of a Dense.
type denseRecord struct {
	Rows int       `cbor:"1,keyasint"`
	Cols int       `cbor:"2,keyasint"`
	Data []float64 `cbor:"3,keyasint"`
}

// MarshalCBOR implements cbor.Marshaler.
func (m *Dense) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(denseRecord{Rows: m.r, Cols: m.c, Data: m.data})
}

// UnmarshalCBOR implements cbor.Unmarshaler. The record must describe a
// valid shape and carry exactly rows*cols values.
func (m *Dense) UnmarshalCBOR(b []byte) error {
	var rec denseRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return err
	}
	if rec.Rows <= 0 || rec.Cols <= 0 || len(rec.Data) != rec.Rows*rec.Cols {
		return denseErrorf("UnmarshalCBOR", rec.Rows, rec.Cols, ErrInvalidDimensions)
	}
	m.r, m.c, m.data = rec.Rows, rec.Cols, rec.Data

	return nil
}
