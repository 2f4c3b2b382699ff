// SPDX-License-Identifier: MIT

// Package matrix: shared types. Errors and options live in errors.go and
// options.go.
package matrix

import "strconv"

// Shape is anything with matrix dimensions. Both Dense and DenseMatrix
// satisfy it, so the validators serve in-memory and stored matrices alike.
type Shape interface {
	Rows() int
	Cols() int
}

// Matrix represents a two-dimensional mutable array of float64 values held
// in memory.
//
// Complexity notes: all methods are expected O(1) except Clone (O(r*c)).
type Matrix interface {
	Shape

	// At retrieves the element at position (i, j).
	// Returns ErrOutOfRange if i<0, i>=Rows(), j<0 or j>=Cols().
	At(i, j int) (float64, error)

	// Set assigns the value v at position (i, j).
	// Returns ErrOutOfRange if indices are invalid.
	Set(i, j int, v float64) error

	// Clone returns a deep copy of the matrix.
	Clone() Matrix
}

// AddTerm is one scaled operand of AddAll.
type AddTerm struct {
	M     *DenseMatrix
	Alpha float64
}

// Plus returns the term 1·m.
func Plus(m *DenseMatrix) AddTerm { return AddTerm{M: m, Alpha: 1} }

// PlusScaled returns the term alpha·m.
func PlusScaled(m *DenseMatrix, alpha float64) AddTerm { return AddTerm{M: m, Alpha: alpha} }

// NormType selects the matrix norm computed by DenseMatrix.Norm.
type NormType int

const (
	// NormOne is the maximum absolute column sum.
	NormOne NormType = iota
	// NormInfinity is the maximum absolute row sum.
	NormInfinity
	// NormFrobenius is the square root of the sum of squares.
	NormFrobenius
	// NormMaxValue is the largest absolute cell value.
	NormMaxValue
)

func (n NormType) String() string {
	switch n {
	case NormOne:
		return "one"
	case NormInfinity:
		return "infinity"
	case NormFrobenius:
		return "frobenius"
	case NormMaxValue:
		return "maxvalue"
	default:
		return "norm(" + strconv.Itoa(int(n)) + ")"
	}
}

// JacobiState is the state of a Jacobi eigenvalue run.
type JacobiState int

const (
	Initializing JacobiState = iota
	Iterating
	Converged
	IterationCapReached
)

func (s JacobiState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case IterationCapReached:
		return "iteration-cap-reached"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// JacobiResult reports how a Jacobi run ended. Both Converged and
// IterationCapReached are normal exits.
type JacobiResult struct {
	State      JacobiState
	Iterations int // pivot searches performed
	Rotations  int // rotations applied
}
