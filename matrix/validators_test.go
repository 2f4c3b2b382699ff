// SPDX-License-Identifier: MIT

// Package matrix_test contains unit tests for the matrix validators.
package matrix_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achimnol/mrcl/matrix"
)

func shaped(t *testing.T, r, c int) matrix.Matrix {
	t.Helper()
	m, err := matrix.NewDense(r, c)
	require.NoError(t, err)

	return m
}

// TestValidateSameShape covers nil inputs, matching and mismatched dimensions.
func TestValidateSameShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    matrix.Matrix
		wantErr error
	}{
		{"both nil", nil, nil, matrix.ErrNilMatrix},
		{"first nil", nil, shaped(t, 2, 2), matrix.ErrNilMatrix},
		{"second nil", shaped(t, 2, 2), nil, matrix.ErrNilMatrix},
		{"equal 2x3", shaped(t, 2, 3), shaped(t, 2, 3), nil},
		{"row mismatch", shaped(t, 2, 3), shaped(t, 3, 3), matrix.ErrDimensionMismatch},
		{"col mismatch", shaped(t, 2, 3), shaped(t, 2, 4), matrix.ErrDimensionMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := matrix.ValidateSameShape(tc.a, tc.b)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Truef(t, errors.Is(err, tc.wantErr), "expected errors.Is(%v, %v)", err, tc.wantErr)
		})
	}
}

// TestValidateMulCompatible checks the inner-dimension rule.
func TestValidateMulCompatible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    matrix.Matrix
		wantErr error
	}{
		{"nil", nil, shaped(t, 1, 1), matrix.ErrNilMatrix},
		{"2x3 by 3x1", shaped(t, 2, 3), shaped(t, 3, 1), nil},
		{"2x3 by 2x3", shaped(t, 2, 3), shaped(t, 2, 3), matrix.ErrDimensionMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := matrix.ValidateMulCompatible(tc.a, tc.b)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

// TestValidateSquare covers nil inputs, square and non-square cases.
func TestValidateSquare(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, matrix.ValidateSquare(nil), matrix.ErrNilMatrix)
	require.NoError(t, matrix.ValidateSquare(shaped(t, 3, 3)))
	require.ErrorIs(t, matrix.ValidateSquare(shaped(t, 2, 3)), matrix.ErrNonSquare)
}
