// SPDX-License-Identifier: MIT

// Package matrix implements large dense matrices persisted in a table
// store and processed by batch jobs.
//
// The matrix package provides:
//
//   - DenseMatrix: one store table per matrix, row i under kvstore.RowKey(i),
//     cell j under column:<j>. Shape and type live in the metadata row.
//   - Named matrices: Create, Open, Save and Close cooperate with the alias
//     registry so that a matrix is collected once nothing refers to it.
//   - Distributed algebra: AddAll (A + Σ αB), Multiply (row-iterative) and
//     MultiplyBlocked (√blocks × √blocks tiling through a collect table).
//   - Norm (one, infinity, frobenius, max value) through a reduced
//     sequence file.
//   - Jacobi: the eigenvalue iteration for symmetric matrices, with its
//     working state in the eicol, eival and eivec families.
//   - Dense: a small in-memory matrix for tiles, sub-matrices and results.
//
// Every distributed operation is a batch.Job whose transforms are
// registered on the engine by NewService. Absent cells read as zero in
// arithmetic; Get reports them as ErrMissingValue.
//
// See the examples in this package for usage patterns.
package matrix
