// SPDX-License-Identifier: MIT

// Package mrcl stores large matrices in a table store and runs their
// algebra as batch jobs over the stored rows.
//
// Layout:
//
//	kvstore/  : table store API with in-memory and SQLite backends
//	batch/    : map/combine jobs over table scans, sequence files
//	registry/ : alias table, reference counts and table collection
//	matrix/   : DenseMatrix, Add, Multiply, blocked Multiply, Norm, Jacobi
//	block/    : square-tile matrices in files or tables, tile multiply
//	config/   : YAML configuration and component wiring
//	cmd/mrcl  : command line front end
//
// Quick example, C = A·B with the row-iterative strategy:
//
//	svc, _ := matrix.NewService(ctx, kvstore.NewMemory())
//	a, _ := svc.Random(ctx, 4, 4, 1)
//	b, _ := svc.Identity(ctx, 4, 4)
//	c, _ := a.Multiply(ctx, b)
//	_ = c.Save(ctx, "product")
package mrcl
