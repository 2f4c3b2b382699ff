// SPDX-License-Identifier: MIT

package block

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the block edge used when no size is given.
const DefaultBlockSize = 64

// Matrix is a block-partitioned matrix persisted in a Store. Only the
// description is held in memory; blocks are read on demand.
type Matrix struct {
	store  Store
	desc   Description
	mult   Multiplier
	par    int
	logger *slog.Logger
}

type options struct {
	blockSize   int
	multiplier  Multiplier
	parallelism int
	logger      *slog.Logger
}

// Option configures Create, Open and the block-matrix operations.
type Option func(*options)

// WithBlockSize sets the block edge for newly created matrices.
func WithBlockSize(n int) Option { return func(o *options) { o.blockSize = n } }

// WithMultiplier sets the GEMM backend used by Multiply.
func WithMultiplier(m Multiplier) Option { return func(o *options) { o.multiplier = m } }

// WithParallelism bounds how many result blocks are computed at once.
func WithParallelism(n int) Option { return func(o *options) { o.parallelism = n } }

// WithLogger sets the logger; nil discards.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func gatherOptions(opts []Option) options {
	o := options{blockSize: DefaultBlockSize, parallelism: 1}
	for _, fn := range opts {
		fn(&o)
	}
	if o.multiplier == nil {
		o.multiplier = SelectMultiplier(false)
	}
	if o.parallelism <= 0 {
		o.parallelism = 1
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return o
}

func newMatrix(store Store, d Description, o options) *Matrix {
	return &Matrix{store: store, desc: d, mult: o.multiplier, par: o.parallelism, logger: o.logger}
}

// Create writes the description and a zero block for every grid position.
func Create(ctx context.Context, store Store, name string, rows, cols int, opts ...Option) (*Matrix, error) {
	return create(ctx, store, name, rows, cols, gatherOptions(opts), nil)
}

// CreateFill creates a matrix whose every cell is v.
func CreateFill(ctx context.Context, store Store, name string, rows, cols int, v float32, opts ...Option) (*Matrix, error) {
	return create(ctx, store, name, rows, cols, gatherOptions(opts), func(c *Content) { c.Fill(v) })
}

// CreateRandom creates a matrix whose blocks are Randomize(seed). The same
// seed and block size reproduce the same matrix.
func CreateRandom(ctx context.Context, store Store, name string, rows, cols int, seed int64, opts ...Option) (*Matrix, error) {
	return create(ctx, store, name, rows, cols, gatherOptions(opts), func(c *Content) { c.Randomize(seed) })
}

func create(ctx context.Context, store Store, name string, rows, cols int, o options, init func(*Content)) (*Matrix, error) {
	d := Description{Name: name, Rows: rows, Cols: cols, BlockSize: o.blockSize}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("block: create %q: %w", name, err)
	}
	if err := store.WriteDescription(ctx, d); err != nil {
		return nil, err
	}
	m := newMatrix(store, d, o)
	for r := 0; r < d.BlockRows(); r++ {
		for c := 0; c < d.BlockCols(); c++ {
			blk, err := d.NewBlock(r, c)
			if err != nil {
				return nil, err
			}
			if init != nil {
				init(blk)
			}
			if err = store.WriteBlock(ctx, blk); err != nil {
				return nil, err
			}
		}
	}
	m.logger.Debug("created block matrix", "matrix", name, "rows", rows, "cols", cols,
		"block_size", d.BlockSize, "blocks", d.BlockRows()*d.BlockCols())

	return m, nil
}

// Open loads an existing matrix from its description.
func Open(ctx context.Context, store Store, name string, opts ...Option) (*Matrix, error) {
	d, err := store.ReadDescription(ctx, name)
	if err != nil {
		return nil, err
	}

	return newMatrix(store, d, gatherOptions(opts)), nil
}

func (m *Matrix) Name() string             { return m.desc.Name }
func (m *Matrix) Rows() int                { return m.desc.Rows }
func (m *Matrix) Cols() int                { return m.desc.Cols }
func (m *Matrix) BlockSize() int           { return m.desc.BlockSize }
func (m *Matrix) BlockRows() int           { return m.desc.BlockRows() }
func (m *Matrix) BlockCols() int           { return m.desc.BlockCols() }
func (m *Matrix) Description() Description { return m.desc }

// Block reads block (r, c).
func (m *Matrix) Block(ctx context.Context, r, c int) (*Content, error) {
	blk, err := m.desc.NewBlock(r, c)
	if err != nil {
		return nil, err
	}
	if err = m.store.ReadBlock(ctx, blk); err != nil {
		return nil, err
	}

	return blk, nil
}

// SetBlock overwrites a block. Its address and shape must match the grid.
func (m *Matrix) SetBlock(ctx context.Context, c *Content) error {
	addr := c.Address()
	want, err := m.desc.NewBlock(addr.Row, addr.Col)
	if err != nil {
		return err
	}
	if addr.Matrix != m.desc.Name || !want.sameShape(c) {
		return blockErrorf("SetBlock", addr, ErrShapeMismatch)
	}

	return m.store.WriteBlock(ctx, c)
}

// Multiply computes a·b into a new matrix called name in a's store. The
// operands must share a block size and a.Cols() must equal b.Rows(). Each
// result block C[i][j] accumulates A[i][r]·B[r][j] over the shared block
// dimension r.
func Multiply(ctx context.Context, name string, a, b *Matrix, opts ...Option) (*Matrix, error) {
	if a.desc.Cols != b.desc.Rows || a.desc.BlockSize != b.desc.BlockSize {
		return nil, fmt.Errorf("block: multiply %s(%dx%d/%d) by %s(%dx%d/%d): %w",
			a.desc.Name, a.desc.Rows, a.desc.Cols, a.desc.BlockSize,
			b.desc.Name, b.desc.Rows, b.desc.Cols, b.desc.BlockSize, ErrShapeMismatch)
	}
	o := a.inherit(opts)
	c, err := create(ctx, a.store, name, a.desc.Rows, b.desc.Cols, o, nil)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i := 0; i < c.BlockRows(); i++ {
		for j := 0; j < c.BlockCols(); j++ {
			g.Go(func() error { return c.multiplyInto(gctx, i, j, a, b) })
		}
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Debug("block multiply done", "matrix", name, "rounds", a.BlockCols(), "gemm", c.mult.Name())

	return c, nil
}

// inherit starts from m's settings, applies opts, and pins the block size
// to m's so results line up with the operand grid.
func (m *Matrix) inherit(opts []Option) options {
	base := []Option{WithMultiplier(m.mult), WithParallelism(m.par), WithLogger(m.logger)}
	o := gatherOptions(append(base, opts...))
	o.blockSize = m.desc.BlockSize

	return o
}

func (m *Matrix) multiplyInto(ctx context.Context, i, j int, a, b *Matrix) error {
	acc, err := m.desc.NewBlock(i, j)
	if err != nil {
		return err
	}
	tmp, _ := m.desc.NewBlock(i, j)
	for r := 0; r < a.BlockCols(); r++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		ab, err := a.Block(ctx, i, r)
		if err != nil {
			return err
		}
		bb, err := b.Block(ctx, r, j)
		if err != nil {
			return err
		}
		if err = tmp.Multiply(m.mult, ab, bb); err != nil {
			return err
		}
		if err = acc.Add(acc, tmp); err != nil {
			return err
		}
	}

	return m.store.WriteBlock(ctx, acc)
}

// Add computes a + b into a new matrix called name in a's store.
func Add(ctx context.Context, name string, a, b *Matrix, opts ...Option) (*Matrix, error) {
	if a.desc.Rows != b.desc.Rows || a.desc.Cols != b.desc.Cols || a.desc.BlockSize != b.desc.BlockSize {
		return nil, fmt.Errorf("block: add %s to %s: %w", b.desc.Name, a.desc.Name, ErrShapeMismatch)
	}
	o := a.inherit(opts)
	d := Description{Name: name, Rows: a.desc.Rows, Cols: a.desc.Cols, BlockSize: a.desc.BlockSize}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if err := a.store.WriteDescription(ctx, d); err != nil {
		return nil, err
	}
	c := newMatrix(a.store, d, o)
	for i := 0; i < d.BlockRows(); i++ {
		for j := 0; j < d.BlockCols(); j++ {
			ab, err := a.Block(ctx, i, j)
			if err != nil {
				return nil, err
			}
			bb, err := b.Block(ctx, i, j)
			if err != nil {
				return nil, err
			}
			sum, _ := d.NewBlock(i, j)
			if err = sum.Add(ab, bb); err != nil {
				return nil, err
			}
			if err = c.store.WriteBlock(ctx, sum); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

// Floats returns the logical matrix as a row-major Rows()×Cols() slice.
func (m *Matrix) Floats(ctx context.Context) ([]float32, error) {
	d := m.desc
	out := make([]float32, d.Rows*d.Cols)
	for r := 0; r < d.BlockRows(); r++ {
		for c := 0; c < d.BlockCols(); c++ {
			blk, err := m.Block(ctx, r, c)
			if err != nil {
				return nil, err
			}
			for i := 0; i < blk.rows; i++ {
				dst := out[(r*d.BlockSize+i)*d.Cols+c*d.BlockSize:]
				copy(dst[:blk.cols], blk.data[i*blk.size:i*blk.size+blk.cols])
			}
		}
	}

	return out, nil
}

// Format renders the logical matrix one bracketed row per line.
func (m *Matrix) Format(ctx context.Context) (string, error) {
	vals, err := m.Floats(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 0; i < m.desc.Rows; i++ {
		sb.WriteString("[")
		for j := 0; j < m.desc.Cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%g", vals[i*m.desc.Cols+j])
		}
		sb.WriteString("]\n")
	}

	return sb.String(), nil
}

// Drop removes the matrix from its store.
func (m *Matrix) Drop(ctx context.Context) error {
	return m.store.Drop(ctx, m.desc.Name)
}
