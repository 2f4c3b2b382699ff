// SPDX-License-Identifier: MIT

package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
)

// Content is the payload of one block: a size×size float32 grid in
// row-major order plus the valid extent rows×cols. Edge blocks of a matrix
// whose dimensions do not tile evenly have rows or cols below size; every
// cell outside the valid extent stays zero.
type Content struct {
	addr       Address
	size       int
	rows, cols int
	data       []float32
}

// NewContent allocates a zero block. rows and cols give the valid extent and
// must lie in [1, size].
func NewContent(addr Address, size, rows, cols int) (*Content, error) {
	if size <= 0 || rows <= 0 || cols <= 0 || rows > size || cols > size {
		return nil, blockErrorf("NewContent", addr,
			fmt.Errorf("%w: size=%d extent=%dx%d", ErrInvalidBlockSize, size, rows, cols))
	}

	return &Content{addr: addr, size: size, rows: rows, cols: cols, data: make([]float32, size*size)}, nil
}

// Address returns the block coordinate the content belongs to.
func (c *Content) Address() Address { return c.addr }

// Size returns the edge length of the square grid.
func (c *Content) Size() int { return c.size }

// Rows returns the number of valid rows.
func (c *Content) Rows() int { return c.rows }

// Cols returns the number of valid columns.
func (c *Content) Cols() int { return c.cols }

// Floats returns the full size×size buffer. The slice aliases the block.
func (c *Content) Floats() []float32 { return c.data }

// Fill sets every valid cell to v.
func (c *Content) Fill(v float32) {
	for i := 0; i < c.rows; i++ {
		row := c.data[i*c.size : i*c.size+c.cols]
		for j := range row {
			row[j] = v
		}
	}
}

// Randomize fills the valid extent with values in [0, 1). The stream is a
// PCG seeded from seed and the block coordinates, so the same seed at the
// same coordinates always yields the same buffer.
func (c *Content) Randomize(seed int64) {
	src := rand.NewPCG(uint64(seed), uint64(c.addr.Row)<<32|uint64(uint32(c.addr.Col)))
	rng := rand.New(src)
	for i := 0; i < c.rows; i++ {
		for j := 0; j < c.cols; j++ {
			c.data[i*c.size+j] = rng.Float32()
		}
	}
}

// At returns the cell (i, j) of the valid extent.
func (c *Content) At(i, j int) (float32, error) {
	if i < 0 || i >= c.rows || j < 0 || j >= c.cols {
		return 0, blockErrorf("At", c.addr, fmt.Errorf("%w: (%d,%d)", ErrOutOfRange, i, j))
	}

	return c.data[i*c.size+j], nil
}

// Set writes the cell (i, j) of the valid extent.
func (c *Content) Set(i, j int, v float32) error {
	if i < 0 || i >= c.rows || j < 0 || j >= c.cols {
		return blockErrorf("Set", c.addr, fmt.Errorf("%w: (%d,%d)", ErrOutOfRange, i, j))
	}
	c.data[i*c.size+j] = v

	return nil
}

func (c *Content) sameShape(o *Content) bool {
	return o != nil && c.size == o.size && c.rows == o.rows && c.cols == o.cols
}

// Add stores a + b in c. All three blocks must share size and extent; c may
// alias either operand.
func (c *Content) Add(a, b *Content) error {
	if !c.sameShape(a) || !c.sameShape(b) {
		return blockErrorf("Add", c.addr, ErrShapeMismatch)
	}
	for i, v := range a.data {
		c.data[i] = v + b.data[i]
	}

	return nil
}

// Subtract stores a - b in c.
func (c *Content) Subtract(a, b *Content) error {
	if !c.sameShape(a) || !c.sameShape(b) {
		return blockErrorf("Subtract", c.addr, ErrShapeMismatch)
	}
	for i, v := range a.data {
		c.data[i] = v - b.data[i]
	}

	return nil
}

// Multiply stores the product a·b in c using m. The valid extent of c must
// be a.Rows()×b.Cols() and a.Cols() must equal b.Rows(). c must not alias
// a or b.
func (c *Content) Multiply(m Multiplier, a, b *Content) error {
	if a == nil || b == nil || a.size != c.size || b.size != c.size ||
		a.cols != b.rows || c.rows != a.rows || c.cols != b.cols {
		return blockErrorf("Multiply", c.addr, ErrShapeMismatch)
	}
	if err := m.Multiply(c.size, a.data, b.data, c.data); err != nil {
		return blockErrorf("Multiply", c.addr, err)
	}

	return nil
}

// ByteLen is the persisted length of a block of the given size.
func ByteLen(size int) int { return size * size * 4 }

// MarshalBinary encodes the full grid as big-endian float32 values.
func (c *Content) MarshalBinary() ([]byte, error) {
	b := make([]byte, ByteLen(c.size))
	for i, v := range c.data {
		binary.BigEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}

	return b, nil
}

// UnmarshalBinary decodes exactly ByteLen(Size()) bytes into c. Any other
// length, or a nonzero value outside the valid extent, is ErrCorruptBlock.
func (c *Content) UnmarshalBinary(b []byte) error {
	if len(b) != ByteLen(c.size) {
		return blockErrorf("UnmarshalBinary", c.addr,
			fmt.Errorf("%w: %d bytes, want %d", ErrCorruptBlock, len(b), ByteLen(c.size)))
	}
	for i := range c.data {
		c.data[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	for i := 0; i < c.size; i++ {
		for j := 0; j < c.size; j++ {
			if (i >= c.rows || j >= c.cols) && c.data[i*c.size+j] != 0 {
				return blockErrorf("UnmarshalBinary", c.addr,
					fmt.Errorf("%w: value outside extent at (%d,%d)", ErrCorruptBlock, i, j))
			}
		}
	}

	return nil
}

// WriteTo writes the encoded grid to w.
func (c *Content) WriteTo(w io.Writer) (int64, error) {
	b, _ := c.MarshalBinary()
	n, err := w.Write(b)
	if err != nil {
		return int64(n), blockErrorf("WriteTo", c.addr, err)
	}

	return int64(n), nil
}

// ReadFrom reads exactly ByteLen(Size()) bytes from r. A short read is
// ErrCorruptBlock.
func (c *Content) ReadFrom(r io.Reader) (int64, error) {
	b := make([]byte, ByteLen(c.size))
	n, err := io.ReadFull(r, b)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: short read of %d bytes", ErrCorruptBlock, n)
		}
		return int64(n), blockErrorf("ReadFrom", c.addr, err)
	}

	return int64(n), c.UnmarshalBinary(b)
}

// Equal reports whether c and o have the same shape and bit-identical cells.
func (c *Content) Equal(o *Content) bool {
	if !c.sameShape(o) {
		return false
	}
	for i, v := range c.data {
		if math.Float32bits(v) != math.Float32bits(o.data[i]) {
			return false
		}
	}

	return true
}
