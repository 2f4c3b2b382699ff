// SPDX-License-Identifier: MIT

package block

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
)

// Description is the persisted header of a block matrix.
type Description struct {
	Name      string `cbor:"1,keyasint"`
	Rows      int    `cbor:"2,keyasint"`
	Cols      int    `cbor:"3,keyasint"`
	BlockSize int    `cbor:"4,keyasint"`
}

func (d Description) validate() error {
	if d.Name == "" || d.Rows <= 0 || d.Cols <= 0 || d.BlockSize <= 0 {
		return fmt.Errorf("%w: %q %dx%d block %d", ErrInvalidBlockSize, d.Name, d.Rows, d.Cols, d.BlockSize)
	}

	return nil
}

// BlockRows is the number of block rows, counting a partial last one.
func (d Description) BlockRows() int { return ceilDiv(d.Rows, d.BlockSize) }

// BlockCols is the number of block columns, counting a partial last one.
func (d Description) BlockCols() int { return ceilDiv(d.Cols, d.BlockSize) }

// Extent returns the valid rows and columns of block (r, c).
func (d Description) Extent(r, c int) (rows, cols int) {
	return min(d.BlockSize, d.Rows-r*d.BlockSize), min(d.BlockSize, d.Cols-c*d.BlockSize)
}

// NewBlock allocates an empty block at (r, c) with the right extent.
func (d Description) NewBlock(r, c int) (*Content, error) {
	addr := Address{Matrix: d.Name, Row: r, Col: c}
	if r < 0 || r >= d.BlockRows() || c < 0 || c >= d.BlockCols() {
		return nil, blockErrorf("NewBlock", addr, ErrOutOfRange)
	}
	rows, cols := d.Extent(r, c)

	return NewContent(addr, d.BlockSize, rows, cols)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Store persists block payloads and matrix descriptions.
type Store interface {
	// WriteBlock persists c under c.Address().
	WriteBlock(ctx context.Context, c *Content) error

	// ReadBlock fills dst from the block at dst.Address(). dst fixes the
	// expected size and extent. Absent blocks are ErrNotFound.
	ReadBlock(ctx context.Context, dst *Content) error

	WriteDescription(ctx context.Context, d Description) error

	ReadDescription(ctx context.Context, matrix string) (Description, error)

	// Drop removes every block and the description of matrix. Dropping an
	// unknown matrix is not an error.
	Drop(ctx context.Context, matrix string) error
}

var (
	descEnc cbor.EncMode
	descDec cbor.DecMode
)

func init() {
	var err error
	if descEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("block: cbor enc mode: " + err.Error())
	}
	if descDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("block: cbor dec mode: " + err.Error())
	}
}

func encodeDescription(d Description) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	return descEnc.Marshal(d)
}

func decodeDescription(b []byte) (Description, error) {
	var d Description
	if err := descDec.Unmarshal(b, &d); err != nil {
		return Description{}, fmt.Errorf("%w: description: %w", ErrCorruptBlock, err)
	}
	if err := d.validate(); err != nil {
		return Description{}, fmt.Errorf("%w: description: %w", ErrCorruptBlock, err)
	}

	return d, nil
}

type storeOptions struct {
	logger      *slog.Logger
	compression Compression
}

// StoreOption configures FileStore and TableStore.
type StoreOption func(*storeOptions)

// WithStoreLogger sets the logger; nil discards.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = l }
}

// WithCompression sets the TableStore payload encoding. FileStore always
// writes raw buffers and ignores it.
func WithCompression(c Compression) StoreOption {
	return func(o *storeOptions) { o.compression = c }
}

func gatherStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{compression: CompressionBG4LZ4}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return o
}
