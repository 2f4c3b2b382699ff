// SPDX-License-Identifier: MIT

package block

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptBlock is returned when a persisted block has the wrong
	// length, fails its checksum, or carries data outside its valid extent.
	ErrCorruptBlock = errors.New("block: corrupt block payload")

	// ErrShapeMismatch is returned when operands of an elementwise or
	// product operation do not agree in size or valid extent.
	ErrShapeMismatch = errors.New("block: shape mismatch")

	// ErrInvalidBlockSize is returned for non-positive block sizes or a
	// valid extent larger than the block.
	ErrInvalidBlockSize = errors.New("block: invalid block size")

	// ErrOutOfRange is returned for cell or block coordinates outside the
	// valid extent.
	ErrOutOfRange = errors.New("block: index out of range")

	// ErrNotFound is returned by stores for absent blocks or descriptions.
	ErrNotFound = errors.New("block: not found")
)

func blockErrorf(op string, a Address, err error) error {
	return fmt.Errorf("block.%s(%s): %w", op, a, err)
}
