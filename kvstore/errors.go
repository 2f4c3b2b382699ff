// SPDX-License-Identifier: MIT

package kvstore

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every message is prefixed with "kvstore: ..."; callers
// match with errors.Is, context is attached by storeErrorf.
var (
	// ErrTableNotFound is returned when an operation names a table that does not exist.
	ErrTableNotFound = errors.New("kvstore: table not found")

	// ErrTableExists is returned by CreateTable for a name already in use.
	ErrTableExists = errors.New("kvstore: table already exists")

	// ErrTableEnabled is returned by DeleteTable when the table was not disabled first.
	ErrTableEnabled = errors.New("kvstore: table is enabled")

	// ErrTableDisabled is returned by data operations against a disabled table.
	ErrTableDisabled = errors.New("kvstore: table is disabled")

	// ErrUnknownFamily is returned when a mutation or filter names a column
	// family the table was not created with.
	ErrUnknownFamily = errors.New("kvstore: unknown column family")

	// ErrInvalidTable is returned for malformed descriptors (empty name, no families).
	ErrInvalidTable = errors.New("kvstore: invalid table descriptor")

	// ErrBadValue is returned by the decoding helpers when a cell has the wrong width.
	ErrBadValue = errors.New("kvstore: malformed cell value")

	// ErrEmptyRow is returned when a mutation or deletion has no row key.
	ErrEmptyRow = errors.New("kvstore: empty row key")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("kvstore: store closed")
)

// storeErrorf attaches an operation tag and table name to err.
func storeErrorf(op, table string, err error) error {
	return fmt.Errorf("kvstore.%s(%s): %w", op, table, err)
}
