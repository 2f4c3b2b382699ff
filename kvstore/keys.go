// SPDX-License-Identifier: MIT

package kvstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// rowKeyWidth is the byte width of an encoded row index.
const rowKeyWidth = 8

// RowKey encodes a non-negative row index as an 8-byte big-endian key, so
// that bytes.Compare order equals numeric order. Negative indices panic:
// callers bounds-check before building keys.
func RowKey(i int) []byte {
	if i < 0 {
		panic(fmt.Sprintf("kvstore: RowKey(%d): negative row index", i))
	}
	b := make([]byte, rowKeyWidth)
	binary.BigEndian.PutUint64(b, uint64(i))

	return b
}

// RowIndex decodes a key produced by RowKey.
func RowIndex(key []byte) (int, error) {
	if len(key) != rowKeyWidth {
		return 0, fmt.Errorf("kvstore: RowIndex(len=%d): %w", len(key), ErrBadValue)
	}
	v := binary.BigEndian.Uint64(key)
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("kvstore: RowIndex(%d): %w", v, ErrBadValue)
	}

	return int(v), nil
}

// EncodeFloat encodes a float64 cell as 8 big-endian IEEE-754 bytes.
func EncodeFloat(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))

	return b
}

// DecodeFloat decodes a cell written by EncodeFloat.
func DecodeFloat(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kvstore: DecodeFloat(len=%d): %w", len(b), ErrBadValue)
	}

	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// EncodeInt encodes an int64 cell as 8 big-endian bytes. Counters written
// by Table.Increment use the same layout.
func EncodeInt(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))

	return b
}

// DecodeInt decodes a cell written by EncodeInt or Table.Increment.
func DecodeInt(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kvstore: DecodeInt(len=%d): %w", len(b), ErrBadValue)
	}

	return int64(binary.BigEndian.Uint64(b)), nil
}

// addCounter applies delta to an encoded counter; nil counts as zero.
func addCounter(cur []byte, delta int64) (int64, []byte, error) {
	var v int64
	if cur != nil {
		var err error
		if v, err = DecodeInt(cur); err != nil {
			return 0, nil, err
		}
	}
	v += delta

	return v, EncodeInt(v), nil
}
