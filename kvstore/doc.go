// SPDX-License-Identifier: MIT

// Package kvstore is the sorted key-value table service underneath every
// persisted matrix.
//
// A table is a set of rows kept in ascending row-key order. Each row holds
// cells grouped into column families declared when the table is created;
// within a family a cell is addressed by a free-form qualifier. This is the
// classic wide-column model:
//
//	row key ─┬─ family "column" ── qualifier "0" → 8 bytes
//	         │                  └─ qualifier "1" → 8 bytes
//	         └─ family "attribute" ─ qualifier "rows" → 8 bytes
//
// Guarantees:
//   - A single Put is atomic for its row: either every cell lands or none.
//   - There are no multi-row transactions; readers may observe a table
//     mid-update.
//   - Scan yields rows in bytes.Compare order of their keys.
//   - A table must be disabled before it can be deleted. Disabling may
//     complete asynchronously; callers poll IsTableEnabled.
//
// Two backends ship with the package:
//
//	Memory: in-process, for tests and single-node runs.
//	SQLite: durable, pooled connections over zombiezen.com/go/sqlite.
//
// Encoding helpers (RowKey, EncodeFloat, EncodeInt) fix the byte layout so
// that numeric row order equals key order on every backend.
package kvstore
