// SPDX-License-Identifier: MIT

// Package block holds the block-partitioned representation of a large
// matrix: a matrix split into fixed-size square tiles, each persisted as a
// flat big-endian float32 buffer.
//
// Address names one tile, Content owns its payload, and Matrix ties a grid
// of tiles to a Store. Two stores are provided: FileStore keeps tiles as
// memory-mapped local files, TableStore keeps them as compressed,
// checksummed cells of a kvstore table.
//
// Dense products go through the Multiplier capability. Portable is a plain
// triple loop; BLAS hands the buffers to gonum's blas32 implementation.
// SelectMultiplier picks one with a single availability check.
package block
