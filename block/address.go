// SPDX-License-Identifier: MIT

package block

import (
	"encoding/binary"
	"fmt"
	"path"
	"strconv"
)

const pathRoot = "mrcl/matrix"

// Address identifies one block of a named matrix.
type Address struct {
	Matrix string
	Row    int
	Col    int
}

// Key returns a key that sorts by matrix name, then block row, then block
// column: the name, a zero byte, and two big-endian uint32 indices.
func (a Address) Key() []byte {
	b := make([]byte, 0, len(a.Matrix)+9)
	b = append(b, a.Matrix...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(a.Row))
	b = binary.BigEndian.AppendUint32(b, uint32(a.Col))

	return b
}

// ParseKey is the inverse of Address.Key.
func ParseKey(key []byte) (Address, error) {
	i := len(key) - 9
	if i < 0 || key[i] != 0 {
		return Address{}, fmt.Errorf("block: ParseKey(%x): %w", key, ErrCorruptBlock)
	}
	tail := key[i+1:]

	return Address{
		Matrix: string(key[:i]),
		Row:    int(binary.BigEndian.Uint32(tail[:4])),
		Col:    int(binary.BigEndian.Uint32(tail[4:])),
	}, nil
}

// Path returns mrcl/matrix/<name>/blocks/<row>/<col>.
func (a Address) Path() string {
	return path.Join(pathRoot, a.Matrix, "blocks", strconv.Itoa(a.Row), strconv.Itoa(a.Col))
}

// DescriptionPath returns the location of a matrix description record.
func DescriptionPath(matrix string) string {
	return path.Join(pathRoot, matrix, "description")
}

// MatrixPath returns the directory holding every object of a matrix.
func MatrixPath(matrix string) string {
	return path.Join(pathRoot, matrix)
}

func (a Address) String() string {
	return fmt.Sprintf("%s[%d,%d]", a.Matrix, a.Row, a.Col)
}
