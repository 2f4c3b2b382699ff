// SPDX-License-Identifier: MIT

package registry

import "strings"

// Alias table layout.
const (
	AliasTable    = "mrcl.admin"
	FamilyPath    = "path"
	QualifierPath = "location"
)

// Physical table name prefixes. Sweep only ever reclaims tables carrying
// one of them.
const (
	MatrixPrefix  = "DenseMatrix_"
	CollectPrefix = "collect_"
)

// MetadataRow is the key of the metadata row of every matrix table. The
// leading 0xff sorts it after all 8-byte row-index keys, whose first byte
// is zero for any matrix below 2^56 rows.
var MetadataRow = []byte("\xffmetadata")

// Matrix table families and qualifiers read or written by the registry.
const (
	FamilyAttribute = "attribute"
	FamilyAlias     = "aliase"

	QualifierRows      = "rows"
	QualifierColumns   = "columns"
	QualifierType      = "type"
	QualifierReference = "reference"
	QualifierAliasName = "name"
)

// IsMatrixTable reports whether name is a physical matrix or collection
// table.
func IsMatrixTable(name string) bool {
	return strings.HasPrefix(name, MatrixPrefix) || strings.HasPrefix(name, CollectPrefix)
}
