// SPDX-License-Identifier: MIT

package matrix

import (
	"context"
	"fmt"
	"strconv"

	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/registry"
)

// TypeDense is the attribute:type tag of every matrix table.
const TypeDense = "DenseMatrix"

// Matrix table layout. Data rows are keyed by kvstore.RowKey(i); cell j of
// a family lives under qualifier strconv.Itoa(j).
const (
	familyColumn   = "column"
	familyEigenCol = "eicol"
	familyEigenVal = "eival"
	familyEigenVec = "eivec"

	qualValue   = "value"
	qualChanged = "changed"
	qualInd     = "ind"
)

// Collection table layout used by MultiplyBlocked.
const (
	familyBlock = "block"
)

var matrixFamilies = []string{
	familyColumn, registry.FamilyAttribute, registry.FamilyAlias,
	familyEigenCol, familyEigenVal, familyEigenVec,
}

var collectFamilies = []string{familyBlock, registry.FamilyAttribute}

func qualifier(j int) string { return strconv.Itoa(j) }

// rowSpan selects data rows [lo, hi), which excludes the metadata row.
func rowSpan(lo, hi int, families ...string) kvstore.Scan {
	return kvstore.Scan{StartRow: kvstore.RowKey(lo), StopRow: kvstore.RowKey(hi), Families: families}
}

// decodeRow turns the cells of one family into column → value. Qualifiers
// outside [0, limit) are ignored.
func decodeRow(res *kvstore.Result, family string, limit int) (map[int]float64, error) {
	cells := res.Family(family)
	out := make(map[int]float64, len(cells))
	for q, b := range cells {
		j, err := strconv.Atoi(q)
		if err != nil || j < 0 || j >= limit {
			continue
		}
		v, err := kvstore.DecodeFloat(b)
		if err != nil {
			return nil, fmt.Errorf("cell %s:%s: %w", family, q, err)
		}
		out[j] = v
	}

	return out, nil
}

// readCell reads one cell through a single-row, single-column scan.
// ok is false when the cell is absent.
func readCell(ctx context.Context, t kvstore.Table, i int, family, qual string) (v float64, ok bool, err error) {
	s := kvstore.Scan{
		StartRow: kvstore.RowKey(i),
		StopRow:  kvstore.RowKey(i + 1),
		Columns:  []kvstore.Column{{Family: family, Qualifier: qual}},
	}
	for res, err := range t.Scan(ctx, s) {
		if err != nil {
			return 0, false, err
		}
		b := res.Value(family, qual)
		if b == nil {
			continue
		}
		v, err = kvstore.DecodeFloat(b)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}

	return 0, false, nil
}

// readRow reads row i of family as column → value.
func readRow(ctx context.Context, t kvstore.Table, i int, family string, limit int) (map[int]float64, error) {
	res, err := t.Get(ctx, kvstore.RowKey(i), family)
	if err != nil {
		return nil, err
	}

	return decodeRow(res, family, limit)
}

// readInt reads an integer cell; ok is false when it is absent.
func readInt(res *kvstore.Result, family, qual string) (int64, bool, error) {
	b := res.Value(family, qual)
	if b == nil {
		return 0, false, nil
	}
	v, err := kvstore.DecodeInt(b)

	return v, err == nil, err
}

// rowMutation builds one put for row i of family.
func rowMutation(i int, family string, cells map[int]float64) *kvstore.Mutation {
	m := kvstore.NewMutation(kvstore.RowKey(i))
	for j, v := range cells {
		m.Set(family, qualifier(j), kvstore.EncodeFloat(v))
	}

	return m
}

// denseMutation builds one put for row i with every value of vals.
func denseMutation(i int, family string, vals []float64) *kvstore.Mutation {
	m := kvstore.NewMutation(kvstore.RowKey(i))
	for j, v := range vals {
		m.Set(family, qualifier(j), kvstore.EncodeFloat(v))
	}

	return m
}
