// SPDX-License-Identifier: MIT

package matrix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/block"
	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/registry"
)

const (
	transformCollectLeft   = "mrcl.collect.left"
	transformCollectRight  = "mrcl.collect.right"
	combineCollect         = "mrcl.collect.assemble"
	transformBlockMultiply = "mrcl.multiply.block"
)

const (
	cfgCollect = "collect"
	cfgSide    = "side"
	cfgGrid    = "grid" // rows, inner, cols, block rows, block inner, block cols
)

// Collected block cells are "a<k>" for A(I,k) and "b<k>" for B(k,J).
const (
	leftTag  = "a"
	rightTag = "b"
)

// blockGrid partitions an m×k by k×n product into g×g tiles. Edge tiles
// are smaller; a dimension with fewer than g indices uses fewer tiles.
type blockGrid struct {
	m, k, n    int // product dimensions
	bm, bk, bn int // tile edge per dimension
}

func newBlockGrid(m, k, n, g int) blockGrid {
	ceil := func(d int) int { return max((d+g-1)/g, 1) }
	return blockGrid{m: m, k: k, n: n, bm: ceil(m), bk: ceil(k), bn: ceil(n)}
}

func (g blockGrid) tiles(dim, edge int) int { return (dim + edge - 1) / edge }

// extent returns the number of indices in tile t of a dimension.
func extent(dim, edge, t int) int { return min(edge, dim-t*edge) }

func (g blockGrid) config(c batch.Config) batch.Config {
	parts := []string{
		strconv.Itoa(g.m), strconv.Itoa(g.k), strconv.Itoa(g.n),
		strconv.Itoa(g.bm), strconv.Itoa(g.bk), strconv.Itoa(g.bn),
	}

	return c.Set(cfgGrid, strings.Join(parts, ","))
}

func gridFrom(c batch.Config) (blockGrid, error) {
	parts, err := c.Strings(cfgGrid)
	if err != nil {
		return blockGrid{}, err
	}
	if len(parts) != 6 {
		return blockGrid{}, fmt.Errorf("grid %q: %w", parts, ErrInvalidDimensions)
	}
	v := make([]int, 6)
	for i, p := range parts {
		if v[i], err = strconv.Atoi(p); err != nil {
			return blockGrid{}, err
		}
	}

	return blockGrid{m: v[0], k: v[1], n: v[2], bm: v[3], bk: v[4], bn: v[5]}, nil
}

// piece is one row slice of a source tile, routed to a result tile.
type piece struct {
	Tile  int             `cbor:"1,keyasint"` // k index of the source tile
	Row   int             `cbor:"2,keyasint"` // row within the source tile
	Cells map[int]float64 `cbor:"3,keyasint"` // column within the tile → value
}

// MultiplyBlocked returns C = A·B using a √blocks × √blocks tiling. A's
// and B's cells are first collected into a temporary table keyed by
// result tile, then one pass multiplies and accumulates the tile pairs on
// the service's Multiplier. C has the shape Multiply gives it and every
// cell of C is written. The temporary table is dropped through the
// registry whether or not the multiply pass succeeds.
func (m *DenseMatrix) MultiplyBlocked(ctx context.Context, b *DenseMatrix, blocks int) (_ *DenseMatrix, err error) {
	if err = m.checkMultiply(b); err != nil {
		return nil, matrixErrorf(opMul, err)
	}
	g, ok := isPerfectSquare(blocks)
	if !ok {
		return nil, matrixErrorf(opMul, fmt.Errorf("blocks=%d: %w", blocks, ErrIndivisibleBlocks))
	}
	cols := multiplyColumns(m, b)
	grid := newBlockGrid(m.rows, m.cols, cols, g)

	s := m.svc
	collect, err := s.createTable(ctx, registry.CollectPrefix, collectFamilies)
	if err != nil {
		return nil, matrixErrorf(opMul, err)
	}
	defer func() {
		if derr := s.registry.Drop(ctx, collect); derr != nil {
			err = errors.Join(err, matrixErrorf(opMul, derr))
		}
	}()
	s.logger.Debug("collecting blocks", "left", m.path, "right", b.path, "table", collect, "grid", g)

	for _, side := range []struct {
		src       *DenseMatrix
		transform string
		tag       string
	}{{m, transformCollectLeft, leftTag}, {b, transformCollectRight, rightTag}} {
		cfg := batch.Config{}.Set(cfgCollect, collect).Set(cfgSide, side.tag)
		job := &batch.Job{
			Name:      fmt.Sprintf("collect %s into %s", side.src.path, collect),
			Input:     batch.Input{Table: side.src.path, Scan: rowSpan(0, side.src.rows, familyColumn)},
			Transform: side.transform,
			Combine:   combineCollect,
			Output:    batch.Output{Table: collect},
			Config:    grid.config(cfg),
		}
		if err = s.run(ctx, job); err != nil {
			return nil, matrixErrorf(opMul, err)
		}
	}

	c, err := s.create(ctx, m.rows, cols)
	if err != nil {
		return nil, matrixErrorf(opMul, err)
	}
	job := &batch.Job{
		Name:      "block multiply " + c.path,
		Input:     batch.Input{Table: collect, Scan: kvstore.Scan{Families: []string{familyBlock}}},
		Transform: transformBlockMultiply,
		Config:    grid.config(batch.Config{}.Set(cfgOut, c.path)),
	}
	stats, err := s.runStats(ctx, job)
	if err == nil && stats.InputRows < grid.tiles(grid.m, grid.bm)*grid.tiles(grid.n, grid.bn) {
		err = s.fillEmptyTiles(ctx, collect, grid, c)
	}
	if err != nil {
		return nil, matrixErrorf(opMul, errors.Join(err, c.Close(ctx)))
	}

	return c, nil
}

// collectLeftMap routes row i of A to every result tile (I, J) of its
// tile row, one piece per source tile column k.
func collectLeftMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
	grid, err := gridFrom(tc.Config)
	if err != nil {
		return err
	}
	collect, err := tc.Config.String(cfgCollect)
	if err != nil {
		return err
	}
	i, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	cells, err := decodeRow(row, familyColumn, grid.k)
	if err != nil {
		return err
	}
	pieces := split(cells, grid.bk)
	tileRow := i / grid.bm
	for k, p := range pieces {
		p.Tile, p.Row = k, i%grid.bm
		for tileCol := 0; tileCol < grid.tiles(grid.n, grid.bn); tileCol++ {
			key := block.Address{Matrix: collect, Row: tileRow, Col: tileCol}.Key()
			if err = batch.EmitValue(out, key, p); err != nil {
				return err
			}
		}
	}

	return nil
}

// collectRightMap routes row k of B to every result tile (I, J) of its
// tile column, one piece per destination tile column J.
func collectRightMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, out batch.Emitter) error {
	grid, err := gridFrom(tc.Config)
	if err != nil {
		return err
	}
	collect, err := tc.Config.String(cfgCollect)
	if err != nil {
		return err
	}
	k, err := kvstore.RowIndex(row.Row)
	if err != nil {
		return err
	}
	cells, err := decodeRow(row, familyColumn, grid.n)
	if err != nil {
		return err
	}
	pieces := split(cells, grid.bn)
	for tileCol, p := range pieces {
		p.Tile, p.Row = k/grid.bk, k%grid.bk
		for tileRow := 0; tileRow < grid.tiles(grid.m, grid.bm); tileRow++ {
			key := block.Address{Matrix: collect, Row: tileRow, Col: tileCol}.Key()
			if err = batch.EmitValue(out, key, p); err != nil {
				return err
			}
		}
	}

	return nil
}

// split groups the cells of one row by tile column of width edge.
func split(cells map[int]float64, edge int) map[int]*piece {
	out := make(map[int]*piece)
	for j, v := range cells {
		t := j / edge
		p, ok := out[t]
		if !ok {
			p = &piece{Cells: make(map[int]float64)}
			out[t] = p
		}
		p.Cells[j%edge] = v
	}

	return out
}

// collectCombine assembles the pieces of result tile (I, J) into dense
// source tiles and stores them as "a<k>" or "b<k>" cells of the tile row.
func collectCombine(ctx context.Context, tc *batch.TaskContext, key []byte, values [][]byte, out batch.Writer) error {
	grid, err := gridFrom(tc.Config)
	if err != nil {
		return err
	}
	tag, err := tc.Config.String(cfgSide)
	if err != nil {
		return err
	}
	addr, err := block.ParseKey(key)
	if err != nil {
		return err
	}

	tiles := make(map[int]*Dense)
	for _, raw := range values {
		p, err := batch.Decode[piece](raw)
		if err != nil {
			return err
		}
		d, ok := tiles[p.Tile]
		if !ok {
			rows, cols := extent(grid.m, grid.bm, addr.Row), extent(grid.k, grid.bk, p.Tile)
			if tag == rightTag {
				rows, cols = extent(grid.k, grid.bk, p.Tile), extent(grid.n, grid.bn, addr.Col)
			}
			if d, err = NewDense(rows, cols); err != nil {
				return fmt.Errorf("tile %s%d of %s: %w", tag, p.Tile, addr, err)
			}
			tiles[p.Tile] = d
		}
		for j, v := range p.Cells {
			if err = d.Set(p.Row, j, v); err != nil {
				return fmt.Errorf("tile %s%d of %s: %w", tag, p.Tile, addr, err)
			}
		}
	}

	mut := kvstore.NewMutation(key)
	for k, d := range tiles {
		b, err := batch.Marshal(d)
		if err != nil {
			return err
		}
		mut.Set(familyBlock, tag+strconv.Itoa(k), b)
	}

	return out.Put(ctx, mut)
}

// blockMultiplyMap computes result tile (I, J) = Σ_k A(I,k)·B(k,J) from
// one collection row on the service's GEMM device and writes it into the
// result matrix. A tile pair with a missing side contributes nothing.
func (s *Service) blockMultiplyMap(ctx context.Context, tc *batch.TaskContext, row *kvstore.Result, _ batch.Emitter) error {
	grid, err := gridFrom(tc.Config)
	if err != nil {
		return err
	}
	out, err := tc.Config.String(cfgOut)
	if err != nil {
		return err
	}
	addr, err := block.ParseKey(row.Row)
	if err != nil {
		return err
	}
	acc, err := NewDense(extent(grid.m, grid.bm, addr.Row), extent(grid.n, grid.bn, addr.Col))
	if err != nil {
		return fmt.Errorf("tile %s: %w", addr, err)
	}
	for k := 0; k < grid.tiles(grid.k, grid.bk); k++ {
		ab := row.Value(familyBlock, leftTag+strconv.Itoa(k))
		bb := row.Value(familyBlock, rightTag+strconv.Itoa(k))
		if ab == nil || bb == nil {
			continue
		}
		var a, b Dense
		if err = batch.Unmarshal(ab, &a); err != nil {
			return fmt.Errorf("tile %s%d of %s: %w", leftTag, k, addr, err)
		}
		if err = batch.Unmarshal(bb, &b); err != nil {
			return fmt.Errorf("tile %s%d of %s: %w", rightTag, k, addr, err)
		}
		if err = ValidateMulCompatible(&a, &b); err != nil {
			return fmt.Errorf("tile %s: %w", addr, err)
		}
		if a.r != acc.r || b.c != acc.c {
			return fmt.Errorf("tile %s: %dx%d·%dx%d into %dx%d: %w",
				addr, a.r, a.c, b.r, b.c, acc.r, acc.c, ErrDimensionMismatch)
		}
		if err = s.opts.multiplier.MultiplyAdd(a.r, a.c, b.c, a.data, b.data, acc.data); err != nil {
			return fmt.Errorf("tile %s: %w", addr, err)
		}
	}

	dst, err := tc.Table(ctx, out)
	if err != nil {
		return err
	}

	return writeTile(ctx, dst, grid, addr, acc)
}

// writeTile puts the rows of tile addr of the result.
func writeTile(ctx context.Context, dst kvstore.Table, grid blockGrid, addr block.Address, d *Dense) error {
	i0, j0 := addr.Row*grid.bm, addr.Col*grid.bn
	for r := 0; r < d.r; r++ {
		mut := kvstore.NewMutation(kvstore.RowKey(i0 + r))
		for c, v := range d.RawRowView(r) {
			mut.Set(familyColumn, qualifier(j0+c), kvstore.EncodeFloat(v))
		}
		if err := dst.Put(ctx, mut); err != nil {
			return err
		}
	}

	return nil
}

// fillEmptyTiles writes zero tiles for every result tile the collection
// has no row for: tiles whose A tile row and B tile column are both empty.
func (s *Service) fillEmptyTiles(ctx context.Context, collect string, grid blockGrid, c *DenseMatrix) error {
	t, err := s.store.Table(ctx, collect)
	if err != nil {
		return err
	}
	seen := make(map[block.Address]bool)
	for res, err := range t.Scan(ctx, kvstore.Scan{Families: []string{familyBlock}}) {
		if err != nil {
			return err
		}
		addr, err := block.ParseKey(res.Row)
		if err != nil {
			return err
		}
		seen[block.Address{Row: addr.Row, Col: addr.Col}] = true
	}
	for ti := 0; ti < grid.tiles(grid.m, grid.bm); ti++ {
		for tj := 0; tj < grid.tiles(grid.n, grid.bn); tj++ {
			if seen[block.Address{Row: ti, Col: tj}] {
				continue
			}
			d, err := NewDense(extent(grid.m, grid.bm, ti), extent(grid.n, grid.bn, tj))
			if err != nil {
				return err
			}
			if err = writeTile(ctx, c.table, grid, block.Address{Matrix: collect, Row: ti, Col: tj}, d); err != nil {
				return err
			}
		}
	}

	return nil
}
