// SPDX-License-Identifier: MIT

package block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/achimnol/mrcl/kvstore"
)

// Column layout of a TableStore table.
const (
	familyBlock = "block"
	familyMeta  = "meta"

	qualData        = "data"
	qualCodec       = "codec"
	qualSum         = "sum"
	qualDescription = "description"
)

// TableStore keeps blocks as rows of a kvstore table keyed by Address.Key.
// Each row holds the compressed payload, the compression tag, and a blake3
// digest of the uncompressed payload checked on every read.
type TableStore struct {
	table       kvstore.Table
	compression Compression
	logger      *slog.Logger
}

// NewTableStore opens table in store, creating it when absent.
func NewTableStore(ctx context.Context, store kvstore.Store, table string, opts ...StoreOption) (*TableStore, error) {
	o := gatherStoreOptions(opts)
	ok, err := store.TableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("block: table store %q: %w", table, err)
	}
	if !ok {
		err = store.CreateTable(ctx, kvstore.TableDescriptor{Name: table, Families: []string{familyBlock, familyMeta}})
		if err != nil && !errors.Is(err, kvstore.ErrTableExists) {
			return nil, fmt.Errorf("block: table store %q: %w", table, err)
		}
	}
	t, err := store.Table(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("block: table store %q: %w", table, err)
	}

	return &TableStore{table: t, compression: o.compression, logger: o.logger}, nil
}

func (s *TableStore) WriteBlock(ctx context.Context, c *Content) error {
	raw, _ := c.MarshalBinary()
	payload, tag, err := compress(raw, s.compression)
	if err != nil {
		return blockErrorf("WriteBlock", c.Address(), err)
	}
	sum := blake3.Sum256(raw)
	m := kvstore.NewMutation(c.Address().Key()).
		Set(familyBlock, qualData, payload).
		Set(familyBlock, qualCodec, []byte{byte(tag)}).
		Set(familyBlock, qualSum, sum[:])
	if err = s.table.Put(ctx, m); err != nil {
		return blockErrorf("WriteBlock", c.Address(), err)
	}
	s.logger.Debug("wrote block", "block", c.Address().String(),
		"codec", tag.String(), "raw", len(raw), "stored", len(payload))

	return nil
}

func (s *TableStore) ReadBlock(ctx context.Context, dst *Content) error {
	addr := dst.Address()
	res, err := s.table.Get(ctx, addr.Key(), familyBlock)
	if err != nil {
		return blockErrorf("ReadBlock", addr, err)
	}
	if res.Empty() {
		return blockErrorf("ReadBlock", addr, ErrNotFound)
	}
	codec := res.Value(familyBlock, qualCodec)
	if len(codec) != 1 {
		return blockErrorf("ReadBlock", addr, fmt.Errorf("%w: missing codec", ErrCorruptBlock))
	}
	raw, err := decompress(res.Value(familyBlock, qualData), Compression(codec[0]), ByteLen(dst.Size()))
	if err != nil {
		return blockErrorf("ReadBlock", addr, err)
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], res.Value(familyBlock, qualSum)) {
		return blockErrorf("ReadBlock", addr, fmt.Errorf("%w: checksum mismatch", ErrCorruptBlock))
	}

	return dst.UnmarshalBinary(raw)
}

func descriptionKey(matrix string) []byte { return []byte(DescriptionPath(matrix)) }

func (s *TableStore) WriteDescription(ctx context.Context, d Description) error {
	b, err := encodeDescription(d)
	if err != nil {
		return err
	}
	if err = s.table.Put(ctx, kvstore.NewMutation(descriptionKey(d.Name)).Set(familyMeta, qualDescription, b)); err != nil {
		return fmt.Errorf("block: write description %q: %w", d.Name, err)
	}

	return nil
}

func (s *TableStore) ReadDescription(ctx context.Context, matrix string) (Description, error) {
	res, err := s.table.Get(ctx, descriptionKey(matrix), familyMeta)
	if err != nil {
		return Description{}, fmt.Errorf("block: description %q: %w", matrix, err)
	}
	b := res.Value(familyMeta, qualDescription)
	if b == nil {
		return Description{}, fmt.Errorf("block: description %q: %w", matrix, ErrNotFound)
	}

	return decodeDescription(b)
}

// Drop deletes every block row of matrix (the key range sharing its name
// prefix) and then its description.
func (s *TableStore) Drop(ctx context.Context, matrix string) error {
	start := append([]byte(matrix), 0)
	stop := append([]byte(matrix), 1)
	rows, err := kvstore.Collect(s.table.Scan(ctx, kvstore.Scan{
		StartRow: start,
		StopRow:  stop,
		Columns:  []kvstore.Column{{Family: familyBlock, Qualifier: qualCodec}},
	}))
	if err != nil {
		return fmt.Errorf("block: drop %q: %w", matrix, err)
	}
	for _, r := range rows {
		if err = s.table.Delete(ctx, kvstore.NewDeletion(r.Row)); err != nil {
			return fmt.Errorf("block: drop %q: %w", matrix, err)
		}
	}
	if err = s.table.Delete(ctx, kvstore.NewDeletion(descriptionKey(matrix))); err != nil {
		return fmt.Errorf("block: drop %q: %w", matrix, err)
	}
	s.logger.Debug("dropped block matrix", "matrix", matrix, "blocks", len(rows))

	return nil
}
