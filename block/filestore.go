// SPDX-License-Identifier: MIT

package block

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// FileStore keeps every block as a file of exactly ByteLen(size) bytes
// under root, at the block's Address.Path. Payloads are copied in and out
// through memory maps.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, opts ...StoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("block: file store root: %w", err)
	}
	o := gatherStoreOptions(opts)

	return &FileStore{root: dir, logger: o.logger}, nil
}

// Root returns the directory the store writes under.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) local(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

func (s *FileStore) WriteBlock(_ context.Context, c *Content) error {
	addr := c.Address()
	name := s.local(addr.Path())
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return blockErrorf("WriteBlock", addr, err)
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return blockErrorf("WriteBlock", addr, err)
	}
	defer f.Close()

	if err = f.Truncate(int64(ByteLen(c.Size()))); err != nil {
		return blockErrorf("WriteBlock", addr, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return blockErrorf("WriteBlock", addr, err)
	}
	b, _ := c.MarshalBinary()
	copy(m, b)
	if err = m.Flush(); err != nil {
		_ = m.Unmap()
		return blockErrorf("WriteBlock", addr, err)
	}
	if err = m.Unmap(); err != nil {
		return blockErrorf("WriteBlock", addr, err)
	}

	return f.Close()
}

func (s *FileStore) ReadBlock(_ context.Context, dst *Content) error {
	addr := dst.Address()
	f, err := os.Open(s.local(addr.Path()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blockErrorf("ReadBlock", addr, ErrNotFound)
		}
		return blockErrorf("ReadBlock", addr, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return blockErrorf("ReadBlock", addr, err)
	}
	if want := int64(ByteLen(dst.Size())); info.Size() != want {
		return blockErrorf("ReadBlock", addr,
			fmt.Errorf("%w: file is %d bytes, want %d", ErrCorruptBlock, info.Size(), want))
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return blockErrorf("ReadBlock", addr, err)
	}
	defer m.Unmap()

	return dst.UnmarshalBinary(m)
}

func (s *FileStore) WriteDescription(_ context.Context, d Description) error {
	b, err := encodeDescription(d)
	if err != nil {
		return err
	}
	name := s.local(DescriptionPath(d.Name))
	if err = os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("block: write description %q: %w", d.Name, err)
	}
	tmp := name + ".tmp"
	if err = os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("block: write description %q: %w", d.Name, err)
	}
	if err = os.Rename(tmp, name); err != nil {
		return fmt.Errorf("block: write description %q: %w", d.Name, err)
	}

	return nil
}

func (s *FileStore) ReadDescription(_ context.Context, matrix string) (Description, error) {
	b, err := os.ReadFile(s.local(DescriptionPath(matrix)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Description{}, fmt.Errorf("block: description %q: %w", matrix, ErrNotFound)
		}
		return Description{}, fmt.Errorf("block: description %q: %w", matrix, err)
	}

	return decodeDescription(b)
}

func (s *FileStore) Drop(_ context.Context, matrix string) error {
	if err := os.RemoveAll(s.local(MatrixPath(matrix))); err != nil {
		return fmt.Errorf("block: drop %q: %w", matrix, err)
	}
	s.logger.Debug("dropped block matrix", "matrix", matrix, "root", s.root)

	return nil
}
