// SPDX-License-Identifier: MIT

package block

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a TableStore payload is encoded. The values
// are stored next to each payload, so they must not be renumbered.
type Compression uint8

const (
	// CompressionNone stores the raw big-endian buffer.
	CompressionNone Compression = 0

	// CompressionBG4LZ4 groups the bytes of each float32 by position and
	// LZ4-compresses the result. Sign and exponent bytes of neighbouring
	// cells tend to repeat, which LZ4 picks up once they sit together.
	CompressionBG4LZ4 Compression = 1

	// CompressionZstd compresses the raw buffer with zstd.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionBG4LZ4:
		return "bg4_lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the names produced by Compression.String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "bg4_lz4":
		return CompressionBG4LZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("block: unknown compression %q", name)
	}
}

var errIncompressible = errors.New("block: payload is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("block: zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("block: zstd decoder: " + err.Error())
	}
}

// compress encodes data with c. Incompressible input falls back to
// CompressionNone; the returned tag is the one actually used.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionBG4LZ4:
		out, err = compressLZ4(bg4Transpose(data))
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			err = errIncompressible
		}
	default:
		return nil, 0, fmt.Errorf("block: unsupported compression %s", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return out, c, nil
}

// decompress reverses compress; the output must be exactly size bytes.
func decompress(payload []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCorruptBlock, len(payload), size)
		}
		return payload, nil
	case CompressionBG4LZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCorruptBlock, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrCorruptBlock, n, size)
		}
		return bg4Untranspose(dst), nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrCorruptBlock, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrCorruptBlock, len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptBlock, uint8(c))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("block: lz4: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}

	return dst[:n], nil
}

// bg4Transpose moves byte k of every 4-byte group into plane k. Trailing
// bytes past the last full group are copied unchanged.
func bg4Transpose(data []byte) []byte {
	groups := len(data) / 4
	out := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		out[i] = data[i*4]
		out[groups+i] = data[i*4+1]
		out[2*groups+i] = data[i*4+2]
		out[3*groups+i] = data[i*4+3]
	}
	copy(out[groups*4:], data[groups*4:])

	return out
}

func bg4Untranspose(data []byte) []byte {
	groups := len(data) / 4
	out := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		out[i*4] = data[i]
		out[i*4+1] = data[groups+i]
		out[i*4+2] = data[2*groups+i]
		out[i*4+3] = data[3*groups+i]
	}
	copy(out[groups*4:], data[groups*4:])

	return out
}
