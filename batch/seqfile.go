// SPDX-License-Identifier: MIT

package batch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// seqRecord is the on-disk record: a two-element CBOR array.
type seqRecord struct {
	_     struct{} `cbor:",toarray"`
	Key   []byte
	Value []byte
}

// SeqWriter appends key/value records to a zstd-compressed stream of CBOR
// records. Records are read back in append order.
type SeqWriter struct {
	f   *os.File
	zw  *zstd.Encoder
	enc *cbor.Encoder
	n   int
}

// CreateSeqFile creates (or truncates) a sequence file at path.
func CreateSeqFile(path string) (*SeqWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("batch: create sequence file: %w", err)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("batch: create sequence file: %w", err)
	}

	return &SeqWriter{f: f, zw: zw, enc: newEncoder(zw)}, nil
}

// Append writes one record.
func (w *SeqWriter) Append(key, value []byte) error {
	if err := w.enc.Encode(seqRecord{Key: key, Value: value}); err != nil {
		return fmt.Errorf("batch: append record %d: %w", w.n, err)
	}
	w.n++

	return nil
}

// Len returns the number of records appended so far.
func (w *SeqWriter) Len() int { return w.n }

// Close flushes the compressor and closes the file.
func (w *SeqWriter) Close() error {
	zerr := w.zw.Close()
	ferr := w.f.Close()

	return errors.Join(zerr, ferr)
}

// SeqReader iterates the records of a sequence file.
type SeqReader struct {
	f   *os.File
	zr  *zstd.Decoder
	dec *cbor.Decoder
}

// OpenSeqFile opens a sequence file for reading.
func OpenSeqFile(path string) (*SeqReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batch: open sequence file: %w", err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("batch: open sequence file: %w", err)
	}

	return &SeqReader{f: f, zr: zr, dec: newDecoder(zr)}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *SeqReader) Next() (key, value []byte, err error) {
	var rec seqRecord
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("batch: read record: %w", err)
	}

	return rec.Key, rec.Value, nil
}

// Close releases the decoder and the file.
func (r *SeqReader) Close() error {
	r.zr.Close()

	return r.f.Close()
}

// ReadFirst returns the first record of the file at path. An empty file
// yields io.EOF.
func ReadFirst(path string) (key, value []byte, err error) {
	r, err := OpenSeqFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	return r.Next()
}
