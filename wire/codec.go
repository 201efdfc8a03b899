// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wire implements the binary codec (C1) shared by every on-disk and
// on-wire schema: shares, P2P frames, and merkle links. Fixed-width integers
// follow Bitcoin's little-endian convention; variable-length integers use
// the same one-byte-threshold-then-escape encoding as Bitcoin's CompactSize,
// so that the parent-header and coinbase-transaction types below round-trip
// byte-identically with the parent chain's own wire format.
package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Decode failure kinds. All four are terminal: the caller must treat the
// message or share as malformed and not retry the same bytes.
var (
	// ErrTruncated is returned when fewer bytes remain than a field needs.
	ErrTruncated = errors.New("wire: truncated input")

	// ErrOverflow is returned when a length-prefixed field declares a
	// size this decoder refuses to allocate (protects against a hostile
	// peer claiming a multi-gigabyte list).
	ErrOverflow = errors.New("wire: declared length too large")

	// ErrUnknownVariant is returned when a tagged union's discriminator
	// does not match any known schema version.
	ErrUnknownVariant = errors.New("wire: unknown variant tag")

	// ErrNonCanonical is returned when a variable-length integer was
	// encoded using more bytes than the shortest possible form, or a
	// fixed-size field was followed by unexpected trailing bytes.
	ErrNonCanonical = errors.New("wire: non-canonical encoding")
)

// MaxListLength is the largest element count accepted for any
// length-prefixed list in this package. It bounds memory use when decoding
// untrusted input; callers that genuinely need more must chunk explicitly.
const MaxListLength = 1 << 20

// varint escape markers, matching Bitcoin's CompactSize scheme.
const (
	varint16 = 0xfd
	varint32 = 0xfe
	varint64 = 0xff
)

// Reader wraps a byte slice with a cursor, so decoders can report how many
// bytes remain without the caller re-slicing by hand. It is deliberately not
// an io.Reader: every decode in this package operates on an in-memory
// message, never a stream, which keeps ErrTruncated detection exact.
type Reader struct {
	buf []byte
	pos int
}

// NewReader creates a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the bytes not yet consumed.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

// Len returns the number of unconsumed bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16LE reads a little-endian uint16.
func (r *Reader) ReadUint16LE() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32LE reads a little-endian uint32.
func (r *Reader) ReadUint32LE() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64LE reads a little-endian uint64.
func (r *Reader) ReadUint64LE() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadUint32BE reads a big-endian uint32, used for fields (like difficulty
// bits in some P2P messages) that mirror the parent chain's network byte
// order rather than its wire little-endian convention.
func (r *Reader) ReadUint32BE() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadVarInt reads a CompactSize-encoded integer and rejects any encoding
// that is not the shortest possible form for the value (ErrNonCanonical).
func (r *Reader) ReadVarInt() (uint64, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}

	switch b {
	case varint16:
		v, err := r.ReadUint16LE()
		if err != nil {
			return 0, err
		}
		if v < varint16 {
			return 0, ErrNonCanonical
		}
		return uint64(v), nil
	case varint32:
		v, err := r.ReadUint32LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff {
			return 0, ErrNonCanonical
		}
		return uint64(v), nil
	case varint64:
		v, err := r.ReadUint64LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffffffff {
			return 0, ErrNonCanonical
		}
		return v, nil
	default:
		return uint64(b), nil
	}
}

// ReadVarBytes reads a varint-length-prefixed byte string.
func (r *Reader) ReadVarBytes() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n > MaxListLength {
		return nil, ErrOverflow
	}
	return r.take(int(n))
}

// ReadVarString reads a varint-length-prefixed UTF-8 string.
func (r *Reader) ReadVarString() (string, error) {
	b, err := r.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadHash reads a fixed 32-byte hash.
func (r *Reader) ReadHash() (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := r.take(chainhash.HashSize)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// ReadListLength reads and bounds-checks a list element count, shared by
// every decoder that follows it with a fixed-size-element loop.
func (r *Reader) ReadListLength() (int, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return 0, err
	}
	if n > MaxListLength {
		return 0, ErrOverflow
	}
	return int(n), nil
}

// Writer accumulates encoded bytes. Encoding is total on well-formed
// values: none of these methods can fail.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer, optionally pre-sized.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16LE appends a little-endian uint16.
func (w *Writer) WriteUint16LE(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint32LE appends a little-endian uint32.
func (w *Writer) WriteUint32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64LE appends a little-endian uint64.
func (w *Writer) WriteUint64LE(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint32BE appends a big-endian uint32.
func (w *Writer) WriteUint32BE(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteVarInt appends v using the shortest CompactSize encoding.
func (w *Writer) WriteVarInt(v uint64) {
	switch {
	case v < varint16:
		w.WriteUint8(uint8(v))
	case v <= 0xffff:
		w.WriteUint8(varint16)
		w.WriteUint16LE(uint16(v))
	case v <= 0xffffffff:
		w.WriteUint8(varint32)
		w.WriteUint32LE(uint32(v))
	default:
		w.WriteUint8(varint64)
		w.WriteUint64LE(v)
	}
}

// WriteVarBytes appends a varint-length-prefixed byte string.
func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteVarInt(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteVarString appends a varint-length-prefixed UTF-8 string.
func (w *Writer) WriteVarString(s string) {
	w.WriteVarBytes([]byte(s))
}

// WriteHash appends a fixed 32-byte hash.
func (w *Writer) WriteHash(h chainhash.Hash) {
	w.buf = append(w.buf, h[:]...)
}

// WriteListLength appends a list element count.
func (w *Writer) WriteListLength(n int) {
	w.WriteVarInt(uint64(n))
}

// checksum is the 4-byte frame checksum used by the peer protocol (C8):
// the first four bytes of the double-SHA256 of the payload.
func checksum(payload []byte) [4]byte {
	h := chainhash.DoubleHashH(payload)
	var out [4]byte
	copy(out[:], h[:4])
	return out
}

// WriteAll is a convenience for callers that want a single io.Writer sink
// instead of accumulating into a Writer, matching the signature some
// chainhash helpers (DoubleHashRaw) expect.
func WriteAll(dst io.Writer, b []byte) error {
	_, err := dst.Write(b)
	return err
}
