// Package codec provides the little-endian binary primitives shared by the
// WAL, container, and index blob formats: fixed-width integers and
// length-prefixed strings/byte arrays, with explicit truncation and
// trailing-byte detection instead of silent short reads.
package codec

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order used across every on-disk Wax structure.
var ByteOrder = binary.LittleEndian

// TruncatedError is returned when a decode step needs more bytes than are
// available in the buffer.
type TruncatedError struct {
	Field    string
	Need     int
	Have     int
	AtOffset int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("codec: truncated reading %s at offset %d: need %d bytes, have %d",
		e.Field, e.AtOffset, e.Need, e.Have)
}

// TrailingBytesError is returned when a top-level decode leaves unconsumed
// bytes in the buffer, which usually indicates a version skew or corruption.
type TrailingBytesError struct {
	Consumed int
	Total    int
}

func (e *TrailingBytesError) Error() string {
	return fmt.Sprintf("codec: %d trailing bytes after consuming %d of %d", e.Total-e.Consumed, e.Consumed, e.Total)
}

// AlignTo8 rounds size up to the next 8-byte boundary, used by the WAL ring
// to keep records aligned for efficient positional I/O.
func AlignTo8(size int) int {
	return (size + 7) &^ 7
}

// Encoder accumulates a little-endian encoded byte buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with the given initial capacity hint.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) { e.buf = append(e.buf, v) }

// PutUint16 appends a little-endian uint16.
func (e *Encoder) PutUint16(v uint16) {
	var tmp [2]byte
	ByteOrder.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutUint32 appends a little-endian uint32.
func (e *Encoder) PutUint32(v uint32) {
	var tmp [4]byte
	ByteOrder.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutUint64 appends a little-endian uint64.
func (e *Encoder) PutUint64(v uint64) {
	var tmp [8]byte
	ByteOrder.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutInt64 appends a little-endian int64.
func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

// PutFloat64 appends the IEEE-754 bit pattern of v.
func (e *Encoder) PutFloat64(v float64) { e.PutUint64(Float64ToBits(v)) }

// PutBytes appends raw bytes with no length prefix.
func (e *Encoder) PutBytes(b []byte) { e.buf = append(e.buf, b...) }

// PutString16 appends a string prefixed by a 16-bit length.
func (e *Encoder) PutString16(s string) {
	e.PutUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// PutString32 appends a string prefixed by a 32-bit length.
func (e *Encoder) PutString32(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes32 appends a byte slice prefixed by a 32-bit length.
func (e *Encoder) PutBytes32(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutBytes64 appends a byte slice prefixed by a 64-bit length.
func (e *Encoder) PutBytes64(b []byte) {
	e.PutUint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutStringList16 appends a list of strings, each individually length
// prefixed, preceded by a 32-bit element count.
func (e *Encoder) PutStringList16(items []string) {
	e.PutUint32(uint32(len(items)))
	for _, s := range items {
		e.PutString16(s)
	}
}

// Decoder reads sequentially from a little-endian encoded buffer, tracking
// position for truncation error reporting.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Pos returns the current read offset.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Finish returns TrailingBytesError if bytes remain unconsumed.
func (d *Decoder) Finish() error {
	if d.pos != len(d.buf) {
		return &TrailingBytesError{Consumed: d.pos, Total: len(d.buf)}
	}
	return nil
}

func (d *Decoder) need(field string, n int) error {
	if d.pos+n > len(d.buf) {
		return &TruncatedError{Field: field, Need: n, Have: len(d.buf) - d.pos, AtOffset: d.pos}
	}
	return nil
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8(field string) (uint8, error) {
	if err := d.need(field, 1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint16 reads a little-endian uint16.
func (d *Decoder) Uint16(field string) (uint16, error) {
	if err := d.need(field, 2); err != nil {
		return 0, err
	}
	v := ByteOrder.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

// Uint32 reads a little-endian uint32.
func (d *Decoder) Uint32(field string) (uint32, error) {
	if err := d.need(field, 4); err != nil {
		return 0, err
	}
	v := ByteOrder.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Uint64 reads a little-endian uint64.
func (d *Decoder) Uint64(field string) (uint64, error) {
	if err := d.need(field, 8); err != nil {
		return 0, err
	}
	v := ByteOrder.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Int64 reads a little-endian int64.
func (d *Decoder) Int64(field string) (int64, error) {
	v, err := d.Uint64(field)
	return int64(v), err
}

// Float64 reads an IEEE-754 float64.
func (d *Decoder) Float64(field string) (float64, error) {
	v, err := d.Uint64(field)
	if err != nil {
		return 0, err
	}
	return BitsToFloat64(v), nil
}

// Bytes reads n raw bytes (copied, not aliased into the source buffer).
func (d *Decoder) Bytes(field string, n int) ([]byte, error) {
	if err := d.need(field, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

// String16 reads a 16-bit length-prefixed string.
func (d *Decoder) String16(field string) (string, error) {
	n, err := d.Uint16(field + ".len")
	if err != nil {
		return "", err
	}
	b, err := d.Bytes(field, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// String32 reads a 32-bit length-prefixed string.
func (d *Decoder) String32(field string) (string, error) {
	n, err := d.Uint32(field + ".len")
	if err != nil {
		return "", err
	}
	b, err := d.Bytes(field, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes32 reads a 32-bit length-prefixed byte slice.
func (d *Decoder) Bytes32(field string) ([]byte, error) {
	n, err := d.Uint32(field + ".len")
	if err != nil {
		return nil, err
	}
	return d.Bytes(field, int(n))
}

// Bytes64 reads a 64-bit length-prefixed byte slice.
func (d *Decoder) Bytes64(field string) ([]byte, error) {
	n, err := d.Uint64(field + ".len")
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, &TruncatedError{Field: field, Need: int(n), Have: d.Remaining(), AtOffset: d.pos}
	}
	return d.Bytes(field, int(n))
}

// StringList16 reads a count-prefixed list of 16-bit length-prefixed strings.
func (d *Decoder) StringList16(field string) ([]string, error) {
	n, err := d.Uint32(field + ".count")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.String16(fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
