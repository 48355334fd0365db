// Package serialization implements the wire codec used by every frame
// payload: little-endian fixed-width integers, 7-bit variable-length
// integers, and length-prefixed strings and byte blobs.
//
// Encoding appends through an Encoder wrapping a byte slice. Decoding
// consumes through a Decoder that carries its position explicitly, so a
// failed read never corrupts the cursor and there is no remaining-bytes
// counter to underflow.
//
// # Variable-length integers
//
// A vint stores 7 payload bits per byte, least-significant group first; the
// high bit marks continuation. Values up to 0x7F occupy a single byte. A
// 32-bit value occupies at most 5 bytes, a 64-bit value at most 10.
//
// # Strings
//
// Str16 is a 16-bit little-endian length (excluding the terminator), the
// bytes, then a mandatory NUL. Vstr is the same with a vint32 length.
// Bytes is a 32-bit little-endian length followed by the raw bytes, with no
// terminator.
package serialization

import (
	"encoding/binary"
)

// MaxVi32Len is the maximum encoded size of a 32-bit vint.
const MaxVi32Len = 5

// MaxVi64Len is the maximum encoded size of a 64-bit vint.
const MaxVi64Len = 10

// Encoder appends codec values to a byte slice.
//
// The zero value is usable; NewEncoder pre-sizes the underlying slice so
// that appends within the stated capacity never reallocate.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder whose buffer is pre-sized to capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// NewEncoderBytes returns an encoder that appends to buf. The frame layer
// uses this to continue encoding after a reserved header region.
func NewEncoderBytes(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// PutBool appends a boolean as a single byte (1 or 0).
func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// PutU8 appends a single byte.
func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

// PutU16 appends a 16-bit integer, little-endian.
func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// PutU32 appends a 32-bit integer, little-endian.
func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutU64 appends a 64-bit integer, little-endian.
func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// PutVi32 appends a 32-bit variable-length integer (1-5 bytes).
func (e *Encoder) PutVi32(v uint32) {
	for v > 0x7F {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// PutVi64 appends a 64-bit variable-length integer (1-10 bytes).
func (e *Encoder) PutVi64(v uint64) {
	for v > 0x7F {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// PutStr16 appends a string with a 16-bit length prefix and trailing NUL.
// The length excludes the terminator.
func (e *Encoder) PutStr16(s string) {
	e.PutU16(uint16(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// PutVstr appends a string with a vint32 length prefix and trailing NUL.
func (e *Encoder) PutVstr(s string) {
	e.PutVi32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// PutBytes appends a byte blob with a 32-bit length prefix.
func (e *Encoder) PutBytes(b []byte) {
	e.PutU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// EncodedVi32Len returns the number of bytes PutVi32 will emit for v.
func EncodedVi32Len(v uint32) int {
	n := 1
	for v > 0x7F {
		v >>= 7
		n++
	}
	return n
}

// EncodedVi64Len returns the number of bytes PutVi64 will emit for v.
func EncodedVi64Len(v uint64) int {
	n := 1
	for v > 0x7F {
		v >>= 7
		n++
	}
	return n
}

// EncodedStr16Len returns the wire size of s under PutStr16.
func EncodedStr16Len(s string) int {
	return 2 + len(s) + 1
}

// EncodedVstrLen returns the wire size of s under PutVstr.
func EncodedVstrLen(s string) int {
	return EncodedVi32Len(uint32(len(s))) + len(s) + 1
}

// EncodedBytesLen returns the wire size of b under PutBytes.
func EncodedBytesLen(b []byte) int {
	return 4 + len(b)
}
