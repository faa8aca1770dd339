package protocol

import (
	"encoding/binary"
	"math"
)

// Encoder appends little-endian wire data to an internal buffer.
// It never fails: the buffer grows as needed and size limits are enforced
// by the owner of the buffer (see bufmess).
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 256),
	}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
func NewEncoderWithCap(cap int) *Encoder {
	return &Encoder{
		buf: make([]byte, 0, cap),
	}
}

// NewEncoderOn creates an encoder that appends to buf[:0], reusing its storage.
func NewEncoderOn(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

// Reset resets the encoder to empty state, reusing the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next call to Reset or any Write method.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Truncate discards everything after the first n bytes.
func (e *Encoder) Truncate(n int) {
	if n < len(e.buf) {
		e.buf = e.buf[:n]
	}
}

// WriteByte appends a single byte.
// Note: This intentionally doesn't return error (unlike io.ByteWriter)
// because our buffer is unbounded and can always append.
func (e *Encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

// WriteBytes appends raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteBool appends a boolean as a single byte (0x00 or 0x01).
func (e *Encoder) WriteBool(b bool) {
	if b {
		e.buf = append(e.buf, 0x01)
	} else {
		e.buf = append(e.buf, 0x00)
	}
}

// WriteUint16 appends a uint16.
func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// WriteUint32 appends a uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// WriteUint64 appends a uint64.
func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// WriteInt16 appends an int16.
func (e *Encoder) WriteInt16(v int16) {
	e.WriteUint16(uint16(v))
}

// WriteInt32 appends an int32.
func (e *Encoder) WriteInt32(v int32) {
	e.WriteUint32(uint32(v))
}

// WriteInt64 appends an int64.
func (e *Encoder) WriteInt64(v int64) {
	e.WriteUint64(uint64(v))
}

// WriteFloat32 appends a float32 in IEEE 754 format.
func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

// WriteToken appends a framing token or an object operation token.
func (e *Encoder) WriteToken(t Token) {
	e.WriteUint32(uint32(t))
}

// WriteString appends a null-terminated string padded to 4 bytes.
// Format: u32 padded length, bytes, NUL and zero padding.
func (e *Encoder) WriteString(s string) {
	n := PaddedLen(len(s))
	e.WriteUint32(uint32(n))
	e.buf = append(e.buf, s...)
	for i := len(s); i < n; i++ {
		e.buf = append(e.buf, 0)
	}
}

// WriteVec appends a vector of size floats. Missing components are written
// as 0, except the homogeneous w of a 4-wide vector which defaults to 1.
func (e *Encoder) WriteVec(v []float32, size int) {
	for i := 0; i < size; i++ {
		switch {
		case i < len(v):
			e.WriteFloat32(v[i])
		case i == 3:
			e.WriteFloat32(1)
		default:
			e.WriteFloat32(0)
		}
	}
}

// PutUint32At overwrites four bytes at offset off. It is used to back-patch
// lengths once a packet is complete.
func (e *Encoder) PutUint32At(off int, v uint32) {
	binary.LittleEndian.PutUint32(e.buf[off:off+4], v)
}

// PaddedLen returns the on-wire size of a string of n bytes: the bytes plus a
// terminating NUL rounded up to a multiple of 4.
func PaddedLen(n int) int {
	return (n + 1 + 3) &^ 3
}
