package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// DefaultMaxAllocation bounds what one length prefix may claim (4MB).
	DefaultMaxAllocation = 4 * 1024 * 1024

	// MaxStringLength bounds a single wire string. No buffer can carry more.
	MaxStringLength = 64 * 1024
)

var (
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrBadStringLength    = errors.New("protocol: string length not 4-byte aligned")
	ErrBadVecSize         = errors.New("protocol: vector size must be 3 or 4")
)

// Decoder reads little-endian wire data from a byte buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// Position returns the current read position.
func (d *Decoder) Position() int {
	return d.pos
}

// Seek moves the read position to an absolute offset.
func (d *Decoder) Seek(pos int) error {
	if pos < 0 || pos > len(d.buf) {
		return io.ErrUnexpectedEOF
	}
	d.pos = pos
	return nil
}

// Skip advances the position by n bytes.
func (d *Decoder) Skip(n int) error {
	_, err := d.take(n)
	return err
}

// take consumes n bytes. The slice aliases the decoder's buffer.
func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.buf)-d.pos {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads exactly n bytes. The result aliases the input; copy it
// before the input is reused.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	return d.take(n)
}

// ReadBool reads one byte; anything but zero is true.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	return b != 0, err
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads an IEEE 754 single.
func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadToken reads a framing token or object operation token.
func (d *Decoder) ReadToken() (Token, error) {
	v, err := d.ReadUint32()
	return Token(v), err
}

// PeekToken returns the next token without consuming it.
func (d *Decoder) PeekToken() (Token, error) {
	pos := d.pos
	t, err := d.ReadToken()
	d.pos = pos
	return t, err
}

// ReadString reads a u32 byte count followed by that many bytes, which
// must be a multiple of 4. The text ends at the first NUL.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	switch {
	case n > MaxStringLength:
		return "", fmt.Errorf("%w: string of %d bytes", ErrAllocationTooLarge, n)
	case n%4 != 0:
		return "", fmt.Errorf("%w: %d", ErrBadStringLength, n)
	}
	raw, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

// ReadVec reads a vector of size floats.
func (d *Decoder) ReadVec(size int) ([]float32, error) {
	if size != 3 && size != 4 {
		return nil, ErrBadVecSize
	}
	if d.Remaining() < size*4 {
		return nil, io.ErrUnexpectedEOF
	}
	v := make([]float32, size)
	for i := range v {
		v[i], _ = d.ReadFloat32()
	}
	return v, nil
}
